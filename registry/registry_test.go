package registry

import (
	"testing"

	"github.com/maildepot/maildepot/maildirstore"
)

func TestReconcileAssignsAscendingUIDs(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	keys := []maildirstore.Key{"b", "a", "c"}
	folder, err := r.Reconcile("INBOX", keys)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if folder.UIDNext != 4 {
		t.Fatalf("expected UIDNext 4 after 3 new keys, got %d", folder.UIDNext)
	}
	if len(folder.KeyToUID) != 3 {
		t.Fatalf("expected 3 mapped keys, got %d", len(folder.KeyToUID))
	}
	// Deterministic: same filesystem state assigns the same UIDs on a
	// fresh Registry reading the persisted document back.
	r2 := New(root)
	folder2, err := r2.Reconcile("INBOX", keys)
	if err != nil {
		t.Fatalf("Reconcile on fresh Registry: %v", err)
	}
	for k, uid := range folder.KeyToUID {
		if folder2.KeyToUID[k] != uid {
			t.Fatalf("UID for key %q changed across Registry instances: %d vs %d", k, uid, folder2.KeyToUID[k])
		}
	}
}

func TestReconcileNeverReusesUIDOfRemovedKey(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	folder, err := r.Reconcile("INBOX", []maildirstore.Key{"a", "b"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	removedUID := folder.KeyToUID["a"]

	folder, err = r.Reconcile("INBOX", []maildirstore.Key{"b"})
	if err != nil {
		t.Fatalf("Reconcile after removing a: %v", err)
	}
	if _, ok := folder.UIDToKey[removedUID]; ok {
		t.Fatalf("removed key's UID %d must not still be mapped", removedUID)
	}

	folder, err = r.Reconcile("INBOX", []maildirstore.Key{"b", "c"})
	if err != nil {
		t.Fatalf("Reconcile with a new key: %v", err)
	}
	if newUID := folder.KeyToUID["c"]; newUID <= removedUID {
		t.Fatalf("a new key must never be assigned a previously-used UID: got %d, previous was %d", newUID, removedUID)
	}
}

func TestAppendIsIdempotentForSameKey(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	uid1, _, err := r.Append("INBOX", "x")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	uid2, _, err := r.Append("INBOX", "x")
	if err != nil {
		t.Fatalf("Append again: %v", err)
	}
	if uid1 != uid2 {
		t.Fatalf("Append of an already-mapped key must return the same UID: %d vs %d", uid1, uid2)
	}
}

func TestRekeyPreservesUID(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	uid, _, err := r.Append("INBOX", "old")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := r.Rekey("INBOX", uid, "new"); err != nil {
		t.Fatalf("Rekey: %v", err)
	}

	folder, err := r.Reconcile("INBOX", []maildirstore.Key{"new"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if folder.KeyToUID["new"] != uid {
		t.Fatalf("expected the renamed key to keep UID %d, got %d", uid, folder.KeyToUID["new"])
	}
	if _, ok := folder.KeyToUID["old"]; ok {
		t.Fatalf("old key should no longer be mapped after Rekey")
	}
}

func TestForgetRemovesFolderAndUIDValidityNeverReused(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	folder, err := r.Reconcile("Archive", []maildirstore.Key{"a"})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	firstValidity := folder.UIDValidity

	if err := r.Forget("Archive"); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	folder, err = r.Reconcile("Archive", []maildirstore.Key{"a"})
	if err != nil {
		t.Fatalf("Reconcile after Forget: %v", err)
	}
	if folder.UIDValidity <= firstValidity {
		t.Fatalf("a folder recreated after Forget must get a strictly greater UIDVALIDITY: got %d, was %d", folder.UIDValidity, firstValidity)
	}
}

func TestTwoFoldersHaveIndependentUIDSpaces(t *testing.T) {
	root := t.TempDir()
	r := New(root)

	inbox, err := r.Reconcile("INBOX", []maildirstore.Key{"a"})
	if err != nil {
		t.Fatalf("Reconcile INBOX: %v", err)
	}
	archive, err := r.Reconcile("Archive", []maildirstore.Key{"a"})
	if err != nil {
		t.Fatalf("Reconcile Archive: %v", err)
	}
	if inbox.UIDValidity == archive.UIDValidity {
		t.Fatalf("distinct folders must not share a UIDVALIDITY: both got %d", inbox.UIDValidity)
	}
}
