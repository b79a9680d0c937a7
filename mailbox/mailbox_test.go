package mailbox

import (
	"io"
	"strings"
	"testing"

	"github.com/maildepot/maildepot/maildirstore"
	"github.com/maildepot/maildepot/registry"
)

func TestSaveListAndLoad(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)

	inbox, err := Open(root, "", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	uid, err := inbox.Save(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if uid == 0 {
		t.Fatalf("expected a nonzero UID")
	}

	msgs, err := inbox.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(msgs) != 1 || msgs[0].UID != uid {
		t.Fatalf("expected one message with UID %d, got %+v", uid, msgs)
	}

	rc, msg, err := inbox.LoadByUID(uid)
	if err != nil {
		t.Fatalf("LoadByUID: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "body") {
		t.Fatalf("unexpected body: %q", data)
	}
	if msg.UID != uid {
		t.Fatalf("LoadByUID returned mismatched Message: %+v", msg)
	}
}

func TestMarkSeenAndSetFlags(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)
	inbox, err := Open(root, "", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := inbox.Save(strings.NewReader("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	msgs, err := inbox.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	msg := msgs[0]
	if msg.HasFlag(maildirstore.FlagSeen) {
		t.Fatalf("fresh message should not be \\Seen yet")
	}

	if _, err := inbox.MarkSeen(msg); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	msgs, err = inbox.List()
	if err != nil {
		t.Fatalf("List after MarkSeen: %v", err)
	}
	if !msgs[0].HasFlag(maildirstore.FlagSeen) {
		t.Fatalf("expected \\Seen to persist, got flags %v", msgs[0].Flags)
	}
	if msgs[0].UID != msg.UID {
		t.Fatalf("UID must survive the flag-driven filename rewrite: got %d, want %d", msgs[0].UID, msg.UID)
	}

	if err := inbox.SetFlags(msgs[0], []maildirstore.Flag{maildirstore.FlagDeleted}); err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	msgs, err = inbox.List()
	if err != nil {
		t.Fatalf("List after SetFlags: %v", err)
	}
	if !msgs[0].HasFlag(maildirstore.FlagDeleted) || msgs[0].HasFlag(maildirstore.FlagSeen) {
		t.Fatalf("SetFlags should replace the flag set wholesale, got %v", msgs[0].Flags)
	}
}

func TestExpunge(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)
	inbox, err := Open(root, "", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var uids []uint32
	for i := 0; i < 3; i++ {
		uid, err := inbox.Save(strings.NewReader("Subject: x\r\n\r\nbody\r\n"))
		if err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
		uids = append(uids, uid)
	}

	msgs, err := inbox.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, m := range msgs {
		if m.UID == uids[1] {
			if err := inbox.SetFlags(m, []maildirstore.Flag{maildirstore.FlagDeleted}); err != nil {
				t.Fatalf("SetFlags: %v", err)
			}
		}
	}

	var expunged []uint32
	if err := inbox.Expunge(nil, func(seqNum uint32) { expunged = append(expunged, seqNum) }); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if len(expunged) != 1 || expunged[0] != 2 {
		t.Fatalf("expected EXPUNGE to report seqnum 2, got %v", expunged)
	}

	msgs, err = inbox.List()
	if err != nil {
		t.Fatalf("List after Expunge: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages left, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.UID == uids[1] {
			t.Fatalf("expunged message's UID must not reappear")
		}
	}
}

func TestCopyBetweenFolders(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)

	inbox, err := Open(root, "", reg)
	if err != nil {
		t.Fatalf("Open INBOX: %v", err)
	}
	if err := Create(root, "Archive"); err != nil {
		t.Fatalf("Create Archive: %v", err)
	}
	archive, err := Open(root, "Archive", reg)
	if err != nil {
		t.Fatalf("Open Archive: %v", err)
	}

	if _, err := inbox.Save(strings.NewReader("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	msgs, err := inbox.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	newUID, err := inbox.Copy(msgs[0], archive)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if newUID == 0 {
		t.Fatalf("Copy should assign a UID in the destination folder")
	}

	archiveMsgs, err := archive.List()
	if err != nil {
		t.Fatalf("List Archive: %v", err)
	}
	if len(archiveMsgs) != 1 || archiveMsgs[0].UID != newUID {
		t.Fatalf("expected the copy to land in Archive with UID %d, got %+v", newUID, archiveMsgs)
	}

	inboxMsgs, err := inbox.List()
	if err != nil {
		t.Fatalf("List INBOX: %v", err)
	}
	if len(inboxMsgs) != 1 {
		t.Fatalf("Copy must not remove the source message")
	}
}

func TestDeleteFolder(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)

	if err := Create(root, "Drafts"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	drafts, err := Open(root, "Drafts", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := drafts.Save(strings.NewReader("Subject: draft\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := Delete(root, "Drafts", reg); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := Open(root, "Drafts", reg); err != ErrNoSuchMailbox {
		t.Fatalf("expected ErrNoSuchMailbox after Delete, got %v", err)
	}
}

func TestAttrsReportsChildrenAndFlagged(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)

	inbox, err := Open(root, "", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	attrs, err := inbox.Attrs()
	if err != nil {
		t.Fatalf("Attrs: %v", err)
	}
	if attrs&AttrHasNoChildren == 0 {
		t.Fatalf("expected AttrHasNoChildren before any subfolder exists, got %s", attrs)
	}

	if err := Create(root, "Sub"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	attrs, err = inbox.Attrs()
	if err != nil {
		t.Fatalf("Attrs after Create: %v", err)
	}
	if attrs&AttrHasChildren == 0 {
		t.Fatalf("expected AttrHasChildren once a subfolder exists, got %s", attrs)
	}
}

func TestInfoCounters(t *testing.T) {
	root := t.TempDir()
	reg := registry.New(root)
	inbox, err := Open(root, "", reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := inbox.Save(strings.NewReader("Subject: x\r\n\r\nbody\r\n")); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	info, err := inbox.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.NumMessages != 2 {
		t.Fatalf("expected 2 messages, got %d", info.NumMessages)
	}
	if info.NumUnseen != 2 {
		t.Fatalf("expected 2 unseen messages, got %d", info.NumUnseen)
	}
	if info.UIDNext <= 2 {
		t.Fatalf("expected UIDNext to have advanced past 2, got %d", info.UIDNext)
	}
	if info.UIDValidity == 0 {
		t.Fatalf("expected a nonzero UIDVALIDITY")
	}
}
