// Package registry implements the per-user UID registry: the single JSON
// document at a user's Maildir root that maps each folder's Maildir keys
// to stable IMAP UIDs, and back, across restarts.
//
// imapd and smtpd are separate processes (see DESIGN.md §I), each with
// its own registry.Cache, so two Registry instances for the same user
// root can exist at once in different processes. A Registry therefore
// reloads .uid_mapping whenever its mtime has moved past what this
// instance last saw (the same staleness check auth.FlatFile.load uses
// for its flat file) and wraps every read-modify-write cycle in an
// flock(2) lock on the document, so a write from one process is never
// silently clobbered by a stale read-modify-write from the other.
package registry

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/maildepot/maildepot/maildirstore"
)

// Folder is the persisted state of one folder's UID assignments.
type Folder struct {
	UIDValidity uint32            `json:"uidvalidity"`
	UIDNext     uint32            `json:"uidnext"`
	KeyToUID    map[string]uint32 `json:"key_to_uid"`
	UIDToKey    map[uint32]string `json:"uid_to_key"`
}

// document is the on-disk shape of .uid_mapping.
type document struct {
	Folders map[string]*Folder `json:"folders"`
	// HighWaterValidity is the largest UIDVALIDITY ever issued to any
	// folder of this user, so a folder recreated after the registry is
	// lost (or the wall clock moves backward) can never reuse a value a
	// client may already have cached. See DESIGN.md Open Question 1.
	HighWaterValidity uint32 `json:"high_water_validity,omitempty"`
}

// Registry owns the UID state for every folder of one user.
type Registry struct {
	path string // <user-root>/.uid_mapping
	flk  *flock.Flock

	mu       sync.Mutex // guards doc, loaded/modTime and the folderMu map itself
	doc      document
	loaded   bool
	modTime  int64 // UnixNano of r.path as of the last load/persist
	folderMu map[string]*sync.Mutex
}

// New returns a Registry for the user rooted at userRoot. No I/O happens
// until the first operation.
func New(userRoot string) *Registry {
	path := filepath.Join(userRoot, ".uid_mapping")
	return &Registry{
		path:     path,
		flk:      flock.New(path + ".lock"),
		folderMu: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) folderLock(folderKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.folderMu[folderKey]
	if !ok {
		m = &sync.Mutex{}
		r.folderMu[folderKey] = m
	}
	return m
}

// load rereads the registry file whenever its mtime has moved past what
// this instance last observed, tolerating a missing or truncated file by
// starting from an empty document: reconcile will then rebuild state
// from whatever is on disk in each Maildir. A no-op once this instance
// has already loaded the current on-disk version, so same-process callers
// pay the stat but not the read+unmarshal on every call. Callers must
// hold r.mu and r.flk.
func (r *Registry) load() {
	fi, statErr := os.Stat(r.path)
	if statErr == nil && r.loaded && fi.ModTime().UnixNano() == r.modTime {
		return
	}
	r.doc.Folders = make(map[string]*Folder)
	data, err := os.ReadFile(r.path)
	if err == nil {
		var doc document
		if jsonErr := json.Unmarshal(data, &doc); jsonErr == nil && doc.Folders != nil {
			r.doc = doc
		}
	}
	if r.doc.Folders == nil {
		r.doc.Folders = make(map[string]*Folder)
	}
	if fi, err := os.Stat(r.path); err == nil {
		r.modTime = fi.ModTime().UnixNano()
	}
	r.loaded = true
}

// persist writes the whole document via a temp-file-then-rename, so a
// crash mid-write never leaves a half-written .uid_mapping behind, then
// records the new mtime so this instance doesn't immediately consider
// its own write stale. Callers must hold r.mu and r.flk.
func (r *Registry) persist() error {
	data, err := json.MarshalIndent(r.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return err
	}
	if fi, err := os.Stat(r.path); err == nil {
		r.modTime = fi.ModTime().UnixNano()
	}
	return nil
}

// newUIDValidity picks a value strictly greater than every UIDVALIDITY
// this user has ever issued, using wall-clock-seconds plus a per-folder
// salt to keep folders created in the same second from colliding. See
// DESIGN.md: grounded on original_source's time()+hash%1000 formula and
// other_examples' fnv32a(name) UIDValidity helper, strengthened with a
// user-wide high-water mark. Callers must hold r.mu.
func (r *Registry) newUIDValidity(folderKey string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(folderKey))
	salt := h.Sum32() % 1000

	v := uint32(time.Now().Unix())%0x7fffffff + salt
	if v <= r.doc.HighWaterValidity {
		v = r.doc.HighWaterValidity + 1
	}
	r.doc.HighWaterValidity = v
	return v
}

// folder returns the Folder record for folderKey, creating (and
// persisting) one with a fresh UIDVALIDITY if it doesn't exist yet.
// Callers must hold r.mu and have already called r.load().
func (r *Registry) folder(folderKey string) (*Folder, bool) {
	f, ok := r.doc.Folders[folderKey]
	if ok {
		return f, false
	}
	f = &Folder{
		UIDValidity: r.newUIDValidity(folderKey),
		UIDNext:     1,
		KeyToUID:    make(map[string]uint32),
		UIDToKey:    make(map[uint32]string),
	}
	r.doc.Folders[folderKey] = f
	return f, true
}

// Reconcile is fed the live keys of folderKey's Maildir (as produced by
// maildirstore.Store.List) and brings the registry in line: keys no
// longer present lose their mapping (their UID is never reused, per
// invariant 3); keys seen for the first time are assigned uidnext and
// uidnext is advanced. It returns a copy of the Folder record after
// reconciliation; changing the copy does not change the registry.
func (r *Registry) Reconcile(folderKey string, liveKeys []maildirstore.Key) (Folder, error) {
	lock := r.folderLock(folderKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.flk.Lock(); err != nil {
		return Folder{}, fmt.Errorf("registry: lock %s: %w", r.path, err)
	}
	defer r.flk.Unlock()

	r.mu.Lock()
	r.load()
	f, created := r.folder(folderKey)

	live := make(map[string]bool, len(liveKeys))
	for _, k := range liveKeys {
		live[string(k)] = true
	}

	changed := created
	for key := range f.KeyToUID {
		if !live[key] {
			uid := f.KeyToUID[key]
			delete(f.KeyToUID, key)
			delete(f.UIDToKey, uid)
			changed = true
		}
	}
	// Stable order so uidnext assignment is deterministic for a given
	// filesystem state (useful for tests and for the SMTP/IMAP race
	// where both might reconcile concurrently through different mutexes
	// on a cold cache -- the folder lock above is what actually
	// prevents that race; determinism just makes behavior reproducible).
	var newKeys []string
	for key := range live {
		if _, ok := f.KeyToUID[key]; !ok {
			newKeys = append(newKeys, key)
		}
	}
	sort.Strings(newKeys)
	for _, key := range newKeys {
		uid := f.UIDNext
		f.UIDNext++
		f.KeyToUID[key] = uid
		f.UIDToKey[uid] = key
		changed = true
	}

	if changed {
		err := r.persist()
		snapshot := cloneFolder(f)
		r.mu.Unlock()
		return snapshot, err
	}
	snapshot := cloneFolder(f)
	r.mu.Unlock()
	return snapshot, nil
}

func cloneFolder(f *Folder) Folder {
	out := Folder{
		UIDValidity: f.UIDValidity,
		UIDNext:     f.UIDNext,
		KeyToUID:    make(map[string]uint32, len(f.KeyToUID)),
		UIDToKey:    make(map[uint32]string, len(f.UIDToKey)),
	}
	for k, v := range f.KeyToUID {
		out.KeyToUID[k] = v
	}
	for k, v := range f.UIDToKey {
		out.UIDToKey[k] = v
	}
	return out
}

// Append assigns the next UID to a newly delivered key. The caller must
// have already made the message durable on disk (Maildir Append) before
// calling this; if the process crashes between the two, reconciliation
// on next access assigns the UID the ordinary way (new key observed),
// so no registry entry is ever left pointing at a key that was never
// written. See spec §5 ordering guarantees.
func (r *Registry) Append(folderKey string, key maildirstore.Key) (uid uint32, uidvalidity uint32, err error) {
	lock := r.folderLock(folderKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.flk.Lock(); err != nil {
		return 0, 0, fmt.Errorf("registry: lock %s: %w", r.path, err)
	}
	defer r.flk.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()
	f, _ := r.folder(folderKey)

	if existing, ok := f.KeyToUID[string(key)]; ok {
		return existing, f.UIDValidity, nil
	}
	uid = f.UIDNext
	f.UIDNext++
	f.KeyToUID[string(key)] = uid
	f.UIDToKey[uid] = string(key)
	if err := r.persist(); err != nil {
		return 0, 0, err
	}
	return uid, f.UIDValidity, nil
}

// Rekey updates the key associated with uid in place, used when
// mailbox.Mailbox.SetFlags renames a message's underlying file: the UID
// must survive the rename (invariant 3 is about identity, not
// filename).
func (r *Registry) Rekey(folderKey string, uid uint32, newKey maildirstore.Key) error {
	lock := r.folderLock(folderKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.flk.Lock(); err != nil {
		return fmt.Errorf("registry: lock %s: %w", r.path, err)
	}
	defer r.flk.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()
	f, _ := r.folder(folderKey)

	oldKey, ok := f.UIDToKey[uid]
	if !ok {
		return nil
	}
	delete(f.KeyToUID, oldKey)
	f.KeyToUID[string(newKey)] = uid
	f.UIDToKey[uid] = string(newKey)
	return r.persist()
}

// Forget removes a folder's registry entry entirely, used when a folder
// is deleted. UIDVALIDITY for that folder name is not reused if the
// folder is recreated (a fresh one is minted, see newUIDValidity's
// monotonic high-water mark).
func (r *Registry) Forget(folderKey string) error {
	lock := r.folderLock(folderKey)
	lock.Lock()
	defer lock.Unlock()

	if err := r.flk.Lock(); err != nil {
		return fmt.Errorf("registry: lock %s: %w", r.path, err)
	}
	defer r.flk.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.load()
	delete(r.doc.Folders, folderKey)
	return r.persist()
}
