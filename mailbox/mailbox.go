// Package mailbox composes maildirstore and registry into the unit the
// IMAP session actually operates on: a selected folder, addressed by
// sequence number or UID, with the counts and attributes SELECT/STATUS/
// LIST need and the save/load/flag operations FETCH/STORE/APPEND drive.
package mailbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/maildepot/maildepot/maildirstore"
	"github.com/maildepot/maildepot/registry"
)

// ErrNoSuchMailbox is returned by Open when the named folder does not
// exist on disk.
var ErrNoSuchMailbox = errors.New("mailbox: no such mailbox")

// ListAttrFlag is a bitmask of the folder attributes LIST/LSUB report,
// patterned on the teacher's imap.ListAttrFlag.
type ListAttrFlag int

const (
	AttrNoinferiors ListAttrFlag = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked
	AttrHasChildren
	AttrHasNoChildren
	AttrSent
	AttrDrafts
)

var attrStrings = map[ListAttrFlag]string{
	AttrNoinferiors:   `\Noinferiors`,
	AttrNoselect:      `\Noselect`,
	AttrMarked:        `\Marked`,
	AttrUnmarked:      `\Unmarked`,
	AttrHasChildren:   `\HasChildren`,
	AttrHasNoChildren: `\HasNoChildren`,
	AttrSent:          `\Sent`,
	AttrDrafts:        `\Drafts`,
}

var attrOrder = []ListAttrFlag{
	AttrNoinferiors, AttrNoselect, AttrMarked, AttrUnmarked,
	AttrHasChildren, AttrHasNoChildren, AttrSent, AttrDrafts,
}

// String renders the attribute set as a space-separated list of IMAP
// atoms, e.g. `\HasNoChildren \Unmarked`.
func (a ListAttrFlag) String() string {
	var parts []string
	for _, f := range attrOrder {
		if a&f != 0 {
			parts = append(parts, attrStrings[f])
		}
	}
	return strings.Join(parts, " ")
}

// Info is the summary SELECT/EXAMINE/STATUS report.
type Info struct {
	NumMessages       uint32
	NumRecent         uint32
	NumUnseen         uint32
	FirstUnseenSeq    uint32
	UIDNext           uint32
	UIDValidity       uint32
}

// Message is one entry of a selected folder's current listing, ordered
// by ascending UID (Maildir carries no intrinsic ordering, so this
// ordering is our own, stable source of sequence numbers for the
// lifetime of a SELECT — see spec §4.6).
type Message struct {
	SeqNum uint32
	UID    uint32
	Key    maildirstore.Key
	Flags  []maildirstore.Flag
	Recent bool
}

// HasFlag reports whether f is present among m.Flags.
func (m Message) HasFlag(f maildirstore.Flag) bool {
	for _, g := range m.Flags {
		if g == f {
			return true
		}
	}
	return false
}

// Mailbox is one folder: a Maildir plus its slice of the user's UID
// registry.
type Mailbox struct {
	name string // folder name as seen by IMAP, "" for INBOX
	path string // filesystem path to the Maildir root
	store *maildirstore.Store
	reg   *registry.Registry
	key   string // registry folder key: the folder's filesystem path (see folderKey), so a renamed folder gets a new key
}

// folderKey derives the registry key for a folder from its filesystem
// path, so two different user roots never collide in a (hypothetically)
// shared registry and a rename is visible as a distinct key.
func folderKey(path string) string {
	return path
}

// Open returns the Mailbox for name ("" or "INBOX" for the top-level
// inbox) rooted at userRoot, sharing reg for UID bookkeeping.
func Open(userRoot, name string, reg *registry.Registry) (*Mailbox, error) {
	path := folderPath(userRoot, name)
	if _, err := os.Stat(path); err != nil {
		return nil, ErrNoSuchMailbox
	}
	st, err := maildirstore.Open(path)
	if err != nil {
		return nil, err
	}
	return &Mailbox{name: name, path: path, store: st, reg: reg, key: folderKey(path)}, nil
}

// Create makes a new folder (and the registry entry it will get on
// first reconcile) under userRoot.
func Create(userRoot, name string) error {
	path := folderPath(userRoot, name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("mailbox: %q already exists", name)
	}
	_, err := maildirstore.Open(path)
	return err
}

// Delete removes a folder's Maildir and forgets its registry state.
func Delete(userRoot, name string, reg *registry.Registry) error {
	path := folderPath(userRoot, name)
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return reg.Forget(folderKey(path))
}

func folderPath(userRoot, name string) string {
	if name == "" || strings.EqualFold(name, "INBOX") {
		return userRoot
	}
	return filepath.Join(userRoot, "."+name)
}

// ListFolders returns the user's subfolder names (INBOX is implicit and
// not included).
func ListFolders(userRoot string) ([]string, error) {
	return maildirstore.Subfolders(userRoot)
}

// Attrs derives the LIST/LSUB attribute set for this folder by
// inspecting its Maildir and subdirectories, per spec §4.2.
func (m *Mailbox) Attrs() (ListAttrFlag, error) {
	var attrs ListAttrFlag
	children, err := maildirstore.Subfolders(m.path)
	if err != nil {
		return 0, err
	}
	if len(children) > 0 {
		attrs |= AttrHasChildren
	} else {
		attrs |= AttrHasNoChildren
	}
	if strings.EqualFold(m.name, "Sent") {
		attrs |= AttrSent
	}
	if strings.EqualFold(m.name, "Drafts") {
		attrs |= AttrDrafts
	}
	infos, err := m.store.List()
	if err != nil {
		return 0, err
	}
	anyFlagged := false
	for _, ki := range infos {
		for _, f := range ki.Flags {
			if f == maildirstore.FlagFlagged {
				anyFlagged = true
			}
		}
	}
	if anyFlagged {
		attrs |= AttrMarked
	} else {
		attrs |= AttrUnmarked
	}
	return attrs, nil
}

// list reconciles the registry against the filesystem and returns the
// current messages in ascending UID order, which is this selection's
// sequence-number order for its lifetime.
func (m *Mailbox) list() ([]Message, registry.Folder, error) {
	infos, err := m.store.List()
	if err != nil {
		return nil, registry.Folder{}, err
	}
	liveKeys := make([]maildirstore.Key, len(infos))
	byKey := make(map[maildirstore.Key]maildirstore.KeyInfo, len(infos))
	for i, ki := range infos {
		liveKeys[i] = ki.Key
		byKey[ki.Key] = ki
	}

	folder, err := m.reg.Reconcile(m.key, liveKeys)
	if err != nil {
		return nil, registry.Folder{}, err
	}

	msgs := make([]Message, 0, len(infos))
	for key, uid := range folder.KeyToUID {
		ki := byKey[maildirstore.Key(key)]
		msgs = append(msgs, Message{
			UID:    uid,
			Key:    ki.Key,
			Flags:  ki.Flags,
			Recent: ki.Recent,
		})
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	for i := range msgs {
		msgs[i].SeqNum = uint32(i + 1)
	}
	return msgs, folder, nil
}

// List returns the current message listing in ascending UID order.
func (m *Mailbox) List() ([]Message, error) {
	msgs, _, err := m.list()
	return msgs, err
}

// Info reconciles and returns SELECT/EXAMINE/STATUS counters.
func (m *Mailbox) Info() (Info, error) {
	msgs, folder, err := m.list()
	if err != nil {
		return Info{}, err
	}
	info := Info{
		NumMessages: uint32(len(msgs)),
		UIDNext:     folder.UIDNext,
		UIDValidity: folder.UIDValidity,
	}
	for _, msg := range msgs {
		if msg.Recent {
			info.NumRecent++
		}
		if !msg.HasFlag(maildirstore.FlagSeen) {
			info.NumUnseen++
			if info.FirstUnseenSeq == 0 {
				info.FirstUnseenSeq = msg.SeqNum
			}
		}
	}
	return info, nil
}

// Save appends a new message and assigns it a UID. The registry write
// happens only after the filesystem write durably succeeds, and if the
// registry write then fails, the next reconcile picks the key up as a
// "new" key and assigns it a UID the ordinary way — no message is ever
// silently lost, per spec §5's ordering guarantee.
func (m *Mailbox) Save(r io.Reader) (uid uint32, err error) {
	key, err := m.store.Append(r)
	if err != nil {
		return 0, err
	}
	uid, _, err = m.reg.Append(m.key, key)
	return uid, err
}

// LoadByUID opens the message content for reading by UID.
func (m *Mailbox) LoadByUID(uid uint32) (io.ReadCloser, Message, error) {
	msgs, err := m.List()
	if err != nil {
		return nil, Message{}, err
	}
	for _, msg := range msgs {
		if msg.UID == uid {
			rc, err := m.store.OpenMessage(msg.Key)
			return rc, msg, err
		}
	}
	return nil, Message{}, maildirstore.ErrNotFound
}

// LoadByKey opens the message content for reading by Maildir key.
func (m *Mailbox) LoadByKey(key maildirstore.Key) (io.ReadCloser, error) {
	return m.store.OpenMessage(key)
}

// MarkSeen sets the \Seen flag on key if it isn't already set, and
// returns the resulting flag set.
func (m *Mailbox) MarkSeen(msg Message) ([]maildirstore.Flag, error) {
	if msg.HasFlag(maildirstore.FlagSeen) {
		return msg.Flags, nil
	}
	newFlags := append(append([]maildirstore.Flag{}, msg.Flags...), maildirstore.FlagSeen)
	return newFlags, m.SetFlags(msg, newFlags)
}

// SetFlags replaces msg's persistent flag set and keeps the registry's
// key mapping pointed at the renamed file.
func (m *Mailbox) SetFlags(msg Message, flags []maildirstore.Flag) error {
	if err := m.store.SetFlags(msg.Key, flags); err != nil {
		return err
	}
	newKey := newCurKey(msg.Key, flags)
	if newKey == msg.Key {
		return nil
	}
	return m.reg.Rekey(m.key, msg.UID, newKey)
}

// newCurKey predicts the key maildirstore.SetFlags will rename msg.Key
// to: maildirstore.Key is only the basename (no ":2,<flags>" suffix),
// so a flag rewrite never actually changes the key's identity string --
// it changes the filename, not the Key. This exists so a future storage
// backend with a key that does encode its flags has a single place to
// adapt.
func newCurKey(key maildirstore.Key, _ []maildirstore.Flag) maildirstore.Key {
	return key
}

// Expunge removes every message with \Deleted set, optionally restricted
// to the UIDs in only (nil means all messages are eligible). fn is
// called with each removed message's sequence number, in the order
// spec §4.4/RFC 3501 requires: recomputed after each prior removal.
func (m *Mailbox) Expunge(only map[uint32]bool, fn func(seqNum uint32)) error {
	msgs, err := m.List()
	if err != nil {
		return err
	}
	removed := 0
	for _, msg := range msgs {
		if !msg.HasFlag(maildirstore.FlagDeleted) {
			continue
		}
		if only != nil && !only[msg.UID] {
			continue
		}
		if err := m.store.Remove(msg.Key); err != nil && err != maildirstore.ErrNotFound {
			return err
		}
		seqNum := msg.SeqNum - uint32(removed)
		removed++
		if fn != nil {
			fn(seqNum)
		}
	}
	if removed == 0 {
		return nil
	}
	_, _, err = m.list()
	return err
}

// InternalDate returns the message's delivery timestamp, approximated
// by the Maildir file's modification time (Maildir carries no separate
// internal-date field; this matches the convention the format's other
// implementations use).
func (m *Mailbox) InternalDate(key maildirstore.Key) (time.Time, error) {
	rc, err := m.store.OpenMessage(key)
	if err != nil {
		return time.Time{}, err
	}
	defer rc.Close()
	if f, ok := rc.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return time.Time{}, err
		}
		return fi.ModTime(), nil
	}
	return time.Now(), nil
}

// Copy appends a copy of msg's content to dst and returns the new UID.
func (m *Mailbox) Copy(msg Message, dst *Mailbox) (uid uint32, err error) {
	rc, err := m.store.OpenMessage(msg.Key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return dst.Save(rc)
}

// Name returns the folder's IMAP name ("INBOX" for the top level).
func (m *Mailbox) Name() string {
	if m.name == "" {
		return "INBOX"
	}
	return m.name
}

// Close releases resources held by the Mailbox. The underlying
// maildirstore.Store holds no file descriptors between calls, so this
// is currently a no-op kept for symmetry with the teacher's
// imap.Mailbox.Close and to give a future caching layer a hook.
func (m *Mailbox) Close() error { return nil }
