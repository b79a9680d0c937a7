// Package maildirstore is the filesystem adapter for a single Maildir
// directory: it enumerates message keys, reads and appends message files,
// and rewrites the persistent-flag suffix of a key's filename.
//
// It uses github.com/emersion/go-maildir for creating the cur/new/tmp
// directories (Dir.Init) and for its Flag type and constants. Key
// generation, tmp-then-new delivery, the "key:2,flags" filename
// handling, and listing new/ and cur/ together without mutating either
// (which the IMAP \Recent semantics depend on) are this package's own
// code.
package maildirstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	maildir "github.com/emersion/go-maildir"
)

// ErrNotFound is returned when a key no longer exists on disk, for example
// because a concurrent client deleted or re-flagged the message between
// a caller listing keys and acting on one of them.
var ErrNotFound = errors.New("maildirstore: key not found")

// Flag is a single Maildir persistent flag letter, kept alphabetical in
// filenames per the Maildir convention.
type Flag = maildir.Flag

const (
	FlagSeen     = maildir.FlagSeen
	FlagAnswered = maildir.FlagReplied
	FlagFlagged  = maildir.FlagFlagged
	FlagDeleted  = maildir.FlagTrashed
	FlagDraft    = maildir.FlagDraft
)

// Store is a single Maildir (cur/new/tmp) on disk.
type Store struct {
	dir maildir.Dir
}

// Open returns a Store rooted at path, creating the cur/new/tmp
// subdirectories if they don't already exist.
func Open(path string) (*Store, error) {
	d := maildir.Dir(path)
	if err := d.Init(); err != nil {
		return nil, err
	}
	return &Store{dir: d}, nil
}

// Path returns the root directory of the store.
func (s *Store) Path() string { return string(s.dir) }

// Key identifies one message file. It is opaque to callers other than
// the registry, which maps it to a UID.
type Key string

// KeyInfo is what the adapter knows about a key without opening its file.
type KeyInfo struct {
	Key    Key
	Recent bool // resident in new/, not yet migrated to cur/
	Flags  []Flag
}

// List enumerates every message key in the store, from both new/ and
// cur/, without moving or otherwise mutating any file. Order is
// unspecified; callers that need a stable order (UID ascending) sort
// separately.
func (s *Store) List() ([]KeyInfo, error) {
	var infos []KeyInfo

	newNames, err := readdirnames(filepath.Join(string(s.dir), "new"))
	if err != nil {
		return nil, err
	}
	for _, n := range newNames {
		key := parseFilename(n)
		if key == "" {
			continue
		}
		infos = append(infos, KeyInfo{Key: Key(key), Recent: true})
	}

	curNames, err := readdirnames(filepath.Join(string(s.dir), "cur"))
	if err != nil {
		return nil, err
	}
	for _, n := range curNames {
		key, flags := parseCurFilename(n)
		if key == "" {
			continue
		}
		infos = append(infos, KeyInfo{Key: Key(key), Flags: flags})
	}

	return infos, nil
}

func readdirnames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(0)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if len(n) > 0 && n[0] != '.' {
			out = append(out, n)
		}
	}
	return out, nil
}

func parseFilename(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

func parseCurFilename(name string) (key string, flags []Flag) {
	parts := strings.SplitN(name, ":2,", 2)
	key = parts[0]
	if len(parts) == 2 {
		for _, r := range parts[1] {
			flags = append(flags, Flag(r))
		}
	}
	return key, flags
}

// OpenMessage opens the file behind key for reading, wherever it currently
// resides (new/ or cur/). Returns ErrNotFound if the key has vanished.
func (s *Store) OpenMessage(key Key) (io.ReadCloser, error) {
	path, err := s.filename(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *Store) filename(key Key) (string, error) {
	if p := filepath.Join(string(s.dir), "new", string(key)); exists(p) {
		return p, nil
	}
	matches, err := filepath.Glob(filepath.Join(string(s.dir), "cur", string(key)+":2,*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		// a message can also sit in cur/ with no info suffix at all
		p := filepath.Join(string(s.dir), "cur", string(key))
		if exists(p) {
			return p, nil
		}
		return "", ErrNotFound
	}
	return matches[0], nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Flags returns the current persistent flags and residency of key.
func (s *Store) Flags(key Key) (flags []Flag, recent bool, err error) {
	path, err := s.filename(key)
	if err != nil {
		return nil, false, err
	}
	if filepath.Dir(path) == filepath.Join(string(s.dir), "new") {
		return nil, true, nil
	}
	_, flags = parseCurFilename(filepath.Base(path))
	return flags, false, nil
}

// deliveryCounter and newDeliveryKey reimplement the key-generation half
// of maildir.NewDelivery: that constructor doesn't return the key it
// picked, and the registry needs the key as soon as the file lands in
// new/ so it can assign a UID right after the filesystem write (see
// mailbox.Mailbox.Save). The key has the form
// <unix-nanoseconds>.<host>.<pid><counter><random-hex>.
var deliveryCounter int64

func newDeliveryKey() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.NewReplacer("/", "\\057", ":", "\\072").Replace(host)

	n := atomic.AddInt64(&deliveryCounter, 1)
	rnd := make([]byte, 10)
	if _, err := io.ReadFull(rand.Reader, rnd); err != nil {
		return "", err
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10) + "." + host + "." +
		strconv.Itoa(os.Getpid()) + strconv.FormatInt(n, 10) + hex.EncodeToString(rnd), nil
}

// Append atomically writes a new message (tmp/ then link into new/) and
// returns its key. No UID is recorded for the key here: the file is
// already visible in new/ when Append returns, and the caller registers
// the key afterwards (see mailbox.Mailbox.Save), so a reconcile that runs
// in between picks the key up as a new key.
func (s *Store) Append(r io.Reader) (Key, error) {
	key, err := newDeliveryKey()
	if err != nil {
		return "", err
	}
	tmpPath := filepath.Join(string(s.dir), "tmp", key)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	newPath := filepath.Join(string(s.dir), "new", key)
	if err := os.Link(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Remove(tmpPath); err != nil {
		return "", err
	}
	return Key(key), nil
}

// SetFlags rewrites key's filename with the given sorted, deduplicated
// flag set, moving the file into cur/ (Maildir messages with any
// persistent flag, or none, both live in cur/ once they've been through
// SetFlags at least once — new/ is reserved for messages no session has
// touched yet).
func (s *Store) SetFlags(key Key, flags []Flag) error {
	src, err := s.filename(key)
	if err != nil {
		return err
	}
	flags = dedupSorted(flags)
	dst := filepath.Join(string(s.dir), "cur", string(key)+":2,"+flagString(flags))
	if src == dst {
		return nil
	}
	return os.Rename(src, dst)
}

func dedupSorted(flags []Flag) []Flag {
	seen := make(map[Flag]bool, len(flags))
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func flagString(flags []Flag) string {
	var b strings.Builder
	for _, f := range flags {
		b.WriteRune(rune(f))
	}
	return b.String()
}

// Remove deletes the file behind key.
func (s *Store) Remove(key Key) error {
	path, err := s.filename(key)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Subfolders lists the immediate child Maildirs of a user root: any
// directory entry starting with '.' that itself contains a cur/
// subdirectory.
func Subfolders(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), "cur")); err != nil {
			continue
		}
		names = append(names, strings.TrimPrefix(e.Name(), "."))
	}
	sort.Strings(names)
	return names, nil
}
