package auth

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// FlatFile authenticates against a colon-separated
// "user:bcrypt-hash" file. Every Authenticate call checks the file's
// modification time and re-reads it when that has changed, so an
// operator can edit it without restarting the server. Grounded on
// spilldb/db/auth.go's bcrypt.CompareHashAndPassword use, with the
// SQL-backed device table replaced by a flat file per this repo's
// Maildir-only storage model.
type FlatFile struct {
	Path string

	mu      sync.Mutex
	entries map[string][]byte // user -> bcrypt hash
	modTime int64
}

func (f *FlatFile) Authenticate(username, password string) (user string, err error) {
	entries, err := f.load()
	if err != nil {
		return "", err
	}
	hash, ok := entries[username]
	if !ok {
		return "", ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return username, nil
}

func (f *FlatFile) load() (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fi, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("auth: flatfile stat: %w", err)
	}
	if f.entries != nil && fi.ModTime().UnixNano() == f.modTime {
		return f.entries, nil
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("auth: flatfile open: %w", err)
	}
	defer file.Close()

	entries := make(map[string][]byte)
	sc := bufio.NewScanner(file)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		entries[line[:i]] = []byte(line[i+1:])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("auth: flatfile scan: %w", err)
	}

	f.entries = entries
	f.modTime = fi.ModTime().UnixNano()
	return entries, nil
}

// HashPassword bcrypt-hashes a password for writing into a flat file,
// used by admin tooling rather than at request time.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
