package smtpd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"crawshaw.io/iox"

	"github.com/maildepot/maildepot/mailbox"
)

// delivery implements Msg: it buffers one message's DATA into an
// overflow-to-disk iox.BufferFile (grounded on the teacher's
// spilldb/smtpdb.smtpMsg, which does the same against its own SQLite
// blob store) and, on Close, saves the finished buffer into every
// locally-resolved recipient's INBOX.
type delivery struct {
	server *Server
	from   string
	f      *iox.BufferFile
	rcpts  []string // resolved local usernames
	err    error
}

var filer = iox.NewFiler(0)

func newDelivery(s *Server, from string) *delivery {
	return &delivery{server: s, from: from}
}

// AddRecipient reports whether addr names a known local mailbox
// (spec §6: submission is never an open relay — every recipient must
// already have a storage tree under StorageRoot).
func (d *delivery) AddRecipient(addr []byte) (bool, error) {
	user := localUser(addr)
	if user == "" {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(d.server.StorageRoot, user)); err != nil {
		return false, nil
	}
	d.rcpts = append(d.rcpts, user)
	return true, nil
}

func localUser(addr []byte) string {
	i := bytes.IndexByte(addr, '@')
	if i <= 0 {
		return ""
	}
	return string(addr[:i])
}

func (d *delivery) Write(line []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.f == nil {
		d.f = filer.BufferFile(0)
	}
	_, err := d.f.Write(line)
	if err != nil {
		d.err = err
	}
	return err
}

func (d *delivery) Cancel() {
	if d.f != nil {
		d.f.Close()
		d.f = nil
	}
}

func (d *delivery) Close() error {
	if d.f == nil {
		return fmt.Errorf("smtpd: no message body")
	}
	defer func() {
		d.f.Close()
		d.f = nil
	}()

	for _, user := range d.rcpts {
		if _, err := d.f.Seek(0, 0); err != nil {
			return err
		}
		root := filepath.Join(d.server.StorageRoot, user)
		reg := d.server.Registries.Get(root)
		mbox, err := mailbox.Open(root, "", reg)
		if err != nil {
			return fmt.Errorf("smtpd: deliver to %s: %w", user, err)
		}
		if _, err := mbox.Save(d.f); err != nil {
			return fmt.Errorf("smtpd: deliver to %s: %w", user, err)
		}
	}
	return nil
}
