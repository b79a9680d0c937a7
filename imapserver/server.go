// Package imapserver implements the IMAP4rev1 session state machine
// (spec §4.5) and the listener/STARTTLS transition (§4.6/§6) on top of
// mailbox, fetchengine and imapparser. Grounded on
// imap/imapserver/imapserver.go's Server/Conn shape, trimmed to the
// command set spec §4.5 actually requires.
package imapserver

import (
	"bufio"
	"crypto/rand"
	"crypto/tls"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/maildepot/maildepot/auth"
	"github.com/maildepot/maildepot/metrics"
	"github.com/maildepot/maildepot/registry"
)

var ErrServerClosed = errors.New("imapserver: server closed")

const capabilities = `IMAP4rev1 LITERAL+ IDLE AUTH=PLAIN STARTTLS`

// Server accepts IMAP connections and serves them against a user
// storage tree rooted at StorageRoot/<user>/.
type Server struct {
	Hostname    string
	StorageRoot string
	Auth        *auth.Authenticator
	TLSConfig   *tls.Config
	Metrics     *metrics.Collector
	Logf        func(format string, v ...interface{})

	// Registries memoizes this process's per-user Registry instances, so
	// concurrent IMAP sessions in this binary serialize through the same
	// in-process folder mutex. imapd and smtpd run as separate processes
	// (DESIGN.md §I) with their own Cache each; cross-process agreement on
	// a folder's UID state comes from Registry's own mtime-based reload
	// and flock(2) locking (registry/registry.go), not from sharing this
	// Cache.
	Registries *registry.Cache

	ln net.Listener

	shutdown         chan struct{}
	shutdownComplete chan struct{}

	connsMu sync.Mutex
	conns   map[*Conn]struct{}
}

// registryFor returns the one Registry instance every session for this
// user shares, so the folder mutex inside it actually serializes
// concurrent sessions per spec §5's locking requirement.
func (s *Server) registryFor(userRoot string) *registry.Registry {
	return s.Registries.Get(userRoot)
}

func (s *Server) userRoot(user string) string {
	return filepath.Join(s.StorageRoot, user)
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.Logf != nil {
		s.Logf(format, v...)
	}
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.shutdown = make(chan struct{})
	s.shutdownComplete = make(chan struct{})
	s.ln = ln
	s.connsMu.Lock()
	s.conns = make(map[*Conn]struct{})
	s.connsMu.Unlock()

	defer func() {
		ln.Close()
		close(s.shutdownComplete)
	}()

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				s.logf("imapserver: accept error: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		if s.Metrics != nil {
			s.Metrics.IMAPConnections.Inc()
		}
		go s.serveConn(c)
	}
}

// Shutdown stops accepting new connections and closes all live ones.
func (s *Server) Shutdown() error {
	close(s.shutdown)
	s.ln.Close()
	<-s.shutdownComplete

	s.connsMu.Lock()
	for c := range s.conns {
		c.netConn.Close()
	}
	s.connsMu.Unlock()
	return nil
}

func (s *Server) genSessionID() string {
	b := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}

func (s *Server) serveConn(netConn net.Conn) {
	id := s.genSessionID()
	c := &Conn{
		ID:      id,
		server:  s,
		netConn: netConn,
		state:   stateUnauthenticated,
	}
	c.initBufio()

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
	}()

	c.serve()
}

// newBufio is split out so Conn can rebuild its bufio.Reader after a
// STARTTLS transport swap.
func newBufio(rw io.ReadWriter) (*bufio.Reader, *bufio.Writer) {
	return bufio.NewReader(rw), bufio.NewWriter(rw)
}
