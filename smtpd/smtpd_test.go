package smtpd

import (
	"bufio"
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/maildepot/maildepot/auth"
	"github.com/maildepot/maildepot/mailbox"
	"github.com/maildepot/maildepot/registry"
)

// testBackend is a trivial in-memory auth.Backend, avoiding a bcrypt
// round-trip through auth.FlatFile for these tests.
type testBackend struct {
	user, pass string
}

func (b *testBackend) Authenticate(username, password string) (string, error) {
	if username == b.user && password == b.pass {
		return username, nil
	}
	return "", auth.ErrBadCredentials
}

// startSession wires up a *session against an in-memory net.Pipe, with
// tls already marked active so tests don't need a real STARTTLS
// handshake. The HELO/EHLO branch for a session without TLS is covered
// by TestHeloRequiresTLS below; the STARTTLS handshake itself is not
// exercised.
func startSession(t *testing.T, storageRoot string) (client *bufio.ReadWriter, clientConn net.Conn) {
	t.Helper()
	serverConn, cConn := net.Pipe()

	srv := &Server{
		Hostname:      "test.maildepot.invalid",
		StorageRoot:   storageRoot,
		Auth:          &auth.Authenticator{Backend: &testBackend{user: "alice", pass: "hunter2"}},
		Registries:    registry.NewCache(),
		MaxSize:       1 << 20,
		MaxRecipients: 10,
		MaxSessions:   8,
	}
	srv.sessionsMu.Lock()
	srv.sessions = make(map[*session]struct{})
	srv.sessionsCond = sync.NewCond(&srv.sessionsMu)
	srv.sessionsMu.Unlock()

	sess := &session{
		server:     srv,
		c:          serverConn,
		br:         bufio.NewReader(serverConn),
		bw:         bufio.NewWriter(serverConn),
		tls:        true,
		remoteAddr: "127.0.0.1:1234",
	}
	srv.sessionsMu.Lock()
	srv.sessions[sess] = struct{}{}
	srv.sessionsMu.Unlock()
	go sess.serve()

	rw := bufio.NewReadWriter(bufio.NewReader(cConn), bufio.NewWriter(cConn))
	return rw, cConn
}

func sendLine(t *testing.T, rw *bufio.ReadWriter, line string) string {
	t.Helper()
	if _, err := rw.WriteString(line + "\r\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
	if err := rw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	resp, err := rw.ReadString('\n')
	if err != nil {
		t.Fatalf("read response to %q: %v", line, err)
	}
	return strings.TrimRight(resp, "\r\n")
}

// sendMultilineCmd sends a command expected to draw a multiline "250-"
// response and returns every line, trimmed, ending with the final
// "250 " line.
func sendMultilineCmd(t *testing.T, rw *bufio.ReadWriter, line string) []string {
	t.Helper()
	first := sendLine(t, rw, line)
	lines := []string{first}
	for len(first) > 3 && first[3] == '-' {
		resp, err := rw.ReadString('\n')
		if err != nil {
			t.Fatalf("read continuation of %q: %v", line, err)
		}
		first = strings.TrimRight(resp, "\r\n")
		lines = append(lines, first)
	}
	return lines
}

func setupUser(t *testing.T, storageRoot, username string) {
	t.Helper()
	userRoot := filepath.Join(storageRoot, username)
	if err := os.MkdirAll(userRoot, 0700); err != nil {
		t.Fatalf("mkdir user root: %v", err)
	}
}

func TestAuthPlainThenMailRcptData(t *testing.T) {
	storageRoot := t.TempDir()
	setupUser(t, storageRoot, "bob")

	rw, conn := startSession(t, storageRoot)
	defer conn.Close()

	greeting, err := rw.ReadString('\n')
	if err != nil {
		t.Fatalf("greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "220") {
		t.Fatalf("unexpected greeting: %q", greeting)
	}

	lines := sendMultilineCmd(t, rw, "EHLO client.example.com")
	if !strings.HasPrefix(lines[0], "250") {
		t.Fatalf("EHLO failed: %q", lines)
	}

	plain := "\x00alice\x00hunter2"
	b64 := base64.StdEncoding.EncodeToString([]byte(plain))
	if resp := sendLine(t, rw, "AUTH PLAIN "+b64); !strings.HasPrefix(resp, "235") {
		t.Fatalf("AUTH failed: %q", resp)
	}

	if resp := sendLine(t, rw, "MAIL FROM:<alice@example.com>"); !strings.HasPrefix(resp, "250") {
		t.Fatalf("MAIL failed: %q", resp)
	}
	if resp := sendLine(t, rw, "RCPT TO:<bob@example.com>"); !strings.HasPrefix(resp, "250") {
		t.Fatalf("RCPT failed: %q", resp)
	}
	if resp := sendLine(t, rw, "DATA"); !strings.HasPrefix(resp, "354") {
		t.Fatalf("DATA failed: %q", resp)
	}
	rw.WriteString("Subject: hi\r\n")
	rw.WriteString("\r\n")
	rw.WriteString("hello there\r\n")
	rw.WriteString(".\r\n")
	rw.Flush()
	resp, err := rw.ReadString('\n')
	if err != nil {
		t.Fatalf("read DATA terminator response: %v", err)
	}
	if !strings.HasPrefix(resp, "250") {
		t.Fatalf("expected delivery to succeed, got %q", resp)
	}

	bobRoot := filepath.Join(storageRoot, "bob")
	reg := registry.New(bobRoot)
	mbox, err := mailbox.Open(bobRoot, "", reg)
	if err != nil {
		t.Fatalf("open bob's inbox: %v", err)
	}
	msgs, err := mbox.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(msgs))
	}
}

func TestRcptUnknownLocalUser(t *testing.T) {
	storageRoot := t.TempDir()
	setupUser(t, storageRoot, "bob")

	rw, conn := startSession(t, storageRoot)
	defer conn.Close()
	rw.ReadString('\n') // greeting

	sendMultilineCmd(t, rw, "EHLO client.example.com")

	plain := "\x00alice\x00hunter2"
	b64 := base64.StdEncoding.EncodeToString([]byte(plain))
	sendLine(t, rw, "AUTH PLAIN "+b64)
	sendLine(t, rw, "MAIL FROM:<alice@example.com>")

	resp := sendLine(t, rw, "RCPT TO:<nobody@example.com>")
	if !strings.HasPrefix(resp, "550") {
		t.Fatalf("expected 550 for unknown local user, got %q", resp)
	}
}

func TestMailRequiresAuth(t *testing.T) {
	storageRoot := t.TempDir()
	rw, conn := startSession(t, storageRoot)
	defer conn.Close()
	rw.ReadString('\n') // greeting

	sendMultilineCmd(t, rw, "EHLO client.example.com")

	resp := sendLine(t, rw, "MAIL FROM:<alice@example.com>")
	if !strings.HasPrefix(resp, "530") {
		t.Fatalf("expected 530 authentication required, got %q", resp)
	}
}

func TestHeloRequiresTLS(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	srv := &Server{
		Hostname:    "test.maildepot.invalid",
		StorageRoot: t.TempDir(),
		Auth:        &auth.Authenticator{Backend: &testBackend{user: "alice", pass: "hunter2"}},
		Registries:  registry.NewCache(),
	}
	srv.sessionsMu.Lock()
	srv.sessions = make(map[*session]struct{})
	srv.sessionsCond = sync.NewCond(&srv.sessionsMu)
	srv.sessionsMu.Unlock()

	sess := &session{
		server:     srv,
		c:          serverConn,
		br:         bufio.NewReader(serverConn),
		bw:         bufio.NewWriter(serverConn),
		tls:        false,
		remoteAddr: "127.0.0.1:1234",
	}
	srv.sessionsMu.Lock()
	srv.sessions[sess] = struct{}{}
	srv.sessionsMu.Unlock()
	go sess.serve()
	defer clientConn.Close()

	rw := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	rw.ReadString('\n') // greeting

	resp := sendLine(t, rw, "EHLO client.example.com")
	if !strings.Contains(resp, "TLS required") {
		t.Fatalf("expected a TLS-required notice before AUTH/MAIL are allowed, got %q", resp)
	}
}
