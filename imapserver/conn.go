package imapserver

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/maildepot/maildepot/imapparser"
	"github.com/maildepot/maildepot/mailbox"
	"github.com/maildepot/maildepot/registry"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateSelected
)

// Conn is one client connection and its session state (spec §4.5).
type Conn struct {
	ID     string
	server *Server

	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	scan    *imapparser.Scanner

	state    sessionState
	user     string
	userRoot string
	reg      *registry.Registry

	mailbox   *mailbox.Mailbox
	readOnly  bool
	tlsActive bool

	tag string // the tag of the command currently being served
}

func (c *Conn) initBufio() {
	c.br, c.bw = newBufio(c.netConn)
	c.scan = imapparser.NewScanner(c.br, c.sendContinuation)
}

func (c *Conn) sendContinuation() {
	c.bw.WriteString("+ Ready for additional data\r\n")
	c.bw.Flush()
}

func (c *Conn) writeUntagged(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, "* "+format+"\r\n", v...)
}

func (c *Conn) writeTagged(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, c.tag+" "+format+"\r\n", v...)
}

func (c *Conn) flush() error {
	return c.bw.Flush()
}

// serve is the connection's whole lifetime: greeting, then a strictly
// sequential read-dispatch-respond loop (spec §5: no pipelining of a
// single client's own commands).
func (c *Conn) serve() {
	defer func() {
		if r := recover(); r != nil {
			c.server.logf("imapserver: session %s panic: %v", c.ID, r)
			c.writeUntagged("BYE Server error")
			c.flush()
		}
		c.closeMailbox()
		c.netConn.Close()
	}()

	c.writeUntagged("OK [CAPABILITY %s] maildepot ready", capabilities)
	if err := c.flush(); err != nil {
		return
	}

	for {
		if !c.serveOne() {
			return
		}
	}
}

// serveOne reads and dispatches exactly one command, reporting whether
// the session should continue.
func (c *Conn) serveOne() bool {
	cmd, err := imapparser.ReadCommand(c.scan)
	if err != nil {
		return false
	}
	c.tag = cmd.Tag

	if c.server.Metrics != nil {
		c.server.Metrics.IMAPCommands.WithLabelValues(cmd.Name).Inc()
	}

	if !c.allowed(cmd.Name) {
		c.discardLine()
		c.writeTagged("BAD command not permitted in this state")
		c.flush()
		return true
	}

	cont := c.dispatch(cmd)
	c.flush()
	return cont
}

// discardLine consumes the rest of a rejected command's arguments so
// the next ReadCommand starts at a clean line boundary.
func (c *Conn) discardLine() {
	c.scan.ReadRestOfLine()
	c.scan.ConsumeCRLF()
}

// allowed implements spec §4.5's per-state command table.
func (c *Conn) allowed(name string) bool {
	switch name {
	case "CAPABILITY", "NOOP", "LOGOUT":
		return true
	case "STARTTLS", "LOGIN", "AUTHENTICATE":
		return c.state == stateUnauthenticated
	case "LIST", "LSUB", "STATUS", "SELECT", "EXAMINE", "CREATE":
		return c.state == stateAuthenticated || c.state == stateSelected
	case "FETCH", "STORE", "SEARCH", "CLOSE", "EXPUNGE", "IDLE":
		return c.state == stateSelected
	default:
		return false
	}
}

func (c *Conn) closeMailbox() {
	c.mailbox = nil
	c.readOnly = false
	if c.state == stateSelected {
		c.state = stateAuthenticated
	}
}

func (c *Conn) startTLS() error {
	tlsConn := tls.Server(c.netConn, c.server.TLSConfig)
	c.netConn = tlsConn
	c.tlsActive = true
	c.initBufio()
	return nil
}
