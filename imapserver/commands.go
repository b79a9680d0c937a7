package imapserver

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/maildepot/maildepot/imapparser"
	"github.com/maildepot/maildepot/maildirstore"
	"github.com/maildepot/maildepot/mailbox"
)

// dispatch runs one already-tokenized command and reports whether the
// session should continue (false only for LOGOUT/fatal errors).
func (c *Conn) dispatch(cmd imapparser.Command) bool {
	switch cmd.Name {
	case "CAPABILITY":
		c.cmdCapability()
	case "NOOP":
		c.discardLine()
		c.writeTagged("OK NOOP completed")
	case "LOGOUT":
		c.discardLine()
		c.writeUntagged("BYE maildepot logging out")
		c.writeTagged("OK LOGOUT completed")
		return false
	case "STARTTLS":
		c.cmdStartTLS()
	case "LOGIN":
		c.cmdLogin()
	case "AUTHENTICATE":
		c.cmdAuthenticate()
	case "LIST", "LSUB":
		c.cmdList(cmd.Name)
	case "STATUS":
		c.cmdStatus()
	case "SELECT", "EXAMINE":
		c.cmdSelect(cmd.Name == "EXAMINE")
	case "CREATE":
		c.cmdCreate()
	case "FETCH":
		c.cmdFetch(cmd.UID)
	case "STORE":
		c.cmdStore(cmd.UID)
	case "SEARCH":
		c.cmdSearch(cmd.UID)
	case "CLOSE":
		c.cmdClose()
	case "EXPUNGE":
		c.cmdExpunge()
	case "IDLE":
		c.cmdIdle()
	default:
		c.discardLine()
		c.writeTagged("BAD unknown command")
	}
	return true
}

func (c *Conn) cmdCapability() {
	c.discardLine()
	c.writeUntagged("CAPABILITY %s", capabilities)
	c.writeTagged("OK CAPABILITY completed")
}

func (c *Conn) cmdStartTLS() {
	c.discardLine()
	if c.tlsActive {
		c.writeTagged("BAD [CLIENTBUG] TLS already active")
		return
	}
	c.writeTagged("OK begin TLS negotiation now")
	if err := c.flush(); err != nil {
		return
	}
	if err := c.startTLS(); err != nil {
		c.server.logf("imapserver: STARTTLS failed: %v", err)
	}
}

func (c *Conn) cmdLogin() {
	username, err := c.scan.ReadAString()
	if err != nil {
		c.writeTagged("BAD malformed LOGIN")
		return
	}
	password, err := c.scan.ReadAString()
	if err != nil {
		c.writeTagged("BAD malformed LOGIN")
		return
	}
	c.discardLine()

	if c.state != stateUnauthenticated {
		c.writeTagged("NO [ALREADYAUTHENTICATED] already logged in")
		return
	}
	if !c.authenticateUser(username, password) {
		return
	}
	c.writeTagged("OK [CAPABILITY %s] LOGIN completed", capabilities)
}

func (c *Conn) cmdAuthenticate() {
	mech, err := c.scan.ReadAtom()
	if err != nil {
		c.writeTagged("BAD malformed AUTHENTICATE")
		return
	}
	var initial string
	hasInitial := false
	if !c.scan.AtEnd() {
		initial, err = c.scan.ReadAString()
		if err != nil {
			c.writeTagged("BAD malformed AUTHENTICATE")
			return
		}
		hasInitial = true
	}
	c.discardLine()

	if c.state != stateUnauthenticated {
		c.writeTagged("NO [ALREADYAUTHENTICATED] already logged in")
		return
	}
	if !strings.EqualFold(mech, "PLAIN") {
		c.writeTagged("NO unsupported SASL mechanism")
		return
	}

	if !hasInitial {
		c.bw.WriteString("+ \r\n")
		if err := c.flush(); err != nil {
			return
		}
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.writeTagged("BAD AUTHENTICATE aborted")
			return
		}
		initial = strings.TrimRight(line, "\r\n")
	}

	raw, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		c.writeTagged("NO [AUTHENTICATIONFAILED] bad base64")
		return
	}

	var username, password string
	srv := sasl.NewPlainServer(func(identity, user, pass string) error {
		username, password = user, pass
		return nil
	})
	if _, _, err := srv.Next(raw); err != nil {
		c.writeTagged("NO [AUTHENTICATIONFAILED] malformed PLAIN response")
		return
	}

	if !c.authenticateUser(username, password) {
		return
	}
	c.writeTagged("OK [CAPABILITY %s] AUTHENTICATE completed", capabilities)
}

func (c *Conn) authenticateUser(username, password string) bool {
	if c.server.Auth == nil {
		c.writeTagged("NO [SERVERFAILURE] authentication not configured")
		return false
	}
	user, err := c.server.Auth.Authenticate(c.netConn.RemoteAddr().String(), username, password)
	if err != nil {
		if c.server.Metrics != nil {
			c.server.Metrics.AuthFailures.WithLabelValues("imap").Inc()
		}
		c.writeTagged("NO [AUTHENTICATIONFAILED] invalid credentials")
		return false
	}

	root := c.server.userRoot(user)
	if _, err := maildirstore.Open(root); err != nil {
		c.server.logf("imapserver: cannot initialize maildir for %s: %v", user, err)
		c.writeTagged("NO [SERVERFAILURE] cannot initialize mailbox")
		return false
	}

	c.user = user
	c.userRoot = root
	c.reg = c.server.registryFor(root)
	c.state = stateAuthenticated
	return true
}

func (c *Conn) cmdCreate() {
	name, err := c.scan.ReadAString()
	if err != nil {
		c.discardLine()
		c.writeTagged("BAD malformed CREATE")
		return
	}
	c.discardLine()

	if err := mailbox.Create(c.userRoot, name); err != nil {
		c.writeTagged("NO [ALREADYEXISTS] CREATE failed: %v", err)
		return
	}
	c.writeTagged("OK CREATE completed")
}

func (c *Conn) cmdList(name string) {
	ref, err1 := c.scan.ReadAString()
	pattern, err2 := c.scan.ReadAString()
	c.discardLine()
	if err1 != nil || err2 != nil {
		c.writeTagged("BAD malformed %s", name)
		return
	}
	if strings.Contains(ref, "..") || strings.Contains(pattern, "..") {
		c.writeTagged("BAD [CLIENTBUG] path traversal in reference or pattern")
		return
	}
	if ref == "" && pattern == "" {
		c.writeUntagged(`LIST (\Noselect) "/" ""`)
		c.writeTagged("OK %s completed", name)
		return
	}

	folders, err := mailbox.ListFolders(c.userRoot)
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] %v", err)
		return
	}
	names := append([]string{"INBOX"}, folders...)

	prefix := strings.TrimRight(pattern, "*%")
	for _, n := range names {
		if prefix != "" && !strings.HasPrefix(n, prefix) {
			continue
		}
		mbox, err := mailbox.Open(c.userRoot, n, c.reg)
		attrs := mailbox.ListAttrFlag(0)
		if err == nil {
			attrs, _ = mbox.Attrs()
		}
		c.writeUntagged(`%s (%s) "/" %s`, name, attrs.String(), quoteMailboxName(n))
	}
	c.writeTagged("OK %s completed", name)
}

func quoteMailboxName(name string) string {
	return fmt.Sprintf("%q", name)
}

func (c *Conn) cmdStatus() {
	name, err := c.scan.ReadAString()
	if err != nil {
		c.discardLine()
		c.writeTagged("BAD malformed STATUS")
		return
	}
	items, err := c.scan.ReadParenList()
	c.discardLine()
	if err != nil {
		c.writeTagged("BAD malformed STATUS item list")
		return
	}

	mbox, err := mailbox.Open(c.userRoot, name, c.reg)
	if err != nil {
		c.writeTagged("NO [NONEXISTENT] no such mailbox")
		return
	}
	info, err := mbox.Info()
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] %v", err)
		return
	}

	var parts []string
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, fmt.Sprintf("MESSAGES %d", info.NumMessages))
		case "RECENT":
			parts = append(parts, fmt.Sprintf("RECENT %d", info.NumRecent))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", info.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", info.UIDValidity))
		case "UNSEEN":
			parts = append(parts, fmt.Sprintf("UNSEEN %d", info.NumUnseen))
		}
	}
	c.writeUntagged("STATUS %s (%s)", quoteMailboxName(name), strings.Join(parts, " "))
	c.writeTagged("OK STATUS completed")
}

func (c *Conn) cmdSelect(readOnly bool) {
	name, err := c.scan.ReadAString()
	c.discardLine()
	if err != nil {
		c.writeTagged("BAD malformed SELECT")
		return
	}

	c.closeMailbox()
	mbox, err := mailbox.Open(c.userRoot, name, c.reg)
	if err != nil {
		c.writeTagged("NO [NONEXISTENT] no such mailbox")
		return
	}
	info, err := mbox.Info()
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] %v", err)
		return
	}

	c.mailbox = mbox
	c.readOnly = readOnly
	c.state = stateSelected

	c.writeUntagged("%d EXISTS", info.NumMessages)
	c.writeUntagged("%d RECENT", info.NumRecent)
	if info.FirstUnseenSeq > 0 {
		c.writeUntagged("OK [UNSEEN %d] first unseen", info.FirstUnseenSeq)
	}
	c.writeUntagged(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	if readOnly {
		c.writeUntagged(`OK [PERMANENTFLAGS ()] read-only mailbox`)
	} else {
		c.writeUntagged(`OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft)] all flags permitted`)
	}
	c.writeUntagged("OK [UIDVALIDITY %d] UIDs valid", info.UIDValidity)
	c.writeUntagged("OK [UIDNEXT %d] predicted next UID", info.UIDNext)

	if readOnly {
		c.writeTagged("OK [READ-ONLY] EXAMINE completed")
	} else {
		c.writeTagged("OK [READ-WRITE] SELECT completed")
	}
}

func (c *Conn) cmdClose() {
	c.discardLine()
	if !c.readOnly && c.mailbox != nil {
		c.mailbox.Expunge(nil, nil)
	}
	c.closeMailbox()
	c.writeTagged("OK CLOSE completed")
}

func (c *Conn) cmdExpunge() {
	c.discardLine()
	if c.readOnly {
		c.writeTagged("NO [CLIENTBUG] mailbox is read-only")
		return
	}
	err := c.mailbox.Expunge(nil, func(seqNum uint32) {
		c.writeUntagged("%d EXPUNGE", seqNum)
	})
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] EXPUNGE failed: %v", err)
		return
	}
	c.writeTagged("OK EXPUNGE completed")
}

func (c *Conn) cmdIdle() {
	c.discardLine()
	c.bw.WriteString("+ idling\r\n")
	if err := c.flush(); err != nil {
		return
	}
	line, err := c.br.ReadString('\n')
	if err != nil {
		return
	}
	if strings.EqualFold(strings.TrimRight(line, "\r\n"), "DONE") {
		c.writeTagged("OK IDLE terminated")
	} else {
		c.writeTagged("BAD expected DONE")
	}
}
