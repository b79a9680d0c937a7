package imapserver

import (
	"io"
	"strings"
	"time"

	"github.com/maildepot/maildepot/fetchengine"
	"github.com/maildepot/maildepot/imapparser"
	"github.com/maildepot/maildepot/maildirstore"
	"github.com/maildepot/maildepot/mailbox"
)

// fetchMsg adapts a mailbox.Message into fetchengine.Message.
type fetchMsg struct {
	mbox *mailbox.Mailbox
	msg  mailbox.Message
}

func (m *fetchMsg) UID() uint32    { return m.msg.UID }
func (m *fetchMsg) SeqNum() uint32 { return m.msg.SeqNum }

func (m *fetchMsg) Flags() []string {
	flags := make([]string, 0, len(m.msg.Flags)+1)
	if m.msg.Recent {
		flags = append(flags, `\Recent`)
	}
	for _, f := range m.msg.Flags {
		if atom, ok := flagAtoms[f]; ok {
			flags = append(flags, atom)
		}
	}
	return flags
}

var flagAtoms = map[maildirstore.Flag]string{
	maildirstore.FlagSeen:     `\Seen`,
	maildirstore.FlagAnswered: `\Answered`,
	maildirstore.FlagFlagged:  `\Flagged`,
	maildirstore.FlagDeleted:  `\Deleted`,
	maildirstore.FlagDraft:    `\Draft`,
}

func (m *fetchMsg) InternalDate() (time.Time, error) {
	return m.mbox.InternalDate(m.msg.Key)
}

func (m *fetchMsg) Open() (io.ReadCloser, error) {
	return m.mbox.LoadByKey(m.msg.Key)
}

func (m *fetchMsg) MarkSeen() error {
	_, err := m.mbox.MarkSeen(m.msg)
	return err
}

// selectMessages resolves a FETCH/STORE/SEARCH sequence-set (numeric or
// UID) against the mailbox's current listing, in ascending sequence
// order.
func selectMessages(msgs []mailbox.Message, isUID bool, raw string) ([]mailbox.Message, error) {
	ranges, err := imapparser.ParseSequenceSet(raw)
	if err != nil {
		return nil, err
	}
	var out []mailbox.Message
	if isUID {
		var maxUID uint32
		for _, m := range msgs {
			if m.UID > maxUID {
				maxUID = m.UID
			}
		}
		for _, m := range msgs {
			for _, r := range ranges {
				if r.Contains(m.UID, maxUID) {
					out = append(out, m)
					break
				}
			}
		}
		return out, nil
	}

	nums := imapparser.Expand(ranges, uint32(len(msgs)))
	bySeq := make(map[uint32]mailbox.Message, len(msgs))
	for _, m := range msgs {
		bySeq[m.SeqNum] = m
	}
	for _, n := range nums {
		if m, ok := bySeq[n]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Conn) cmdFetch(isUID bool) {
	seqRaw, err := c.scan.ReadAtom()
	if err != nil {
		c.discardLine()
		c.writeTagged("BAD malformed FETCH sequence set")
		return
	}
	itemsRaw, err := c.scan.ReadRestOfLine()
	c.scan.ConsumeCRLF()
	if err != nil {
		c.writeTagged("BAD malformed FETCH item list")
		return
	}

	items, err := fetchengine.ParseItems(itemsRaw)
	if err != nil {
		c.writeTagged("BAD %v", err)
		return
	}

	msgs, err := c.mailbox.List()
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] %v", err)
		return
	}
	sel, err := selectMessages(msgs, isUID, seqRaw)
	if err != nil {
		c.writeTagged("BAD %v", err)
		return
	}

	for _, msg := range sel {
		fm := &fetchMsg{mbox: c.mailbox, msg: msg}
		if err := fetchengine.Format(c.bw, fm, items, isUID); err != nil {
			c.server.logf("imapserver: FETCH format error: %v", err)
		}
	}
	c.writeTagged("OK %s completed", fetchCmdName(isUID))
}

func fetchCmdName(isUID bool) string {
	if isUID {
		return "UID FETCH"
	}
	return "FETCH"
}

func (c *Conn) cmdStore(isUID bool) {
	seqRaw, err := c.scan.ReadAtom()
	if err != nil {
		c.discardLine()
		c.writeTagged("BAD malformed STORE sequence set")
		return
	}
	op, err := c.scan.ReadAtom()
	if err != nil {
		c.discardLine()
		c.writeTagged("BAD malformed STORE operation")
		return
	}
	flagNames, err := c.scan.ReadParenList()
	c.discardLine()
	if err != nil {
		c.writeTagged("BAD malformed STORE flag list")
		return
	}

	if c.readOnly {
		c.writeTagged("NO [CLIENTBUG] mailbox is read-only")
		return
	}

	silent := strings.HasSuffix(strings.ToUpper(op), ".SILENT")
	mode := strings.TrimSuffix(strings.ToUpper(op), ".SILENT")

	msgs, err := c.mailbox.List()
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] %v", err)
		return
	}
	sel, err := selectMessages(msgs, isUID, seqRaw)
	if err != nil {
		c.writeTagged("BAD %v", err)
		return
	}

	newFlags := make([]maildirstore.Flag, 0, len(flagNames))
	for _, name := range flagNames {
		if f, ok := letterForAtom(name); ok {
			newFlags = append(newFlags, f)
		}
	}

	for i, msg := range sel {
		var flags []maildirstore.Flag
		switch mode {
		case "+FLAGS":
			flags = unionFlags(msg.Flags, newFlags)
		case "-FLAGS":
			flags = subtractFlags(msg.Flags, newFlags)
		case "FLAGS":
			flags = newFlags
		default:
			c.writeTagged("BAD unknown STORE mode %q", op)
			return
		}
		if err := c.mailbox.SetFlags(msg, flags); err != nil {
			c.server.logf("imapserver: STORE failed for UID %d: %v", msg.UID, err)
			continue
		}
		sel[i].Flags = flags

		if !silent {
			fm := &fetchMsg{mbox: c.mailbox, msg: sel[i]}
			items := []fetchengine.Item{{Type: fetchengine.ItemFlags}}
			fetchengine.Format(c.bw, fm, items, isUID)
		}
	}
	c.writeTagged("OK %s completed", storeCmdName(isUID))
}

func storeCmdName(isUID bool) string {
	if isUID {
		return "UID STORE"
	}
	return "STORE"
}

func letterForAtom(atom string) (maildirstore.Flag, bool) {
	for f, a := range flagAtoms {
		if strings.EqualFold(a, atom) {
			return f, true
		}
	}
	return 0, false
}

func unionFlags(existing, add []maildirstore.Flag) []maildirstore.Flag {
	set := make(map[maildirstore.Flag]bool, len(existing)+len(add))
	for _, f := range existing {
		set[f] = true
	}
	for _, f := range add {
		set[f] = true
	}
	return flagSlice(set)
}

func subtractFlags(existing, remove []maildirstore.Flag) []maildirstore.Flag {
	set := make(map[maildirstore.Flag]bool, len(existing))
	for _, f := range existing {
		set[f] = true
	}
	for _, f := range remove {
		delete(set, f)
	}
	return flagSlice(set)
}

func flagSlice(set map[maildirstore.Flag]bool) []maildirstore.Flag {
	out := make([]maildirstore.Flag, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	return out
}
