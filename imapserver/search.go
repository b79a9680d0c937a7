package imapserver

import (
	"fmt"
	"strings"

	"github.com/maildepot/maildepot/imapparser"
	"github.com/maildepot/maildepot/maildirstore"
	"github.com/maildepot/maildepot/mailbox"
)

// cmdSearch implements the reduced SEARCH grammar spec's Non-goals
// leave in scope: ALL, a bare sequence-set, "UID <set>", and flag keys,
// all ANDed together (no OR/NOT, no header or date criteria).
func (c *Conn) cmdSearch(isUID bool) {
	raw, err := c.scan.ReadRestOfLine()
	c.scan.ConsumeCRLF()
	if err != nil {
		c.writeTagged("BAD malformed SEARCH")
		return
	}

	tokens := strings.Fields(raw)
	if len(tokens) == 0 {
		c.writeTagged("BAD SEARCH requires criteria")
		return
	}

	msgs, err := c.mailbox.List()
	if err != nil {
		c.writeTagged("NO [SERVERFAILURE] %v", err)
		return
	}

	matched := msgs
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		upper := strings.ToUpper(tok)
		switch upper {
		case "ALL":
			i++
		case "UID":
			i++
			if i >= len(tokens) {
				c.writeTagged("BAD SEARCH UID requires a sequence set")
				return
			}
			matched, err = filterByUIDSet(matched, tokens[i])
			if err != nil {
				c.writeTagged("BAD %v", err)
				return
			}
			i++
		case "SEEN", "UNSEEN", "ANSWERED", "UNANSWERED", "FLAGGED", "UNFLAGGED",
			"DELETED", "UNDELETED", "DRAFT", "UNDRAFT", "RECENT", "NEW", "OLD":
			matched = filterByKey(matched, upper)
			i++
		default:
			matched, err = filterBySeqSet(matched, tok)
			if err != nil {
				c.writeTagged("BAD %v", err)
				return
			}
			i++
		}
	}

	nums := make([]string, 0, len(matched))
	for _, m := range matched {
		if isUID {
			nums = append(nums, fmt.Sprintf("%d", m.UID))
		} else {
			nums = append(nums, fmt.Sprintf("%d", m.SeqNum))
		}
	}
	c.writeUntagged("SEARCH %s", strings.Join(nums, " "))
	c.writeTagged("OK %s completed", searchCmdName(isUID))
}

func searchCmdName(isUID bool) string {
	if isUID {
		return "UID SEARCH"
	}
	return "SEARCH"
}

func filterBySeqSet(msgs []mailbox.Message, raw string) ([]mailbox.Message, error) {
	return selectMessages(msgs, false, raw)
}

func filterByUIDSet(msgs []mailbox.Message, raw string) ([]mailbox.Message, error) {
	return selectMessages(msgs, true, raw)
}

func filterByKey(msgs []mailbox.Message, key string) []mailbox.Message {
	var out []mailbox.Message
	for _, m := range msgs {
		if matchesKey(m, key) {
			out = append(out, m)
		}
	}
	return out
}

func matchesKey(m mailbox.Message, key string) bool {
	switch key {
	case "SEEN":
		return m.HasFlag(maildirstore.FlagSeen)
	case "UNSEEN":
		return !m.HasFlag(maildirstore.FlagSeen)
	case "ANSWERED":
		return m.HasFlag(maildirstore.FlagAnswered)
	case "UNANSWERED":
		return !m.HasFlag(maildirstore.FlagAnswered)
	case "FLAGGED":
		return m.HasFlag(maildirstore.FlagFlagged)
	case "UNFLAGGED":
		return !m.HasFlag(maildirstore.FlagFlagged)
	case "DELETED":
		return m.HasFlag(maildirstore.FlagDeleted)
	case "UNDELETED":
		return !m.HasFlag(maildirstore.FlagDeleted)
	case "DRAFT":
		return m.HasFlag(maildirstore.FlagDraft)
	case "UNDRAFT":
		return !m.HasFlag(maildirstore.FlagDraft)
	case "RECENT", "NEW":
		return m.Recent
	case "OLD":
		return !m.Recent
	default:
		return true
	}
}
