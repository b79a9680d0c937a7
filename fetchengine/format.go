package fetchengine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"sort"
	"strings"
	"time"

	gmtextproto "github.com/emersion/go-message/textproto"
)

func parseDisposition(s string) (string, map[string]string, error) {
	return mime.ParseMediaType(s)
}

// Message is what the engine needs from a mailbox.Message to answer a
// FETCH: its identity, flags, and a way to get at the raw RFC 5322
// bytes. mailbox.Mailbox satisfies this for its own messages; tests
// satisfy it directly.
type Message interface {
	UID() uint32
	SeqNum() uint32
	Flags() []string // already mapped to IMAP atoms, \Recent included if applicable
	InternalDate() (time.Time, error)
	Open() (io.ReadCloser, error)
	MarkSeen() error
}

// Format writes one "* <seq> FETCH (...)" response line for msg,
// including the trailing CRLF, expanding items in the order given
// except that any BODY[...] items are moved to the end (large literals
// last), matching imapserver.Conn.cmdFetch's reordering so clients that
// stream literals don't stall small fixed-size items behind them.
//
// includeUID forces a UID item into the output even if items doesn't
// request one, as required for UID FETCH.
func Format(w io.Writer, msg Message, items []Item, includeUID bool) error {
	ordered := reorder(items)
	if includeUID && !hasUID(items) {
		ordered = append([]Item{{Type: ItemUID}}, ordered...)
	}

	raw, err := readAll(msg)
	if err != nil {
		return err
	}

	rw := newRespWriter(w)
	rw.printf("* %d FETCH (", msg.SeqNum())

	var tree *node
	var treeErr error
	seenEffect := false

	for i, item := range ordered {
		if i > 0 {
			rw.writeRaw(" ")
		}
		switch item.Type {
		case ItemUID:
			rw.printf("UID %d", msg.UID())
		case ItemFlags:
			rw.writeRaw("FLAGS (")
			rw.writeRaw(strings.Join(msg.Flags(), " "))
			rw.writeRaw(")")
		case ItemInternalDate:
			date, err := msg.InternalDate()
			if err != nil {
				return err
			}
			rw.writeRaw("INTERNALDATE ")
			rw.writeString(date.Format("02-Jan-2006 15:04:05 -0700"))
		case ItemRFC822Size:
			rw.printf("RFC822.SIZE %d", len(raw))
		case ItemRFC822:
			rw.writeRaw("RFC822 ")
			rw.writeLiteral(raw)
			seenEffect = true
		case ItemRFC822Header:
			hdr, _ := splitHeader(raw)
			rw.writeRaw("RFC822.HEADER ")
			rw.writeLiteral(hdr)
		case ItemRFC822Text:
			_, body := splitHeader(raw)
			rw.writeRaw("RFC822.TEXT ")
			rw.writeLiteral(body)
			seenEffect = true
		case ItemEnvelope:
			if tree == nil && treeErr == nil {
				tree, treeErr = buildTree(raw)
			}
			if treeErr != nil {
				return treeErr
			}
			rw.writeEnvelope(headerOf(tree))
		case ItemBody, ItemBodyStructure:
			if tree == nil && treeErr == nil {
				tree, treeErr = buildTree(raw)
			}
			if treeErr != nil {
				return treeErr
			}
			if item.Type == ItemBodyStructure {
				rw.writeRaw("BODYSTRUCTURE (")
			} else {
				rw.writeRaw("BODY (")
			}
			rw.writeBodyStructurePart(tree, item.Type == ItemBodyStructure)
			rw.writeRaw(")")
		case ItemBodySection:
			if tree == nil && treeErr == nil {
				tree, treeErr = buildTree(raw)
			}
			if treeErr != nil {
				return treeErr
			}
			effect, err := rw.writeBodySection(tree, raw, &item)
			if err != nil {
				return err
			}
			seenEffect = seenEffect || effect
		default:
			return fmt.Errorf("fetchengine: unhandled item type %v", item.Type)
		}
	}
	rw.writeRaw(")\r\n")
	if err := rw.flush(); err != nil {
		return err
	}

	if seenEffect {
		return msg.MarkSeen()
	}
	return nil
}

func hasUID(items []Item) bool {
	for _, it := range items {
		if it.Type == ItemUID {
			return true
		}
	}
	return false
}

// reorder moves BODY[...] items (potentially large literals) after
// every other item, per imapserver.Conn.cmdFetch's comment about
// clients like macOS Mail issuing "(BODY.PEEK[] BODYSTRUCTURE)".
func reorder(items []Item) []Item {
	out := make([]Item, 0, len(items))
	var sections []Item
	for _, it := range items {
		if it.Type == ItemBodySection {
			sections = append(sections, it)
		} else {
			out = append(out, it)
		}
	}
	return append(out, sections...)
}

func readAll(msg Message) ([]byte, error) {
	rc, err := msg.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func splitHeader(raw []byte) (header, body []byte) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4], raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2], raw[i+2:]
	}
	return raw, nil
}

func headerOf(n *node) headerLike {
	if n.hasOrderedHeader {
		return &n.header
	}
	return mimeHeaderAdapter(n.stdHeader)
}

// mimeHeaderAdapter adapts net/textproto.MIMEHeader (used for MIME
// children, since mime/multipart exposes no ordered/raw header for a
// nested part) to headerLike and textprotoMIMEHeaderLike.
type mimeHeaderAdapter map[string][]string

func (h mimeHeaderAdapter) Get(key string) string {
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

func (h mimeHeaderAdapter) values() map[string][]string { return h }

// writeBodyStructurePart writes one BODY/BODYSTRUCTURE parenthesized
// part, recursing into multipart children, grounded on
// imapserver.Conn.writeBodyStructurePart.
func (w *respWriter) writeBodyStructurePart(n *node, extended bool) {
	mediaType := n.mediaType
	i := strings.IndexByte(mediaType, '/')
	bodyType, bodySubtype := mediaType, ""
	if i >= 0 {
		bodyType, bodySubtype = mediaType[:i], mediaType[i+1:]
	}

	if len(n.children) > 0 {
		for i, kid := range n.children {
			if i > 0 {
				w.writeRaw(" ")
			}
			w.writeRaw("(")
			w.writeBodyStructurePart(kid, extended)
			w.writeRaw(")")
		}
		w.writeRaw(" ")
		w.writeString(strings.ToUpper(bodySubtype))
		w.writeRaw(" (")
		w.writeString("BOUNDARY")
		w.writeRaw(" ")
		w.writeString(n.mediaParam["boundary"])
		w.writeRaw(")")
		if extended {
			w.writeRaw(" ")
			w.writeDisposition(n)
			w.writeRaw(" NIL NIL")
		}
		return
	}

	w.writeString(bodyType)
	w.writeRaw(" ")
	w.writeString(bodySubtype)
	w.writeRaw(" (")
	w.writeParams(n.mediaParam)
	w.writeRaw(")")

	cid := n.get("Content-Id")
	if cid == "" {
		w.writeRaw(" NIL")
	} else {
		w.writeRaw(" ")
		w.writeString(cid)
	}
	w.writeRaw(" NIL ") // body description

	cte := n.get("Content-Transfer-Encoding")
	if cte == "" || strings.EqualFold(cte, "7bit") {
		w.writeRaw("NIL")
	} else {
		w.writeString(strings.ToUpper(cte))
	}
	w.printf(" %d", len(n.body))

	if strings.EqualFold(bodyType, "text") {
		w.printf(" %d", n.lines)
	}
	if strings.EqualFold(mediaType, "message/rfc822") {
		child, err := buildTree(n.body)
		if err == nil {
			w.writeRaw(" ")
			w.writeEnvelope(headerOf(child))
			w.writeRaw(" (")
			w.writeBodyStructurePart(child, extended)
			w.writeRaw(")")
			w.printf(" %d", countLines(n.body))
		}
	}

	if extended {
		w.writeRaw(" ")
		w.writeDisposition(n)
		w.writeRaw(" NIL NIL") // language, location
	}
}

func (w *respWriter) writeDisposition(n *node) {
	disp := n.get("Content-Disposition")
	if disp == "" {
		w.writeRaw("NIL")
		return
	}
	dtype, params, err := parseDisposition(disp)
	if err != nil {
		w.writeRaw("NIL")
		return
	}
	w.writeRaw("(")
	w.writeString(strings.ToUpper(dtype))
	w.writeRaw(" (")
	w.writeParams(params)
	w.writeRaw(")")
	w.writeRaw(")")
}

func (w *respWriter) writeParams(params map[string]string) {
	var keys []string
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			w.writeRaw(" ")
		}
		w.writeString(strings.ToUpper(k))
		w.writeRaw(" ")
		w.writeString(params[k])
	}
}

// writeBodySection handles BODY[...] / BODY.PEEK[...], returning
// whether formatting this item should cause \Seen to be set.
func (w *respWriter) writeBodySection(tree *node, raw []byte, item *Item) (seenEffect bool, err error) {
	target := tree
	if len(item.Section.Path) > 0 {
		target = findPath(tree, item.Section.Path)
		if target == nil {
			return false, fmt.Errorf("fetchengine: no such body part %v", item.Section.Path)
		}
	}

	var payload []byte
	switch item.Section.Name {
	case "":
		if len(item.Section.Path) > 0 {
			payload = target.body
		} else {
			payload = raw
		}
		seenEffect = true
	case "HEADER":
		if len(item.Section.Path) > 0 {
			payload = encodeHeader(headerOf(target))
		} else {
			h, _ := splitHeader(raw)
			payload = h
		}
		seenEffect = true
	case "MIME":
		payload = encodeHeader(headerOf(target))
		seenEffect = true
	case "TEXT":
		if len(item.Section.Path) > 0 {
			payload = target.body
		} else {
			_, b := splitHeader(raw)
			payload = b
		}
		seenEffect = true
	case "HEADER.FIELDS":
		payload = filterHeader(headerOf(target), item.Section.Headers, false)
		seenEffect = true
	case "HEADER.FIELDS.NOT":
		payload = filterHeader(headerOf(target), item.Section.Headers, true)
		seenEffect = true
	default:
		return false, fmt.Errorf("fetchengine: unknown section %q", item.Section.Name)
	}

	if item.Peek {
		seenEffect = false
	}

	start, length := int64(0), int64(len(payload))
	if item.Partial != nil {
		start = item.Partial.Start
		if start > length {
			start = length
		}
		length = item.Partial.Length
		if start+length > int64(len(payload)) {
			length = int64(len(payload)) - start
		}
		payload = payload[start : start+length]
	}

	w.writeRaw("BODY[")
	for i, p := range item.Section.Path {
		if i > 0 {
			w.writeRaw(".")
		}
		w.printf("%d", p)
	}
	if item.Section.Name != "" {
		if len(item.Section.Path) > 0 {
			w.writeRaw(".")
		}
		w.writeRaw(item.Section.Name)
	}
	if item.Section.Name == "HEADER.FIELDS" || item.Section.Name == "HEADER.FIELDS.NOT" {
		w.writeRaw(" (")
		for i, name := range item.Section.Headers {
			if i > 0 {
				w.writeRaw(" ")
			}
			w.writeString(strings.ToUpper(name))
		}
		w.writeRaw(")")
	}
	w.writeRaw("]")
	if item.Partial != nil {
		w.printf("<%d> ", start)
	} else {
		w.writeRaw(" ")
	}
	w.writeLiteral(payload)
	return seenEffect, nil
}

func encodeHeader(h headerLike) []byte {
	var buf bytes.Buffer
	switch hv := h.(type) {
	case *gmtextproto.Header:
		bw := bufio.NewWriter(&buf)
		gmtextproto.WriteHeader(bw, *hv)
		bw.Flush()
	default:
		// net/textproto.MIMEHeader carries no field order; emit in
		// sorted-key order, so nested MIME parts do not keep their
		// original header order.
		mh := h.(textprotoMIMEHeaderLike)
		var keys []string
		for k := range mh.values() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range mh.values()[k] {
				fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
			}
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// textprotoMIMEHeaderLike lets encodeHeader range over a
// net/textproto.MIMEHeader's entries without importing it twice under
// two names.
type textprotoMIMEHeaderLike interface {
	values() map[string][]string
}

func filterHeader(h headerLike, names []string, exclude bool) []byte {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}

	var buf bytes.Buffer
	switch hv := h.(type) {
	case *gmtextproto.Header:
		fields := hv.Fields()
		for fields.Next() {
			key := strings.ToLower(fields.Key())
			if want[key] == exclude {
				continue
			}
			fmt.Fprintf(&buf, "%s: %s\r\n", fields.Key(), fields.Value())
		}
	default:
		mh := h.(textprotoMIMEHeaderLike)
		var keys []string
		for k := range mh.values() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if want[strings.ToLower(k)] == exclude {
				continue
			}
			for _, v := range mh.values()[k] {
				fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
			}
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
