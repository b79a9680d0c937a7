package fetchengine

import (
	"io"
	"mime"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// wordDecoder resolves RFC 2047 encoded-word charsets through
// golang.org/x/text, the same fallback path the teacher's own address
// parser (third_party/imf/addr.go, decodeRFC2047Word) uses for charsets
// Go's stdlib mime package has no built-in decoder for.
var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.HZGB2312.NewDecoder().Reader(input), nil
	}
	enc, err := ianaindex.MIME.Encoding(charset)
	if err != nil || enc == nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

func decodeHeaderWord(s string) string {
	if decoded, err := wordDecoder.DecodeHeader(s); err == nil {
		return decoded
	}
	return s
}

// writeEnvelope writes the 10-tuple ENVELOPE response for a message's
// top-level header, per spec §4.4, grounded on
// imapserver.Conn.writeItem's FetchEnvelope case.
func (w *respWriter) writeEnvelope(hdr headerLike) {
	w.writeRaw("ENVELOPE (")
	w.writeNString(hdr.Get("Date"))
	w.writeRaw(" ")
	w.writeNString(decodeHeaderWord(hdr.Get("Subject")))
	w.writeRaw(" ")
	w.writeAddressList(hdr.Get("From"))
	w.writeRaw(" ")
	w.writeAddressListOrDefault(hdr.Get("Sender"), hdr.Get("From"))
	w.writeRaw(" ")
	w.writeAddressListOrDefault(hdr.Get("Reply-To"), hdr.Get("From"))
	w.writeRaw(" ")
	w.writeAddressList(hdr.Get("To"))
	w.writeRaw(" ")
	w.writeAddressList(hdr.Get("Cc"))
	w.writeRaw(" ")
	w.writeAddressList(hdr.Get("Bcc"))
	w.writeRaw(" ")
	w.writeNString(hdr.Get("In-Reply-To"))
	w.writeRaw(" ")
	w.writeNString(hdr.Get("Message-Id"))
	w.writeRaw(")")
}

// headerLike is satisfied by both gmtextproto.Header and
// textproto.MIMEHeader via small adapters, so envelope formatting works
// for both the top-level message and a message/rfc822 child part.
type headerLike interface {
	Get(key string) string
}

// writeNString writes s as a quoted string, or NIL if empty.
func (w *respWriter) writeNString(s string) {
	if s == "" {
		w.writeRaw("NIL")
		return
	}
	w.writeString(s)
}

// writeAddressListOrDefault implements RFC 3501's rule that Sender and
// Reply-To default to the From header's address list when absent.
func (w *respWriter) writeAddressListOrDefault(primary, fallback string) {
	if strings.TrimSpace(primary) == "" {
		w.writeAddressList(fallback)
		return
	}
	w.writeAddressList(primary)
}

// writeAddressList writes the IMAP address-list syntax: NIL, or a
// parenthesized sequence of 4-tuples (personal NIL mailbox host).
func (w *respWriter) writeAddressList(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		w.writeRaw("NIL")
		return
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		w.writeRaw("NIL")
		return
	}
	w.writeRaw("(")
	for i, a := range addrs {
		if i > 0 {
			w.writeRaw(" ")
		}
		w.writeAddress(a)
	}
	w.writeRaw(")")
}

func (w *respWriter) writeAddress(a *mail.Address) {
	mailbox, host := a.Address, ""
	if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
		mailbox, host = a.Address[:i], a.Address[i+1:]
	}
	w.writeRaw("(")
	w.writeNString(a.Name)
	w.writeRaw(" NIL ")
	w.writeString(mailbox)
	w.writeRaw(" ")
	w.writeNString(host)
	w.writeRaw(")")
}
