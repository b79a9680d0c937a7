package fetchengine

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	gmtextproto "github.com/emersion/go-message/textproto"
)

// node is one part of a message's MIME tree. The tree root is the whole
// message; children are numbered from 1 per RFC 3501 section 6.4.5.
type node struct {
	header       gmtextproto.Header // only populated at the top level; see headerOf
	hasOrderedHeader bool
	stdHeader    textproto.MIMEHeader
	mediaType    string
	mediaParam   map[string]string
	body         []byte // this part's body, still transfer-encoded
	children     []*node
	lines        int // body line count, for text/* and message/rfc822 parts
}

// buildTree parses raw (a full RFC 5322 message) into a MIME part tree.
// Only the top-level node carries an order-preserving go-message header;
// descendant nodes use net/textproto's header map, since mime/multipart
// does not expose raw header bytes for nested parts, so a nested part's
// header fields are emitted in sorted-key order (see encodeHeader).
func buildTree(raw []byte) (*node, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := gmtextproto.ReadHeader(br)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}

	n := &node{header: hdr, hasOrderedHeader: true}
	mediaType, params, err := mime.ParseMediaType(hdr.Get("Content-Type"))
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}
	n.mediaType, n.mediaParam = mediaType, params
	n.body = body
	n.lines = countLines(body)

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary != "" {
			if err := n.readMultipart(body, boundary); err == nil {
				return n, nil
			}
		}
	}
	return n, nil
}

func (n *node) readMultipart(body []byte, boundary string) error {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return err
		}
		child := &node{stdHeader: p.Header, body: data, lines: countLines(data)}
		mediaType, params, err := mime.ParseMediaType(p.Header.Get("Content-Type"))
		if err != nil || mediaType == "" {
			mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
		}
		child.mediaType, child.mediaParam = mediaType, params
		if strings.HasPrefix(mediaType, "multipart/") {
			if b := params["boundary"]; b != "" {
				child.readMultipart(data, b)
			}
		}
		n.children = append(n.children, child)
	}
	return nil
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return bytes.Count(b, []byte("\n"))
}

// get returns a header field from whichever header representation n
// carries.
func (n *node) get(key string) string {
	if n.hasOrderedHeader {
		return n.header.Get(key)
	}
	return n.stdHeader.Get(key)
}

// findPath walks path (1-based, as in BODY[1.2.3]) from the tree root.
func findPath(n *node, path []int) *node {
	cur := n
	for _, idx := range path {
		if idx-1 < 0 || idx-1 >= len(cur.children) {
			if len(cur.children) == 0 && len(path) == 1 && idx == 1 {
				return cur
			}
			return nil
		}
		cur = cur.children[idx-1]
	}
	return cur
}
