// Package message implements the MIME parser (spec component C3): header
// extraction, envelope construction, body structure traversal, and
// dotted-path sectional body extraction for IMAP FETCH.
//
// Grounded on the teacher's message/part.go (Part/Envelope/Address types,
// Walk-style tree, parseEnvelope/parseAddressList), adapted from the
// teacher's byte-offset streaming parser (bufAt/boundReader over an
// io.ReaderAt) to a simpler whole-buffer parser, since every caller here
// already holds the full message bytes from Repository.Blob rather than
// streaming off disk during delivery analysis.
package message

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoSuchPart      = fmt.Errorf("message: no such part")
	ErrMissingBoundary = fmt.Errorf("message: multipart without boundary parameter")
)

// Part is one node of the MIME tree: either a leaf (a non-multipart body) or
// an internal node (a multipart body) with Parts as its numbered children.
type Part struct {
	raw []byte // shared backing array for the whole message; all offsets below index into this.

	HeaderOffset, HeaderEnd int // header section, including the trailing blank line.
	BodyOffset, BodyEnd     int // undecoded body bytes (for multipart: includes sub-boundaries).

	header textproto.MIMEHeader

	MediaType    string // lower-case, e.g. "text", "multipart", "application".
	MediaSubType string // lower-case, e.g. "plain", "mixed", "octet-stream".
	Params       map[string]string
	Encoding     string // lower-case Content-Transfer-Encoding, e.g. "base64", "7bit".
	ContentID    string
	Description  string

	Lines int // decoded line count, for text/* leaf parts. 0 otherwise.

	Parts []*Part // children, non-nil only when MediaType == "multipart".
}

// Header returns the case-insensitive, order-preserving header map for this
// part (textproto.MIMEHeader already preserves repeated values in order).
func (p *Part) Header() textproto.MIMEHeader { return p.header }

// FullBytes returns this part's raw bytes including its own header section.
func (p *Part) FullBytes() []byte { return p.raw[p.HeaderOffset:p.BodyEnd] }

// HeaderBytes returns this part's header section, including the trailing
// blank line.
func (p *Part) HeaderBytes() []byte { return p.raw[p.HeaderOffset:p.HeaderEnd] }

// BodyBytes returns this part's body, after the header's blank line.
func (p *Part) BodyBytes() []byte { return p.raw[p.BodyOffset:p.BodyEnd] }

// Size is the on-wire size of the body, as stored (not decoded).
func (p *Part) Size() int64 { return int64(p.BodyEnd - p.BodyOffset) }

// Parse builds the MIME tree for raw message bytes (header section plus
// body, CRLF or bare LF line endings both accepted).
func Parse(raw []byte) (*Part, error) {
	return parsePart(raw, 0, len(raw))
}

func parsePart(raw []byte, start, end int) (*Part, error) {
	section := raw[start:end]
	headerLen := findHeaderEnd(section)

	hdr, err := parseHeaderBytes(section[:headerLen])
	if err != nil {
		return nil, err
	}

	p := &Part{
		raw:          raw,
		HeaderOffset: start,
		HeaderEnd:    start + headerLen,
		BodyOffset:   start + headerLen,
		BodyEnd:      end,
		header:       hdr,
	}

	ct := hdr.Get("Content-Type")
	mediatype, params, err := mime.ParseMediaType(ct)
	if err != nil || mediatype == "" {
		mediatype = "text/plain"
		params = map[string]string{"charset": "us-ascii"}
	}
	typeParts := strings.SplitN(mediatype, "/", 2)
	p.MediaType = strings.ToLower(typeParts[0])
	if len(typeParts) == 2 {
		p.MediaSubType = strings.ToLower(typeParts[1])
	}
	p.Params = params
	p.Encoding = strings.ToLower(strings.TrimSpace(hdr.Get("Content-Transfer-Encoding")))
	p.ContentID = strings.TrimSpace(hdr.Get("Content-Id"))
	p.Description = strings.TrimSpace(hdr.Get("Content-Description"))

	if p.MediaType == "multipart" {
		boundary := params["boundary"]
		if boundary == "" {
			return p, ErrMissingBoundary
		}
		for _, span := range splitMultipart(section[headerLen:], boundary) {
			child, err := parsePart(raw, start+headerLen+span.start, start+headerLen+span.end)
			if err != nil {
				// Spec: failure to parse a section returns an empty literal rather
				// than erroring the whole FETCH. Skip the unparsable child instead
				// of aborting the whole tree.
				continue
			}
			p.Parts = append(p.Parts, child)
		}
	} else if p.MediaType == "text" {
		p.Lines = countLines(decodeTransfer(p.BodyBytes(), p.Encoding))
	}

	return p, nil
}

// findHeaderEnd returns the index right after the blank line separating
// headers from body, or len(section) if there is none (headers-only part).
func findHeaderEnd(section []byte) int {
	if i := bytes.Index(section, []byte("\r\n\r\n")); i >= 0 {
		return i + 4
	}
	if i := bytes.Index(section, []byte("\n\n")); i >= 0 {
		return i + 2
	}
	return len(section)
}

func parseHeaderBytes(b []byte) (textproto.MIMEHeader, error) {
	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	hdr, err := r.ReadMIMEHeader()
	// ReadMIMEHeader returns io.EOF-wrapped errors for headers-only input
	// with no blank line; the headers it did parse are still usable.
	if hdr == nil {
		hdr = textproto.MIMEHeader{}
	}
	if err != nil && len(hdr) == 0 {
		return hdr, nil
	}
	return hdr, nil
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte("\n"))
	if !bytes.HasSuffix(b, []byte("\n")) {
		n++
	}
	return n
}

type span struct{ start, end int }

// splitMultipart scans body for "--boundary" delimiter lines and returns the
// byte spans (relative to body) of each child part, stopping at the closing
// "--boundary--" delimiter. Malformed input (missing closing boundary) still
// yields whatever complete children were found, consistent with the
// "never fail the whole FETCH over one bad section" rule in Parse.
func splitMultipart(body []byte, boundary string) []span {
	delim := []byte("--" + boundary)
	var spans []span
	var partStart = -1
	pos := 0
	for pos <= len(body) {
		lineEnd := bytes.IndexByte(body[pos:], '\n')
		var line []byte
		var next int
		if lineEnd < 0 {
			line = body[pos:]
			next = len(body) + 1
		} else {
			line = body[pos : pos+lineEnd+1]
			next = pos + lineEnd + 1
		}
		trimmed := bytes.TrimRight(line, "\r\n")
		if bytes.HasPrefix(trimmed, delim) {
			if partStart >= 0 {
				end := pos
				// Strip the CRLF/LF immediately preceding the delimiter line.
				end = trimEOL(body, partStart, end)
				spans = append(spans, span{partStart, end})
			}
			rest := bytes.TrimPrefix(trimmed, delim)
			if bytes.HasPrefix(rest, []byte("--")) {
				return spans // closing delimiter
			}
			partStart = next
		}
		if lineEnd < 0 {
			break
		}
		pos = next
	}
	return spans
}

func trimEOL(body []byte, start, end int) int {
	if end > start && end <= len(body) && end >= 1 && body[end-1] == '\n' {
		end--
		if end > start && body[end-1] == '\r' {
			end--
		}
	}
	return end
}

// Resolve walks a dotted IMAP section path (1-based at each level) down the
// tree. For a non-multipart part, any path reaching it must bottom out at
// "1", which addresses the part itself (spec §4.3).
func (p *Part) Resolve(path []int) (*Part, error) {
	cur := p
	for _, idx := range path {
		if len(cur.Parts) == 0 {
			if idx != 1 {
				return nil, ErrNoSuchPart
			}
			continue
		}
		if idx < 1 || idx > len(cur.Parts) {
			return nil, ErrNoSuchPart
		}
		cur = cur.Parts[idx-1]
	}
	return cur, nil
}

// decodeTransfer decodes the Content-Transfer-Encoding named by enc, for
// the sole purpose of counting decoded text lines for FETCH's
// BODY/BODYSTRUCTURE "lines" field. Unknown or absent encodings are passed
// through unchanged (7bit/8bit/binary are all identity for line counting).
func decodeTransfer(b []byte, enc string) []byte {
	switch enc {
	case "base64":
		out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
		n, err := base64.StdEncoding.Decode(out, bytes.Join(bytes.Fields(b), nil))
		if err != nil {
			return b
		}
		return out[:n]
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(b)))
		if err != nil {
			return b
		}
		return out
	default:
		return b
	}
}

// Envelope is the RFC 3501 ENVELOPE 10-tuple.
type Envelope struct {
	Date      time.Time
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	MessageID string
}

// Address is one entry of an envelope address list: (personal NIL mailbox
// host), with empty fields represented as NIL on the wire.
type Address struct {
	Name    string
	Mailbox string
	Host    string
}

// ParseEnvelope builds the envelope tuple from a header map, grounded on the
// teacher's parseEnvelope/parseAddressList.
func ParseEnvelope(h textproto.MIMEHeader) Envelope {
	var e Envelope
	if d := h.Get("Date"); d != "" {
		if t, err := mail.ParseDate(d); err == nil {
			e.Date = t
		}
	}
	e.Subject = h.Get("Subject")
	e.From = parseAddressList(h.Get("From"))
	e.Sender = parseAddressList(h.Get("Sender"))
	if len(e.Sender) == 0 {
		e.Sender = e.From
	}
	e.ReplyTo = parseAddressList(h.Get("Reply-To"))
	if len(e.ReplyTo) == 0 {
		e.ReplyTo = e.From
	}
	e.To = parseAddressList(h.Get("To"))
	e.Cc = parseAddressList(h.Get("Cc"))
	e.Bcc = parseAddressList(h.Get("Bcc"))
	e.InReplyTo = strings.TrimSpace(h.Get("In-Reply-To"))
	e.MessageID = strings.TrimSpace(h.Get("Message-Id"))
	return e
}

func parseAddressList(s string) []Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		// Fall back to a single best-effort address rather than dropping the
		// header entirely; malformed From/To headers are common in the wild.
		if a, err2 := mail.ParseAddress(s); err2 == nil {
			list = []*mail.Address{a}
		} else {
			return nil
		}
	}
	addrs := make([]Address, 0, len(list))
	for _, a := range list {
		mailbox, host := a.Address, ""
		if i := strings.LastIndex(a.Address, "@"); i >= 0 {
			mailbox, host = a.Address[:i], a.Address[i+1:]
		}
		addrs = append(addrs, Address{Name: a.Name, Mailbox: mailbox, Host: host})
	}
	return addrs
}

// Structure is the generic (protocol-independent) body structure tree that
// imapserver renders into IMAP's BODYSTRUCTURE wire syntax.
type Structure struct {
	Type, Subtype string
	Params        map[string]string
	ID            string
	Description   string
	Encoding      string
	Size          int64
	Lines         int64 // only meaningful when Type == "text".
	Children      []Structure
}

// Structure traverses the part tree and returns its structure, consulted by
// imapserver for IMAP BODYSTRUCTURE and BODY.
func (p *Part) Structure() Structure {
	s := Structure{
		Type:        p.MediaType,
		Subtype:     p.MediaSubType,
		Params:      p.Params,
		ID:          p.ContentID,
		Description: p.Description,
		Encoding:    p.Encoding,
		Size:        p.Size(),
	}
	if p.MediaType == "text" {
		s.Lines = int64(p.Lines)
	}
	for _, c := range p.Parts {
		s.Children = append(s.Children, c.Structure())
	}
	return s
}

// ParseSectionNumber is used by the section-path tokenizer in imapserver;
// exposed here so both packages share one int-parse helper for dotted paths.
func ParseSectionNumber(s string) (int, error) { return strconv.Atoi(s) }

// FilterHeaderFields reconstructs a header block keeping (or, if exclude is
// true, dropping) only the named fields, grouping each header line with any
// folded continuation lines that follow it (lines starting with space or
// tab belong to the preceding header, per RFC 5322 §2.2.3). An empty fields
// list with exclude==false is the caller's job to special-case: per the
// resolved HEADER.FIELDS open question, "no fields requested" reports the
// whole header (section name BODY[HEADER]) rather than calling this helper.
func FilterHeaderFields(header []byte, fields []string, exclude bool) []byte {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[strings.ToUpper(f)] = true
	}

	var out bytes.Buffer
	lines := splitKeptLines(header)
	i := 0
	for i < len(lines) {
		line := lines[i]
		group := [][]byte{line}
		j := i + 1
		for j < len(lines) && len(lines[j]) > 0 && (lines[j][0] == ' ' || lines[j][0] == '\t') {
			group = append(group, lines[j])
			j++
		}
		name := headerFieldName(line)
		keep := want[strings.ToUpper(name)]
		if exclude {
			keep = !keep
		}
		if name == "" {
			// Malformed line with no colon: always kept verbatim. The blank
			// terminator line was dropped by splitKeptLines and is written
			// back after the loop.
			keep = true
		}
		if keep {
			for _, l := range group {
				out.Write(l)
			}
		}
		i = j
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// splitKeptLines splits a header block into lines, each retaining its own
// trailing CRLF/LF, and drops the final blank separator line.
func splitKeptLines(header []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(header); i++ {
		if header[i] == '\n' {
			line := header[start : i+1]
			start = i + 1
			if len(bytes.TrimRight(line, "\r\n")) == 0 {
				continue // the header/body blank-line separator.
			}
			lines = append(lines, line)
		}
	}
	return lines
}

func headerFieldName(line []byte) string {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return string(bytes.TrimSpace(line[:i]))
}
