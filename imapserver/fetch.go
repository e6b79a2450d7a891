package imapserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gujc71/9Mail/message"
	"github.com/gujc71/9Mail/store"
)

func (c *conn) cmdFetch(tag string, p *parser) { c.fetch(tag, p, false) }
func (c *conn) cmdUIDFetch(tag string, p *parser) { c.fetch(tag, p, true) }

func (c *conn) fetch(tag string, p *parser, uidMode bool) {
	setTok := p.xword()
	p.xspace()

	var items []string
	if b, ok := p.peekByte(); ok && b == '(' {
		items = xparenList(p, func(p *parser) string { return p.xatomOrBracketed() })
	} else {
		items = []string{p.xatomOrBracketed()}
	}
	p.xend()

	items = expandFetchMacros(items)

	ns := parseNumSet(setTok)
	var seqs []int
	if uidMode {
		for _, uid := range ns.resolveUID(c.cache.maxUID()) {
			if seq := c.cache.seqOfUID(uid); seq > 0 {
				seqs = append(seqs, seq)
			}
		}
	} else {
		seqs = ns.resolveSeq(c.cache.size())
	}

	wantUID := uidMode
	for _, seq := range seqs {
		e, ok := c.cache.bySeq(seq)
		if !ok {
			continue
		}
		c.emitFetch(seq, e, items, wantUID)
	}
	verb := "FETCH"
	if uidMode {
		verb = "UID FETCH"
	}
	c.writelinef("%s OK %s completed", tag, verb)
}

func expandFetchMacros(items []string) []string {
	var out []string
	for _, it := range items {
		switch strings.ToUpper(it) {
		case "ALL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE")
		case "FAST":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE")
		case "FULL":
			out = append(out, "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY")
		default:
			out = append(out, it)
		}
	}
	return out
}

// emitFetch assembles and writes one "* seq FETCH (...)" response, grounded
// on the teacher's cmdFetch data-item switch, generalized over the spec's
// item set and backed by the message package for ENVELOPE/BODYSTRUCTURE/
// section extraction (spec component C3).
func (c *conn) emitFetch(seq int, e store.MailEntry, items []string, forceUID bool) {
	var fields []string
	seenUID := false
	var setSeenAfter bool

	for _, raw := range items {
		item := raw
		upper := strings.ToUpper(item)
		switch {
		case upper == "UID":
			fields = append(fields, fmt.Sprintf("UID %d", e.UID))
			seenUID = true
		case upper == "FLAGS":
			fields = append(fields, "FLAGS ("+strings.Join(e.Flags.Tokens(), " ")+")")
		case upper == "INTERNALDATE":
			fields = append(fields, `INTERNALDATE "`+e.ReceiveDate.Format("02-Jan-2006 15:04:05 -0700")+`"`)
		case upper == "RFC822.SIZE":
			fields = append(fields, fmt.Sprintf("RFC822.SIZE %d", e.Size))
		case upper == "ENVELOPE":
			part := c.loadPart(e)
			fields = append(fields, "ENVELOPE "+renderEnvelope(message.ParseEnvelope(part.Header())))
		case upper == "BODYSTRUCTURE":
			part := c.loadPart(e)
			fields = append(fields, "BODYSTRUCTURE "+renderStructure(part.Structure(), true))
		case upper == "BODY" && !strings.Contains(item, "["):
			part := c.loadPart(e)
			fields = append(fields, "BODY "+renderStructure(part.Structure(), false))
		case strings.HasPrefix(upper, "BODY") || upper == "RFC822":
			name, data, peek := c.fetchSection(e, item)
			fields = append(fields, fmt.Sprintf("%s {%d}\r\n%s", name, len(data), data))
			if !peek {
				setSeenAfter = true
			}
		default:
			xsyntaxErrorf("unsupported FETCH item %q", item)
		}
	}

	if forceUID && !seenUID {
		fields = append([]string{fmt.Sprintf("UID %d", e.UID)}, fields...)
	}

	if setSeenAfter && !e.Flags.Seen {
		e.Flags.Seen = true
		xcheckf(c.repo.UpdateFlags(context.Background(), e.ID, e.Flags), "update flags")
		fields = append(fields, "FLAGS ("+strings.Join(e.Flags.Tokens(), " ")+")")
	}

	c.writelinef("* %d FETCH (%s)", seq, strings.Join(fields, " "))
}

func (c *conn) loadPart(e store.MailEntry) *message.Part {
	raw, err := c.repo.Blob(context.Background(), e.MessageID)
	xcheckf(err, "load blob")
	part, err := message.Parse(raw)
	xcheckf(err, "parse message")
	return part
}

// fetchSection resolves one BODY[...]/RFC822[.TEXT/.HEADER] item into its
// wire section name and literal bytes.
func (c *conn) fetchSection(e store.MailEntry, item string) (name string, data []byte, peek bool) {
	peek = strings.Contains(strings.ToUpper(item), ".PEEK")
	if strings.EqualFold(item, "RFC822") {
		raw, err := c.repo.Blob(context.Background(), e.MessageID)
		xcheckf(err, "load blob")
		return "RFC822", raw, false
	}
	if strings.EqualFold(item, "RFC822.HEADER") {
		part := c.loadPart(e)
		return "RFC822.HEADER", part.HeaderBytes(), true
	}
	if strings.EqualFold(item, "RFC822.TEXT") {
		part := c.loadPart(e)
		return "RFC822.TEXT", part.BodyBytes(), false
	}

	lb := strings.IndexByte(item, '[')
	rb := strings.LastIndexByte(item, ']')
	if lb < 0 || rb < lb {
		xsyntaxErrorf("malformed section item %q", item)
	}
	section := item[lb+1 : rb]
	wireName := item[:rb+1]

	part := c.loadPart(e)
	if section == "" {
		raw, err := c.repo.Blob(context.Background(), e.MessageID)
		xcheckf(err, "load blob")
		return wireName, raw, peek
	}

	upperSection := strings.ToUpper(section)
	if strings.HasPrefix(upperSection, "HEADER.FIELDS") {
		open := strings.IndexByte(section, '(')
		shut := strings.LastIndexByte(section, ')')
		if open < 0 || shut < open {
			xsyntaxErrorf("malformed HEADER.FIELDS list in %q", item)
		}
		fieldList := xparenList(&parser{orig: section[open:] + " ", c: c}, func(p *parser) string { return p.xword() })
		exclude := strings.HasPrefix(upperSection, "HEADER.FIELDS.NOT")
		if len(fieldList) == 0 && !exclude {
			// No fields requested: report the whole header under section
			// name HEADER rather than an empty HEADER.FIELDS () list.
			return item[:lb] + "[HEADER]", part.HeaderBytes(), true
		}
		return wireName, message.FilterHeaderFields(part.HeaderBytes(), fieldList, exclude), true
	}
	if upperSection == "HEADER" {
		return wireName, part.HeaderBytes(), true
	}
	if upperSection == "TEXT" {
		return wireName, part.BodyBytes(), peek
	}

	// Dotted numeric path, optionally suffixed with .MIME/.HEADER/.TEXT.
	pathStr := section
	suffix := ""
	for _, s := range []string{".MIME", ".HEADER", ".TEXT"} {
		if strings.HasSuffix(upperSection, s) {
			suffix = s
			pathStr = section[:len(section)-len(s)]
			break
		}
	}
	var path []int
	for _, seg := range strings.Split(pathStr, ".") {
		n, err := message.ParseSectionNumber(seg)
		if err != nil {
			xsyntaxErrorf("invalid section number %q", seg)
		}
		path = append(path, n)
	}
	target, err := part.Resolve(path)
	if err != nil {
		return wireName, nil, true
	}
	switch suffix {
	case ".MIME":
		return wireName, target.HeaderBytes(), true
	case ".HEADER":
		return wireName, target.HeaderBytes(), true
	case ".TEXT":
		return wireName, target.BodyBytes(), peek
	default:
		return wireName, target.FullBytes(), peek
	}
}

func renderEnvelope(e message.Envelope) string {
	dateStr := "NIL"
	if !e.Date.IsZero() {
		dateStr = quoteIMAP(e.Date.Format(time.RFC1123Z))
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		dateStr, quoteIMAPOrNil(e.Subject),
		renderAddrList(e.From), renderAddrList(e.Sender), renderAddrList(e.ReplyTo),
		renderAddrList(e.To), renderAddrList(e.Cc), renderAddrList(e.Bcc),
		quoteIMAPOrNil(e.InReplyTo), quoteIMAPOrNil(e.MessageID))
}

func renderAddrList(addrs []message.Address) string {
	if len(addrs) == 0 {
		return "NIL"
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, a := range addrs {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "(%s NIL %s %s)", quoteIMAPOrNil(a.Name), quoteIMAPOrNil(a.Mailbox), quoteIMAPOrNil(a.Host))
	}
	sb.WriteByte(')')
	return sb.String()
}

func renderStructure(s message.Structure, extended bool) string {
	if s.Type == "multipart" {
		var sb strings.Builder
		sb.WriteByte('(')
		for _, child := range s.Children {
			sb.WriteString(renderStructure(child, extended))
		}
		fmt.Fprintf(&sb, " %s", quoteIMAP(s.Subtype))
		sb.WriteByte(')')
		return sb.String()
	}

	params := "NIL"
	if len(s.Params) > 0 {
		var kv []string
		for k, v := range s.Params {
			kv = append(kv, quoteIMAP(k), quoteIMAP(v))
		}
		params = "(" + strings.Join(kv, " ") + ")"
	}
	base := fmt.Sprintf("%s %s %s %s %s %s %d", quoteIMAP(s.Type), quoteIMAP(s.Subtype), params,
		quoteIMAPOrNil(s.ID), quoteIMAPOrNil(s.Description), quoteIMAPOrNil(orDefault(s.Encoding, "7bit")), s.Size)
	if s.Type == "text" {
		base += fmt.Sprintf(" %d", s.Lines)
	}
	return "(" + base + ")"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func quoteIMAP(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func quoteIMAPOrNil(s string) string {
	if s == "" {
		return "NIL"
	}
	return quoteIMAP(s)
}
