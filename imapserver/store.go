package imapserver

import (
	"context"
	"strings"

	"github.com/gujc71/9Mail/store"
)

func (c *conn) cmdStore(tag string, p *parser) { c.store(tag, p, false) }
func (c *conn) cmdUIDStore(tag string, p *parser) { c.store(tag, p, true) }

func (c *conn) store(tag string, p *parser, uidMode bool) {
	if c.readonly {
		xuserErrorf("mailbox opened read-only")
	}
	setTok := p.xword()
	p.xspace()
	op := p.xword()
	p.xspace()

	var tokens []string
	if b, ok := p.peekByte(); ok && b == '(' {
		tokens = xparenList(p, func(p *parser) string { return p.xword() })
	} else {
		tokens = []string{p.xword()}
	}
	p.xend()

	upperOp := strings.ToUpper(op)
	silent := strings.HasSuffix(upperOp, ".SILENT")
	mode := strings.TrimSuffix(upperOp, ".SILENT")

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

	for _, seq := range seqs {
		e, ok := c.cache.bySeq(seq)
		if !ok {
			continue
		}
		newFlags := applyStoreOp(e.Flags, mode, tokens)
		if newFlags != e.Flags {
			xcheckf(c.repo.UpdateFlags(context.Background(), e.ID, newFlags), "update flags")
			e.Flags = newFlags
			c.cache.entries[c.cache.byUID[e.UID]] = e
		}
		if !silent {
			if uidMode {
				c.writelinef("* %d FETCH (UID %d FLAGS (%s))", seq, e.UID, strings.Join(e.Flags.Tokens(), " "))
			} else {
				c.writelinef("* %d FETCH (FLAGS (%s))", seq, strings.Join(e.Flags.Tokens(), " "))
			}
		}
	}

	verb := "STORE"
	if uidMode {
		verb = "UID STORE"
	}
	c.writelinef("%s OK %s completed", tag, verb)
}

func applyStoreOp(cur store.Flags, mode string, tokens []string) store.Flags {
	switch mode {
	case "FLAGS":
		var next store.Flags
		for _, t := range tokens {
			next = next.Set(t, true)
		}
		return next
	case "+FLAGS":
		for _, t := range tokens {
			cur = cur.Set(t, true)
		}
		return cur
	case "-FLAGS":
		for _, t := range tokens {
			cur = cur.Set(t, false)
		}
		return cur
	default:
		xsyntaxErrorf("unknown STORE mode %q", mode)
		return cur
	}
}
