package imapserver

import (
	"context"
	"strconv"
	"strings"

	"github.com/gujc71/9Mail/store"
)

func (c *conn) cmdCopy(tag string, p *parser) { c.copyOrMove(tag, p, false, false) }
func (c *conn) cmdUIDCopy(tag string, p *parser) { c.copyOrMove(tag, p, true, false) }
func (c *conn) cmdMove(tag string, p *parser) { c.copyOrMove(tag, p, false, true) }
func (c *conn) cmdUIDMove(tag string, p *parser) { c.copyOrMove(tag, p, true, true) }

// copyOrMove implements COPY/MOVE and their UID variants (spec §4.5). MOVE
// additionally emits an unsolicited EXPUNGE for each moved entry and
// renumbers subsequent sequence numbers against a running offset, since the
// source mailbox's cache shrinks as each entry is removed.
func (c *conn) copyOrMove(tag string, p *parser, uidMode, move bool) {
	setTok := p.xword()
	p.xspace()
	destName := p.xastring()
	p.xend()

	dst, err := c.repo.GetMailbox(context.Background(), c.owner, canonicalMailboxPath(destName))
	if err == store.ErrNotFound {
		xusercodeErrorf("TRYCREATE", "no such mailbox")
	}
	xcheckf(err, "get destination mailbox")

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

	var srcUIDs, dstUIDs []uint32
	offset := 0
	for _, seq := range seqs {
		e, ok := c.cache.bySeq(seq)
		if !ok {
			continue
		}
		var newUID uint32
		if move {
			newUID, err = c.repo.Move(context.Background(), c.mailboxID, e.UID, dst.ID)
		} else {
			newUID, err = c.repo.Copy(context.Background(), c.mailboxID, e.UID, dst.ID)
		}
		xcheckf(err, "copy/move entry")
		srcUIDs = append(srcUIDs, e.UID)
		dstUIDs = append(dstUIDs, newUID)

		if move {
			c.writelinef("* %d EXPUNGE", seq-offset)
			offset++
		}
	}

	if move {
		c.refreshCache()
	}

	verb := "COPY"
	if uidMode {
		verb = "UID COPY"
	}
	if move {
		verb = "MOVE"
		if uidMode {
			verb = "UID MOVE"
		}
	}
	if len(srcUIDs) == 0 {
		c.writelinef("%s OK %s completed", tag, verb)
		return
	}
	c.writelinef("%s OK [COPYUID %d %s %s] %s completed", tag, dst.UIDValidity,
		formatUIDList(srcUIDs), formatUIDList(dstUIDs), verb)
}

func formatUIDList(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}
