package imapserver

import (
	"context"
	"strings"

	"github.com/gujc71/9Mail/store"
)

func (c *conn) cmdExpunge(tag string, p *parser) {
	p.xend()
	if c.readonly {
		xuserErrorf("mailbox opened read-only")
	}
	removed, err := c.repo.Expunge(context.Background(), c.mailboxID)
	xcheckf(err, "expunge")
	c.emitExpunges(removed)
	c.refreshCache()
	c.writelinef("%s OK EXPUNGE completed", tag)
}

func (c *conn) cmdUIDExpunge(tag string, p *parser) {
	setTok := p.xword()
	p.xend()
	if c.readonly {
		xuserErrorf("mailbox opened read-only")
	}
	ns := parseNumSet(setTok)
	uids := ns.resolveUID(c.cache.maxUID())
	removed, err := c.repo.ExpungeUIDs(context.Background(), c.mailboxID, uids)
	xcheckf(err, "uid expunge")
	c.emitExpunges(removed)
	c.refreshCache()
	c.writelinef("%s OK UID EXPUNGE completed", tag)
}

// emitExpunges reports each removed entry's pre-removal sequence number,
// minus a running count of the entries already reported, since earlier
// removals shift later ones down
// (spec §4.5, "EXPUNGE"/"MOVE" unsolicited response ordering).
func (c *conn) emitExpunges(removed []store.MailEntry) {
	offset := 0
	for _, e := range removed {
		seq := c.cache.seqOfUID(e.UID)
		if seq == 0 {
			continue
		}
		c.writelinef("* %d EXPUNGE", seq-offset)
		offset++
	}
}

func (c *conn) cmdClose(tag string, p *parser) {
	p.xend()
	if !c.readonly {
		if _, err := c.repo.Expunge(context.Background(), c.mailboxID); err != nil {
			xcheckf(err, "expunge on close")
		}
	}
	c.unselect()
	c.writelinef("%s OK CLOSE completed", tag)
}

func (c *conn) cmdUnselect(tag string, p *parser) {
	p.xend()
	c.unselect()
	c.writelinef("%s OK UNSELECT completed", tag)
}

func (c *conn) cmdIdle(tag string, p *parser) {
	p.xend()
	c.writelinef("+ idling")
	c.flush()
	c.idling = true
	defer func() { c.idling = false }()
	for {
		line := c.readline()
		if strings.EqualFold(line, "DONE") {
			c.writelinef("%s OK IDLE terminated", tag)
			return
		}
	}
}

// maybeEmitUnsolicited reports a changed EXISTS count on NOOP, the minimal
// polling-based alternative to a push Change subscription (spec §4.5,
// "NOOP"/"IDLE" — unsolicited EXISTS on external changes).
func (c *conn) maybeEmitUnsolicited() {
	entries, err := c.repo.ListEntries(context.Background(), c.mailboxID)
	xcheckf(err, "list entries")
	if len(entries) != c.cache.size() {
		c.cache = newCache(entries)
		c.writelinef("* %d EXISTS", c.cache.size())
	}
}
