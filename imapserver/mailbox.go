package imapserver

import (
	"context"
	"strconv"
	"strings"

	"github.com/gujc71/9Mail/store"
)

// cmdSelect and cmdExamine share nearly all their logic; only the resulting
// readonly flag and the tagged completion text differ (spec §4.5).
func (c *conn) cmdSelect(tag string, p *parser) { c.selectMailbox(tag, p, false) }
func (c *conn) cmdExamine(tag string, p *parser) { c.selectMailbox(tag, p, true) }

func (c *conn) selectMailbox(tag string, p *parser, readonly bool) {
	name := p.xastring()
	p.xend()

	mb, err := c.repo.GetMailbox(context.Background(), c.owner, canonicalMailboxPath(name))
	if err != nil {
		if err == store.ErrNotFound {
			xuserErrorf("no such mailbox")
		}
		xcheckf(err, "get mailbox")
	}

	entries, err := c.repo.ListEntries(context.Background(), mb.ID)
	xcheckf(err, "list entries")

	c.mailboxID = mb.ID
	c.mailbox = mb
	c.readonly = readonly
	c.cache = newCache(entries)
	c.state = stateSelected

	c.writelinef(`* FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.writelinef(`* OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft)] permanent flags`)
	c.writelinef("* %d EXISTS", c.cache.size())
	c.writelinef("* 0 RECENT")
	if first := c.cache.firstUnseen(); first > 0 {
		c.writelinef("* OK [UNSEEN %d] first unseen", first)
	}
	c.writelinef("* OK [UIDVALIDITY %d] UIDs valid", mb.UIDValidity)
	c.writelinef("* OK [UIDNEXT %d] next UID", mb.NextUID)

	if readonly {
		c.writelinef("%s OK [READ-ONLY] EXAMINE completed", tag)
	} else {
		c.writelinef("%s OK [READ-WRITE] SELECT completed", tag)
	}
}

func (c *conn) cmdCreate(tag string, p *parser) {
	name := p.xastring()
	p.xend()
	path := canonicalMailboxPath(name)
	if path == "INBOX" {
		xuserErrorf("INBOX always exists")
	}
	_, err := c.repo.CreateMailbox(context.Background(), c.owner, mailboxLeafName(path), path)
	if err == store.ErrExists {
		xuserErrorf("mailbox already exists")
	}
	xcheckf(err, "create mailbox")
	c.writelinef("%s OK CREATE completed", tag)
}

func (c *conn) cmdDelete(tag string, p *parser) {
	name := p.xastring()
	p.xend()
	path := canonicalMailboxPath(name)
	if path == "INBOX" {
		xuserErrorf("INBOX may not be deleted")
	}
	err := c.repo.DeleteMailbox(context.Background(), c.owner, path)
	if err == store.ErrNotFound {
		xuserErrorf("no such mailbox")
	}
	xcheckf(err, "delete mailbox")
	c.writelinef("%s OK DELETE completed", tag)
}

func (c *conn) cmdRename(tag string, p *parser) {
	oldName := p.xastring()
	p.xspace()
	newName := p.xastring()
	p.xend()
	oldPath, newPath := canonicalMailboxPath(oldName), canonicalMailboxPath(newName)
	if oldPath == "INBOX" {
		xuserErrorf("INBOX may not be renamed")
	}
	err := c.repo.RenameMailbox(context.Background(), c.owner, oldPath, newPath)
	if err == store.ErrNotFound {
		xuserErrorf("no such mailbox")
	} else if err == store.ErrExists {
		xuserErrorf("destination mailbox already exists")
	}
	xcheckf(err, "rename mailbox")
	c.writelinef("%s OK RENAME completed", tag)
}

// cmdSubscribe/cmdUnsubscribe: the spec carries no separate subscription
// list, every mailbox that exists is implicitly subscribed (LSUB and LIST
// return identical results), so these commands only validate the mailbox
// exists before reporting success.
func (c *conn) cmdSubscribe(tag string, p *parser) {
	name := p.xastring()
	p.xend()
	c.mustExist(name)
	c.writelinef("%s OK SUBSCRIBE completed", tag)
}

func (c *conn) cmdUnsubscribe(tag string, p *parser) {
	_ = p.xastring()
	p.xend()
	c.writelinef("%s OK UNSUBSCRIBE completed", tag)
}

func (c *conn) mustExist(name string) store.Mailbox {
	mb, err := c.repo.GetMailbox(context.Background(), c.owner, canonicalMailboxPath(name))
	if err == store.ErrNotFound {
		xuserErrorf("no such mailbox")
	}
	xcheckf(err, "get mailbox")
	return mb
}

func (c *conn) cmdList(tag string, p *parser) { c.list(tag, p, "LIST") }
func (c *conn) cmdLsub(tag string, p *parser) { c.list(tag, p, "LSUB") }

func (c *conn) list(tag string, p *parser, verb string) {
	ref := p.xastring()
	p.xspace()
	pattern := p.xastring()
	p.xend()

	if pattern == "" {
		c.writelinef(`* %s (\Noselect) "." ""`, verb)
		c.writelinef("%s OK %s completed", tag, verb)
		return
	}

	mbs, err := c.repo.ListMailboxesPattern(context.Background(), c.owner, ref, pattern)
	xcheckf(err, "list mailboxes")
	for _, mb := range mbs {
		attrs := specialUseAttr(mb.Path)
		c.writelinef(`* %s (%s) "." %s`, verb, attrs, quoteMailboxName(mb.Path))
	}
	c.writelinef("%s OK %s completed", tag, verb)
}

func specialUseAttr(path string) string {
	switch path {
	case "Sent":
		return `\Sent`
	case "Drafts":
		return `\Drafts`
	case "Trash":
		return `\Trash`
	case "Junk":
		return `\Junk`
	default:
		return ""
	}
}

func (c *conn) cmdStatus(tag string, p *parser) {
	name := p.xastring()
	p.xspace()
	items := xparenList(p, func(p *parser) string { return p.xword() })
	p.xend()

	mb := c.mustExist(name)
	entries, err := c.repo.ListEntries(context.Background(), mb.ID)
	xcheckf(err, "list entries")
	cch := newCache(entries)

	var parts []string
	for _, item := range items {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			parts = append(parts, "MESSAGES "+strconv.Itoa(cch.size()))
		case "UNSEEN":
			parts = append(parts, "UNSEEN "+strconv.Itoa(cch.unreadCount()))
		case "UIDNEXT":
			parts = append(parts, "UIDNEXT "+strconv.FormatUint(uint64(mb.NextUID), 10))
		case "UIDVALIDITY":
			parts = append(parts, "UIDVALIDITY "+strconv.FormatUint(uint64(mb.UIDValidity), 10))
		case "RECENT":
			parts = append(parts, "RECENT 0")
		default:
			xsyntaxErrorf("unknown STATUS item %q", item)
		}
	}
	c.writelinef("* STATUS %s (%s)", quoteMailboxName(mb.Path), strings.Join(parts, " "))
	c.writelinef("%s OK STATUS completed", tag)
}

func (c *conn) cmdAppend(tag string, p *parser) {
	name := p.xastring()
	p.xspace()

	var flags store.Flags
	if b, ok := p.peekByte(); ok && b == '(' {
		tokens := xparenList(p, func(p *parser) string { return p.xword() })
		p.xspace()
		for _, t := range tokens {
			flags = flags.Set(t, true)
		}
	} else {
		flags.Seen = true // spec §4.5: APPEND with no flag list defaults to \Seen.
	}

	if b, ok := p.peekByte(); ok && b == '"' {
		p.xquoted()
		p.xspace()
	}

	raw := []byte(p.xliteral())
	p.xend()

	path := canonicalMailboxPath(name)
	msgID, uidValidity, uid, err := c.repo.AppendToMailbox(context.Background(), c.owner, path, raw, flags)
	if err == store.ErrNotFound {
		xusercodeErrorf("TRYCREATE", "no such mailbox")
	}
	xcheckf(err, "append")
	_ = msgID

	if c.mailboxID != 0 && c.mailbox.Path == path {
		c.refreshCache()
	}
	c.writelinef("%s OK [APPENDUID %d %d] APPEND completed", tag, uidValidity, uid)
}

func (c *conn) refreshCache() {
	entries, err := c.repo.ListEntries(context.Background(), c.mailboxID)
	xcheckf(err, "list entries")
	c.cache = newCache(entries)
}

// canonicalMailboxPath upper-cases the leading INBOX segment per spec §3
// ("INBOX is case-insensitive"); nested paths keep their case.
func canonicalMailboxPath(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func mailboxLeafName(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func quoteMailboxName(path string) string {
	if !strings.ContainsAny(path, ` "\`) {
		return `"` + path + `"`
	}
	var sb strings.Builder
	sb.WriteByte('"')
	for i := 0; i < len(path); i++ {
		if path[i] == '"' || path[i] == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(path[i])
	}
	sb.WriteByte('"')
	return sb.String()
}
