package imapserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/gujc71/9Mail/store"
)

func (c *conn) cmdSearch(tag string, p *parser) { c.search(tag, p, false) }
func (c *conn) cmdUIDSearch(tag string, p *parser) { c.search(tag, p, true) }

// search evaluates the spec's reduced SEARCH grammar: ALL, the five flag
// keywords with NOT negation, and SUBJECT/FROM substring keys delegated to
// the repository's indexed search (spec §4.5, "SEARCH").
func (c *conn) search(tag string, p *parser, uidMode bool) {
	var preds []func(store.MailEntry) bool

	// addFlag registers a flag predicate, negating it first if the
	// preceding token was NOT (spec §4.5's "NOT <key>" grammar, e.g.
	// "NOT DELETED" behaving like UNDELETED).
	addFlag := func(negate bool, f func(store.MailEntry) bool) {
		if negate {
			preds = append(preds, func(e store.MailEntry) bool { return !f(e) })
		} else {
			preds = append(preds, f)
		}
	}
	// addUIDSet registers a repository-backed keyword search (SUBJECT/FROM)
	// as a membership predicate, so NOT composes with it the same way it
	// does with the flag keywords above.
	addUIDSet := func(negate bool, uids []uint32) {
		set := make(map[uint32]bool, len(uids))
		for _, u := range uids {
			set[u] = true
		}
		preds = append(preds, func(e store.MailEntry) bool { return set[e.UID] != negate })
	}

	for !p.atEnd() {
		p.skipSpace()
		if p.atEnd() {
			break
		}
		tok := p.xatomOrBracketed()
		upper := strings.ToUpper(tok)
		negate := false
		if upper == "NOT" {
			negate = true
			p.xspace()
			tok = p.xatomOrBracketed()
			upper = strings.ToUpper(tok)
		}
		switch upper {
		case "ALL":
			// Matches everything, so no predicate; NOT ALL matches nothing.
			if negate {
				preds = append(preds, func(store.MailEntry) bool { return false })
			}
		case "SEEN":
			addFlag(negate, func(e store.MailEntry) bool { return e.Flags.Seen })
		case "UNSEEN":
			addFlag(negate, func(e store.MailEntry) bool { return !e.Flags.Seen })
		case "ANSWERED":
			addFlag(negate, func(e store.MailEntry) bool { return e.Flags.Answered })
		case "UNANSWERED":
			addFlag(negate, func(e store.MailEntry) bool { return !e.Flags.Answered })
		case "FLAGGED":
			addFlag(negate, func(e store.MailEntry) bool { return e.Flags.Flagged })
		case "UNFLAGGED":
			addFlag(negate, func(e store.MailEntry) bool { return !e.Flags.Flagged })
		case "DELETED":
			addFlag(negate, func(e store.MailEntry) bool { return e.Flags.Deleted })
		case "UNDELETED":
			addFlag(negate, func(e store.MailEntry) bool { return !e.Flags.Deleted })
		case "DRAFT":
			addFlag(negate, func(e store.MailEntry) bool { return e.Flags.Draft })
		case "UNDRAFT":
			addFlag(negate, func(e store.MailEntry) bool { return !e.Flags.Draft })
		case "SUBJECT":
			p.xspace()
			keyword := p.xastring()
			uids, err := c.repo.SearchBySubject(context.Background(), c.mailboxID, keyword)
			xcheckf(err, "search by subject")
			addUIDSet(negate, uids)
		case "FROM":
			p.xspace()
			keyword := p.xastring()
			uids, err := c.repo.SearchByFrom(context.Background(), c.mailboxID, keyword)
			xcheckf(err, "search by from")
			addUIDSet(negate, uids)
		default:
			// Unrecognized criteria are ignored per spec §4.5, not a syntax
			// error — the token (and any NOT prefix) is simply skipped.
		}
	}

	var matches []string
	for _, e := range c.cache.entries {
		ok := true
		for _, pred := range preds {
			if !pred(e) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if uidMode {
			matches = append(matches, fmt.Sprintf("%d", e.UID))
		} else {
			matches = append(matches, fmt.Sprintf("%d", c.cache.seqOfUID(e.UID)))
		}
	}

	if len(matches) == 0 {
		c.writelinef("* SEARCH")
	} else {
		c.writelinef("* SEARCH %s", strings.Join(matches, " "))
	}
	verb := "SEARCH"
	if uidMode {
		verb = "UID SEARCH"
	}
	c.writelinef("%s OK %s completed", tag, verb)
}
