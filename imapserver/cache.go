package imapserver

import (
	"sort"

	"github.com/gujc71/9Mail/store"
)

// cache is the per-connection session cache (spec component C6): a
// UID-ascending ordered view of the selected mailbox's entries plus a
// UID→position index, rebuilt on SELECT/EXAMINE and after MOVE/EXPUNGE.
// Grounded on the teacher's conn.uids ("UIDs known in this session, sorted")
// in imapserver/server.go, generalized to hold full MailEntry rows since
// this core has no separate message-header cache to consult.
type cache struct {
	entries []store.MailEntry
	byUID   map[uint32]int // UID -> index into entries.
}

func newCache(entries []store.MailEntry) *cache {
	sort.Slice(entries, func(i, j int) bool { return entries[i].UID < entries[j].UID })
	c := &cache{entries: entries, byUID: make(map[uint32]int, len(entries))}
	for i, e := range entries {
		c.byUID[e.UID] = i
	}
	return c
}

func (c *cache) size() int { return len(c.entries) }

// bySeq returns the entry at 1-based sequence number seq, or false if out of
// range.
func (c *cache) bySeq(seq int) (store.MailEntry, bool) {
	if seq < 1 || seq > len(c.entries) {
		return store.MailEntry{}, false
	}
	return c.entries[seq-1], true
}

// byUIDEntry returns the entry with the given UID, or false if absent from
// this session's cache.
func (c *cache) byUIDEntry(uid uint32) (store.MailEntry, bool) {
	i, ok := c.byUID[uid]
	if !ok {
		return store.MailEntry{}, false
	}
	return c.entries[i], true
}

// seqOfUID returns the 1-based sequence number of uid, or 0 if absent.
func (c *cache) seqOfUID(uid uint32) int {
	i, ok := c.byUID[uid]
	if !ok {
		return 0
	}
	return i + 1
}

// maxUID returns the highest UID currently in the cache, or 0 if empty — the
// resolution of "*" in a UID-mode sequence set.
func (c *cache) maxUID() uint32 {
	if len(c.entries) == 0 {
		return 0
	}
	return c.entries[len(c.entries)-1].UID
}

// firstUnseen returns the 1-based sequence number of the first entry without
// \Seen, or 0 if none.
func (c *cache) firstUnseen() int {
	for i, e := range c.entries {
		if !e.Flags.Seen {
			return i + 1
		}
	}
	return 0
}

func (c *cache) unreadCount() int {
	n := 0
	for _, e := range c.entries {
		if !e.Flags.Seen {
			n++
		}
	}
	return n
}
