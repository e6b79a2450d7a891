// Package bstorerepo is the default store.Repository backend: a single
// embedded bbolt database accessed through mjl-/bstore, one row type per
// domain type, mirroring the teacher's store/account.go index.db layout
// (one bstore-backed file holding user, mailbox, and message tables) but
// flattened to the spec's simpler single-tenant-per-repository data model
// instead of mox's per-account database-per-user layout.
package bstorerepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/gujc71/9Mail/store"
)

// dbUser, dbMailbox, dbMessage, dbEntry are the bstore row types. Field tags
// follow the teacher's bstore usage: "nonzero,unique" for natural keys,
// plain indexes for lookup columns.
type dbUser struct {
	Email             string `bstore:"nonzero,unique"`
	PasswordSHA256Hex string
	Active            bool
}

type dbMailbox struct {
	ID          int64 `bstore:"nonzero,unique"`
	Owner       string
	Path        string
	Name        string
	NextUID     uint32
	UIDValidity uint32
	MailCount   int
	TotalSize   int64
}

type dbMessage struct {
	ID               int64 `bstore:"nonzero,unique"`
	MessageID        string
	Subject          string
	Sender           string
	SendDate         time.Time
	PrimaryRecipient string
	BlobPath         string
}

type dbEntry struct {
	ID          int64 `bstore:"nonzero,unique"`
	MessageID   int64
	MailboxID   int64
	UID         uint32
	ReceiveDate time.Time
	Seen        bool
	Answered    bool
	Flagged     bool
	Deleted     bool
	Draft       bool
	Size        int64
}

type dbBlob struct {
	MessageID int64 `bstore:"nonzero,unique"`
	Data      []byte
}

type dbCounter struct {
	Name string `bstore:"nonzero,unique"` // "mailbox", "message", "entry"
	Next int64
}

var dbTypes = []any{dbUser{}, dbMailbox{}, dbMessage{}, dbEntry{}, dbBlob{}, dbCounter{}}

// Repository is a bstore/bbolt-backed store.Repository.
type Repository struct {
	db *bstore.DB

	// idMu serializes the id-counter allocation and UID allocation, mirroring
	// the teacher's WithWLock per-account write lock (spec §5: UID allocation
	// must be atomic per mailbox; we serialize globally for simplicity, which
	// is a superset of the required guarantee).
	idMu sync.Mutex

	localDomains map[string]bool
	trustedIPs   map[string]bool
}

// Open opens (creating if absent) the bbolt-backed database at path,
// grounded on the teacher's `bstore.Open(ctx, dbpath, &bstore.Options{...}, DBTypes...)`.
func Open(ctx context.Context, path string, localDomains, trustedIPs []string) (*Repository, error) {
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, dbTypes...)
	if err != nil {
		return nil, fmt.Errorf("bstorerepo: open %s: %w", path, err)
	}
	r := &Repository{
		db:           db,
		localDomains: map[string]bool{},
		trustedIPs:   map[string]bool{},
	}
	for _, d := range localDomains {
		r.localDomains[strings.ToLower(d)] = true
	}
	for _, ip := range trustedIPs {
		r.trustedIPs[ip] = true
	}
	return r, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) nextID(tx *bstore.Tx, counter string) (int64, error) {
	var c dbCounter
	c.Name = counter
	err := tx.Get(&c)
	if err == bstore.ErrAbsent {
		c.Next = 1
		return c.Next, tx.Insert(&c)
	}
	if err != nil {
		return 0, err
	}
	c.Next++
	return c.Next, tx.Update(&c)
}

func domainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

func canonPath(path string) string {
	if strings.EqualFold(path, "INBOX") {
		return "INBOX"
	}
	return path
}

func toStoreMailbox(mb dbMailbox) store.Mailbox {
	return store.Mailbox{
		ID: mb.ID, Owner: mb.Owner, Name: mb.Name, Path: mb.Path,
		NextUID: mb.NextUID, UIDValidity: mb.UIDValidity,
		MailCount: mb.MailCount, TotalSize: mb.TotalSize,
	}
}

func toStoreEntry(e dbEntry) store.MailEntry {
	return store.MailEntry{
		ID: e.ID, MessageID: e.MessageID, MailboxID: e.MailboxID, UID: e.UID,
		ReceiveDate: e.ReceiveDate,
		Flags: store.Flags{
			Seen: e.Seen, Answered: e.Answered, Flagged: e.Flagged,
			Deleted: e.Deleted, Draft: e.Draft,
		},
		Size: e.Size,
	}
}

func fromStoreFlags(f store.Flags) (seen, answered, flagged, deleted, draft bool) {
	return f.Seen, f.Answered, f.Flagged, f.Deleted, f.Draft
}

func (r *Repository) Authenticate(ctx context.Context, user, password string) (bool, error) {
	q := bstore.QueryDB[dbUser](ctx, r.db)
	q.FilterEqual("Email", strings.ToLower(user))
	u, err := q.Get()
	if err == bstore.ErrAbsent {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Active && u.PasswordSHA256Hex == password, nil
}

func (r *Repository) UserExists(ctx context.Context, email string) (bool, error) {
	q := bstore.QueryDB[dbUser](ctx, r.db)
	q.FilterEqual("Email", strings.ToLower(email))
	u, err := q.Get()
	if err == bstore.ErrAbsent {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Active, nil
}

func (r *Repository) DomainIsLocal(ctx context.Context, domain string) (bool, error) {
	return r.localDomains[strings.ToLower(domain)], nil
}

func (r *Repository) RelayAllowed(ctx context.Context, remoteIP string) (bool, error) {
	return r.trustedIPs[remoteIP], nil
}

func (r *Repository) CanRelayExternal(ctx context.Context, authenticated bool, remoteIP string) (bool, error) {
	if authenticated {
		return true, nil
	}
	return r.RelayAllowed(ctx, remoteIP)
}

func (r *Repository) mailboxByPath(tx *bstore.Tx, owner, path string) (dbMailbox, error) {
	q := bstore.QueryTx[dbMailbox](tx)
	q.FilterEqual("Owner", owner)
	q.FilterEqual("Path", canonPath(path))
	return q.Get()
}

func (r *Repository) GetMailbox(ctx context.Context, owner, path string) (store.Mailbox, error) {
	var mb dbMailbox
	err := r.db.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		mb, err = r.mailboxByPath(tx, owner, path)
		return err
	})
	if err == bstore.ErrAbsent {
		return store.Mailbox{}, store.ErrNotFound
	}
	if err != nil {
		return store.Mailbox{}, err
	}
	return toStoreMailbox(mb), nil
}

func (r *Repository) ListMailboxes(ctx context.Context, owner string) ([]store.Mailbox, error) {
	var out []store.Mailbox
	err := r.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbMailbox](tx)
		q.FilterEqual("Owner", owner)
		l, err := q.List()
		if err != nil {
			return err
		}
		for _, mb := range l {
			out = append(out, toStoreMailbox(mb))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

func (r *Repository) ListMailboxesPattern(ctx context.Context, owner, ref, pattern string) ([]store.Mailbox, error) {
	all, err := r.ListMailboxes(ctx, owner)
	if err != nil {
		return nil, err
	}
	full := strings.ToUpper(ref + pattern)
	var out []store.Mailbox
	for _, mb := range all {
		if globMatch(full, strings.ToUpper(mb.Path)) {
			out = append(out, mb)
		}
	}
	return out, nil
}

func globMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*', '%':
		if globMatch(pattern[1:], name) {
			return true
		}
		for i := 0; i < len(name); i++ {
			if globMatch(pattern[1:], name[i+1:]) {
				return true
			}
		}
		return false
	default:
		if name == "" || pattern[0] != name[0] {
			return false
		}
		return globMatch(pattern[1:], name[1:])
	}
}

func (r *Repository) CreateMailbox(ctx context.Context, owner, name, path string) (store.Mailbox, error) {
	var mb dbMailbox
	err := r.db.Write(ctx, func(tx *bstore.Tx) error {
		if _, err := r.mailboxByPath(tx, owner, path); err == nil {
			return store.ErrExists
		} else if err != bstore.ErrAbsent {
			return err
		}
		id, err := r.nextID(tx, "mailbox")
		if err != nil {
			return err
		}
		mb = dbMailbox{
			ID: id, Owner: owner, Name: name, Path: canonPath(path),
			NextUID: 1, UIDValidity: uint32(time.Now().Unix()),
		}
		return tx.Insert(&mb)
	})
	if err != nil {
		return store.Mailbox{}, err
	}
	return toStoreMailbox(mb), nil
}

func (r *Repository) RenameMailbox(ctx context.Context, owner, oldPath, newPath string) error {
	return r.db.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := r.mailboxByPath(tx, owner, oldPath)
		if err == bstore.ErrAbsent {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		if _, err := r.mailboxByPath(tx, owner, newPath); err == nil {
			return store.ErrExists
		} else if err != bstore.ErrAbsent {
			return err
		}
		mb.Path = canonPath(newPath)
		mb.Name = newPath
		return tx.Update(&mb)
	})
}

func (r *Repository) DeleteMailbox(ctx context.Context, owner, path string) error {
	if strings.EqualFold(path, "INBOX") {
		return fmt.Errorf("bstorerepo: INBOX cannot be deleted")
	}
	return r.db.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := r.mailboxByPath(tx, owner, path)
		if err == bstore.ErrAbsent {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		qe := bstore.QueryTx[dbEntry](tx)
		qe.FilterEqual("MailboxID", mb.ID)
		if _, err := qe.Delete(); err != nil {
			return err
		}
		return tx.Delete(&mb)
	})
}

func (r *Repository) EnsureDefaultMailboxes(ctx context.Context, owner string) error {
	existing, err := r.ListMailboxes(ctx, owner)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, name := range store.DefaultMailboxes {
		if _, err := r.CreateMailbox(ctx, owner, name, name); err != nil && err != store.ErrExists {
			return err
		}
	}
	return nil
}

// NextUID performs the atomic read-and-increment required by spec §5,
// serialized via idMu in addition to the bstore write transaction so two
// concurrent Repository callers (not just two transactions against the same
// db handle) never observe the same value.
func (r *Repository) NextUID(ctx context.Context, mailboxID int64) (uint32, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	var uid uint32
	err := r.db.Write(ctx, func(tx *bstore.Tx) error {
		var mb dbMailbox
		mb.ID = mailboxID
		if err := tx.Get(&mb); err != nil {
			if err == bstore.ErrAbsent {
				return store.ErrNotFound
			}
			return err
		}
		uid = mb.NextUID
		mb.NextUID++
		return tx.Update(&mb)
	})
	return uid, err
}

func extractMessageID(raw []byte) string {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err == nil {
		if id := strings.TrimSpace(msg.Header.Get("Message-Id")); id != "" {
			return id
		}
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("<%s@generated>", hex.EncodeToString(sum[:8]))
}

func extractSubject(raw []byte) string {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Subject")
}

func (r *Repository) insertMessage(tx *bstore.Tx, raw []byte, sender, primaryRecipient string) (dbMessage, error) {
	id, err := r.nextID(tx, "message")
	if err != nil {
		return dbMessage{}, err
	}
	msg := dbMessage{
		ID: id, MessageID: extractMessageID(raw), Subject: extractSubject(raw),
		Sender: sender, SendDate: time.Now(), PrimaryRecipient: primaryRecipient,
		BlobPath: fmt.Sprintf("bstore:%d", id),
	}
	if err := tx.Insert(&msg); err != nil {
		return dbMessage{}, err
	}
	if err := tx.Insert(&dbBlob{MessageID: id, Data: raw}); err != nil {
		return dbMessage{}, err
	}
	return msg, nil
}

func (r *Repository) appendEntry(tx *bstore.Tx, mailboxID, messageID int64, flags store.Flags, size int64) (dbEntry, error) {
	var mb dbMailbox
	mb.ID = mailboxID
	if err := tx.Get(&mb); err != nil {
		if err == bstore.ErrAbsent {
			return dbEntry{}, store.ErrNotFound
		}
		return dbEntry{}, err
	}
	id, err := r.nextID(tx, "entry")
	if err != nil {
		return dbEntry{}, err
	}
	uid := mb.NextUID
	mb.NextUID++
	mb.MailCount++
	mb.TotalSize += size
	if err := tx.Update(&mb); err != nil {
		return dbEntry{}, err
	}
	seen, answered, flagged, deleted, draft := fromStoreFlags(flags)
	e := dbEntry{
		ID: id, MessageID: messageID, MailboxID: mailboxID, UID: uid,
		ReceiveDate: time.Now(),
		Seen:        seen, Answered: answered, Flagged: flagged, Deleted: deleted, Draft: draft,
		Size: size,
	}
	return e, tx.Insert(&e)
}

func (r *Repository) AppendToMailbox(ctx context.Context, owner, path string, raw []byte, flags store.Flags) (int64, uint32, uint32, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	var messageID int64
	var uidValidity uint32
	var uid uint32
	err := r.db.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := r.mailboxByPath(tx, owner, path)
		if err == bstore.ErrAbsent {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		msg, err := r.insertMessage(tx, raw, owner, owner)
		if err != nil {
			return err
		}
		entry, err := r.appendEntry(tx, mb.ID, msg.ID, flags, int64(len(raw)))
		if err != nil {
			return err
		}
		messageID, uidValidity, uid = msg.ID, mb.UIDValidity, entry.UID
		return nil
	})
	return messageID, uidValidity, uid, err
}

func (r *Repository) ProcessIncoming(ctx context.Context, raw []byte, sender string, rcpts []string) (string, error) {
	r.idMu.Lock()
	var messageID string
	var msg dbMessage
	err := r.db.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		msg, err = r.insertMessage(tx, raw, sender, firstOr(rcpts, ""))
		return err
	})
	r.idMu.Unlock()
	if err != nil {
		return "", err
	}
	messageID = msg.MessageID

	for _, rcpt := range rcpts {
		local, _ := r.DomainIsLocal(ctx, domainOf(rcpt))
		if !local {
			continue
		}
		if err := r.EnsureDefaultMailboxes(ctx, rcpt); err != nil {
			return "", err
		}
		r.idMu.Lock()
		err := r.db.Write(ctx, func(tx *bstore.Tx) error {
			mb, err := r.mailboxByPath(tx, rcpt, "INBOX")
			if err != nil {
				return err
			}
			_, err = r.appendEntry(tx, mb.ID, msg.ID, store.Flags{}, int64(len(raw)))
			return err
		})
		r.idMu.Unlock()
		if err != nil {
			return "", err
		}
	}
	return messageID, nil
}

func firstOr(s []string, def string) string {
	if len(s) > 0 {
		return s[0]
	}
	return def
}

func (r *Repository) ListEntries(ctx context.Context, mailboxID int64) ([]store.MailEntry, error) {
	var out []store.MailEntry
	err := r.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbEntry](tx)
		q.FilterEqual("MailboxID", mailboxID)
		q.SortAsc("UID")
		l, err := q.List()
		if err != nil {
			return err
		}
		for _, e := range l {
			out = append(out, toStoreEntry(e))
		}
		return nil
	})
	return out, err
}

func (r *Repository) EntryByUID(ctx context.Context, mailboxID int64, uid uint32) (store.MailEntry, error) {
	var e dbEntry
	err := r.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbEntry](tx)
		q.FilterEqual("MailboxID", mailboxID)
		q.FilterEqual("UID", uid)
		var err error
		e, err = q.Get()
		return err
	})
	if err == bstore.ErrAbsent {
		return store.MailEntry{}, store.ErrNotFound
	}
	if err != nil {
		return store.MailEntry{}, err
	}
	return toStoreEntry(e), nil
}

func (r *Repository) Count(ctx context.Context, mailboxID int64) (int, int, error) {
	entries, err := r.ListEntries(ctx, mailboxID)
	if err != nil {
		return 0, 0, err
	}
	unread := 0
	for _, e := range entries {
		if !e.Flags.Seen {
			unread++
		}
	}
	return len(entries), unread, nil
}

func (r *Repository) UpdateFlags(ctx context.Context, entryID int64, flags store.Flags) error {
	return r.db.Write(ctx, func(tx *bstore.Tx) error {
		var e dbEntry
		e.ID = entryID
		if err := tx.Get(&e); err != nil {
			if err == bstore.ErrAbsent {
				return store.ErrNotFound
			}
			return err
		}
		e.Seen, e.Answered, e.Flagged, e.Deleted, e.Draft = fromStoreFlags(flags)
		return tx.Update(&e)
	})
}

func (r *Repository) Blob(ctx context.Context, messageID int64) ([]byte, error) {
	var b dbBlob
	err := r.db.Read(ctx, func(tx *bstore.Tx) error {
		b.MessageID = messageID
		return tx.Get(&b)
	})
	if err == bstore.ErrAbsent {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b.Data, nil
}

func (r *Repository) Copy(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (uint32, error) {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	var newUID uint32
	err := r.db.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbEntry](tx)
		q.FilterEqual("MailboxID", srcMailbox)
		q.FilterEqual("UID", uid)
		src, err := q.Get()
		if err == bstore.ErrAbsent {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		flags := toStoreEntry(src).Flags
		flags.Deleted = false
		entry, err := r.appendEntry(tx, dstMailbox, src.MessageID, flags, src.Size)
		if err != nil {
			return err
		}
		newUID = entry.UID
		return nil
	})
	return newUID, err
}

// Move copies the entry into dstMailbox and immediately removes the source
// row, matching the unsolicited EXPUNGE the IMAP engine sends for it (spec
// §4.5 MOVE: "source mailbox now has entries with UIDs ..." — the moved
// message is gone from the source, not merely flagged \Deleted).
func (r *Repository) Move(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (uint32, error) {
	newUID, err := r.Copy(ctx, srcMailbox, uid, dstMailbox)
	if err != nil {
		return 0, err
	}
	err = r.db.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbEntry](tx)
		q.FilterEqual("MailboxID", srcMailbox)
		q.FilterEqual("UID", uid)
		e, err := q.Get()
		if err != nil {
			return err
		}
		if err := tx.Delete(&e); err != nil {
			return err
		}
		var mb dbMailbox
		mb.ID = srcMailbox
		if tx.Get(&mb) == nil {
			mb.MailCount--
			mb.TotalSize -= e.Size
			return tx.Update(&mb)
		}
		return nil
	})
	return newUID, err
}

func (r *Repository) Expunge(ctx context.Context, mailboxID int64) ([]store.MailEntry, error) {
	return r.expunge(ctx, mailboxID, nil)
}

func (r *Repository) ExpungeUIDs(ctx context.Context, mailboxID int64, uids []uint32) ([]store.MailEntry, error) {
	set := map[uint32]bool{}
	for _, u := range uids {
		set[u] = true
	}
	return r.expunge(ctx, mailboxID, set)
}

func (r *Repository) expunge(ctx context.Context, mailboxID int64, restrictTo map[uint32]bool) ([]store.MailEntry, error) {
	var removed []store.MailEntry
	err := r.db.Write(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbEntry](tx)
		q.FilterEqual("MailboxID", mailboxID)
		q.FilterEqual("Deleted", true)
		l, err := q.List()
		if err != nil {
			return err
		}
		var mb dbMailbox
		mb.ID = mailboxID
		haveMb := tx.Get(&mb) == nil
		for _, e := range l {
			if restrictTo != nil && !restrictTo[e.UID] {
				continue
			}
			removed = append(removed, toStoreEntry(e))
			if err := tx.Delete(&e); err != nil {
				return err
			}
			if haveMb {
				mb.MailCount--
				mb.TotalSize -= e.Size
			}
		}
		if haveMb && len(removed) > 0 {
			if err := tx.Update(&mb); err != nil {
				return err
			}
		}
		return nil
	})
	sort.Slice(removed, func(i, j int) bool { return removed[i].UID < removed[j].UID })
	return removed, err
}

func (r *Repository) SearchBySubject(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error) {
	return r.search(ctx, mailboxID, keyword, func(m dbMessage) string { return m.Subject })
}

func (r *Repository) SearchByFrom(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error) {
	return r.search(ctx, mailboxID, keyword, func(m dbMessage) string { return m.Sender })
}

func (r *Repository) search(ctx context.Context, mailboxID int64, keyword string, field func(dbMessage) string) ([]uint32, error) {
	keyword = strings.ToLower(keyword)
	var uids []uint32
	err := r.db.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[dbEntry](tx)
		q.FilterEqual("MailboxID", mailboxID)
		entries, err := q.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			var m dbMessage
			m.ID = e.MessageID
			if err := tx.Get(&m); err != nil {
				continue
			}
			if strings.Contains(strings.ToLower(field(m)), keyword) {
				uids = append(uids, e.UID)
			}
		}
		return nil
	})
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, err
}
