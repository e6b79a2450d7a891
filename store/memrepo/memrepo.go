// Package memrepo is an in-memory store.Repository, used by engine tests in
// place of a real backend. Grounded on the teacher's own test doubles (mox
// tests construct throwaway bstore-backed accounts in a temp dir per test;
// here we skip the disk entirely since the spec's Repository interface is
// explicitly meant to be backend-agnostic and test-friendly).
package memrepo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gujc71/9Mail/store"
)

func newByteReader(b []byte) io.Reader { return bytes.NewReader(b) }

// Repository is a mutex-guarded in-memory store.Repository.
type Repository struct {
	mu sync.Mutex

	localDomains map[string]bool
	trustedIPs   map[string]bool
	requireAuth  bool

	users    map[string]store.User // key: lower-case email
	mailbox  map[int64]*store.Mailbox
	mboxByKey map[string]int64 // key: owner+"\x00"+path
	entries  map[int64]*store.MailEntry
	messages map[int64]*store.Message
	blobs    map[int64][]byte

	nextMailboxID int64
	nextMessageID int64
	nextEntryID   int64
}

// New builds an empty repository. localDomains are matched case-insensitively;
// trustedIPs are permitted to relay without authentication.
func New(localDomains []string, trustedIPs []string) *Repository {
	r := &Repository{
		localDomains: map[string]bool{},
		trustedIPs:   map[string]bool{},
		users:        map[string]store.User{},
		mailbox:      map[int64]*store.Mailbox{},
		mboxByKey:    map[string]int64{},
		entries:      map[int64]*store.MailEntry{},
		messages:     map[int64]*store.Message{},
		blobs:        map[int64][]byte{},
	}
	for _, d := range localDomains {
		r.localDomains[strings.ToLower(d)] = true
	}
	for _, ip := range trustedIPs {
		r.trustedIPs[ip] = true
	}
	return r
}

// SetRequireAuth stores the require-auth flag. No method of this repository
// reads it; CanRelayExternal consults only authentication and the trusted-IP
// list.
func (r *Repository) SetRequireAuth(v bool) { r.requireAuth = v }

// AddUser registers a user with a plaintext password (digested here for the
// caller's convenience — production callers of Authenticate pass an
// already-digested password per spec §3).
func (r *Repository) AddUser(email, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := sha256.Sum256([]byte(password))
	r.users[strings.ToLower(email)] = store.User{
		Email:              email,
		PasswordSHA256Hex:  hex.EncodeToString(sum[:]),
		Active:             true,
	}
}

func domainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

func (r *Repository) Authenticate(ctx context.Context, user, password string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[strings.ToLower(user)]
	if !ok || !u.Active {
		return false, nil
	}
	return u.PasswordSHA256Hex == password, nil
}

func (r *Repository) UserExists(ctx context.Context, email string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[strings.ToLower(email)]
	return ok && u.Active, nil
}

func (r *Repository) DomainIsLocal(ctx context.Context, domain string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localDomains[strings.ToLower(domain)], nil
}

func (r *Repository) RelayAllowed(ctx context.Context, remoteIP string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trustedIPs[remoteIP], nil
}

func (r *Repository) CanRelayExternal(ctx context.Context, authenticated bool, remoteIP string) (bool, error) {
	if authenticated {
		return true, nil
	}
	return r.RelayAllowed(ctx, remoteIP)
}

func mboxKey(owner, path string) string { return strings.ToLower(owner) + "\x00" + canonPath(path) }

// canonPath canonicalizes INBOX to upper-case (case-insensitively matched),
// per spec §3.
func canonPath(path string) string {
	if strings.EqualFold(path, "INBOX") {
		return "INBOX"
	}
	return path
}

func (r *Repository) GetMailbox(ctx context.Context, owner, path string) (store.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.mboxByKey[mboxKey(owner, path)]
	if !ok {
		return store.Mailbox{}, store.ErrNotFound
	}
	return *r.mailbox[id], nil
}

func (r *Repository) ListMailboxes(ctx context.Context, owner string) ([]store.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Mailbox
	for _, mb := range r.mailbox {
		if strings.EqualFold(mb.Owner, owner) {
			out = append(out, *mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListMailboxesPattern implements LIST's wildcard matching: "*" and "%" both
// map to a glob on the stored path (spec §4.5 — flat namespace, no
// hierarchy-boundary distinction between the two wildcards).
func (r *Repository) ListMailboxesPattern(ctx context.Context, owner, ref, pattern string) ([]store.Mailbox, error) {
	all, err := r.ListMailboxes(ctx, owner)
	if err != nil {
		return nil, err
	}
	full := ref + pattern
	var out []store.Mailbox
	for _, mb := range all {
		if globMatch(full, mb.Path) {
			out = append(out, mb)
		}
	}
	return out, nil
}

// globMatch matches pattern (with "*" = any run of characters, "%" = any
// run of characters, both treated identically in our flat namespace) against
// name, case-insensitively.
func globMatch(pattern, name string) bool {
	pattern = strings.ToUpper(pattern)
	name = strings.ToUpper(name)
	return globMatchRec(pattern, name)
}

func globMatchRec(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*', '%':
		if globMatchRec(pattern[1:], name) {
			return true
		}
		for i := 0; i < len(name); i++ {
			if globMatchRec(pattern[1:], name[i+1:]) {
				return true
			}
		}
		return false
	default:
		if name == "" || pattern[0] != name[0] {
			return false
		}
		return globMatchRec(pattern[1:], name[1:])
	}
}

func (r *Repository) CreateMailbox(ctx context.Context, owner, name, path string) (store.Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := mboxKey(owner, path)
	if _, ok := r.mboxByKey[key]; ok {
		return store.Mailbox{}, store.ErrExists
	}
	r.nextMailboxID++
	mb := &store.Mailbox{
		ID:          r.nextMailboxID,
		Owner:       owner,
		Name:        name,
		Path:        canonPath(path),
		NextUID:     1,
		UIDValidity: uint32(time.Now().Unix()),
	}
	r.mailbox[mb.ID] = mb
	r.mboxByKey[key] = mb.ID
	return *mb, nil
}

func (r *Repository) RenameMailbox(ctx context.Context, owner, oldPath, newPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldKey := mboxKey(owner, oldPath)
	id, ok := r.mboxByKey[oldKey]
	if !ok {
		return store.ErrNotFound
	}
	newKey := mboxKey(owner, newPath)
	if _, ok := r.mboxByKey[newKey]; ok {
		return store.ErrExists
	}
	delete(r.mboxByKey, oldKey)
	r.mboxByKey[newKey] = id
	r.mailbox[id].Path = canonPath(newPath)
	r.mailbox[id].Name = newPath
	return nil
}

func (r *Repository) DeleteMailbox(ctx context.Context, owner, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.EqualFold(path, "INBOX") {
		return fmt.Errorf("store: INBOX cannot be deleted")
	}
	key := mboxKey(owner, path)
	id, ok := r.mboxByKey[key]
	if !ok {
		return store.ErrNotFound
	}
	delete(r.mboxByKey, key)
	delete(r.mailbox, id)
	for eid, e := range r.entries {
		if e.MailboxID == id {
			delete(r.entries, eid)
		}
	}
	return nil
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

func (r *Repository) NextUID(ctx context.Context, mailboxID int64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mb, ok := r.mailbox[mailboxID]
	if !ok {
		return 0, store.ErrNotFound
	}
	uid := mb.NextUID
	mb.NextUID++
	return uid, nil
}

func extractMessageID(raw []byte) string {
	msg, err := mail.ReadMessage(newByteReader(raw))
	if err == nil {
		if id := strings.TrimSpace(msg.Header.Get("Message-Id")); id != "" {
			return id
		}
	}
	return fmt.Sprintf("<%x@generated>", sha256.Sum256(raw))
}

func extractSubject(raw []byte) string {
	msg, err := mail.ReadMessage(newByteReader(raw))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Subject")
}

func (r *Repository) insertMessageLocked(raw []byte, sender, primaryRecipient string) *store.Message {
	r.nextMessageID++
	id := r.nextMessageID
	msg := &store.Message{
		ID:               id,
		MessageID:        extractMessageID(raw),
		Subject:          extractSubject(raw),
		Sender:           sender,
		SendDate:         time.Now(),
		PrimaryRecipient: primaryRecipient,
		BlobPath:         fmt.Sprintf("mem://%d", id),
	}
	r.messages[id] = msg
	r.blobs[id] = raw
	return msg
}

func (r *Repository) appendEntryLocked(mailboxID int64, messageID int64, flags store.Flags, size int64) (store.MailEntry, error) {
	mb, ok := r.mailbox[mailboxID]
	if !ok {
		return store.MailEntry{}, store.ErrNotFound
	}
	uid := mb.NextUID
	mb.NextUID++
	mb.MailCount++
	mb.TotalSize += size
	r.nextEntryID++
	e := &store.MailEntry{
		ID:          r.nextEntryID,
		MessageID:   messageID,
		MailboxID:   mailboxID,
		UID:         uid,
		ReceiveDate: time.Now(),
		Flags:       flags,
		Size:        size,
	}
	r.entries[e.ID] = e
	return *e, nil
}

func (r *Repository) AppendToMailbox(ctx context.Context, owner, path string, raw []byte, flags store.Flags) (int64, uint32, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.mboxByKey[mboxKey(owner, path)]
	if !ok {
		return 0, 0, 0, store.ErrNotFound
	}
	msg := r.insertMessageLocked(raw, owner, owner)
	entry, err := r.appendEntryLocked(id, msg.ID, flags, int64(len(raw)))
	if err != nil {
		return 0, 0, 0, err
	}
	return msg.ID, r.mailbox[id].UIDValidity, entry.UID, nil
}

func (r *Repository) ProcessIncoming(ctx context.Context, raw []byte, sender string, rcpts []string) (string, error) {
	r.mu.Lock()
	msg := r.insertMessageLocked(raw, sender, firstOr(rcpts, ""))
	messageID := msg.MessageID
	r.mu.Unlock()

	for _, rcpt := range rcpts {
		domain := domainOf(rcpt)
		local, _ := r.DomainIsLocal(ctx, domain)
		if !local {
			continue // non-local: an outbound-relay queue would pick this up; out of scope here.
		}
		if err := r.EnsureDefaultMailboxes(ctx, rcpt); err != nil {
			return "", err
		}
		r.mu.Lock()
		inboxID, ok := r.mboxByKey[mboxKey(rcpt, "INBOX")]
		if !ok {
			r.mu.Unlock()
			continue
		}
		_, err := r.appendEntryLocked(inboxID, msg.ID, store.Flags{}, int64(len(raw)))
		r.mu.Unlock()
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
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.MailEntry
	for _, e := range r.entries {
		if e.MailboxID == mailboxID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (r *Repository) EntryByUID(ctx context.Context, mailboxID int64, uid uint32) (store.MailEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.MailboxID == mailboxID && e.UID == uid {
			return *e, nil
		}
	}
	return store.MailEntry{}, store.ErrNotFound
}

func (r *Repository) Count(ctx context.Context, mailboxID int64) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total, unread := 0, 0
	for _, e := range r.entries {
		if e.MailboxID == mailboxID {
			total++
			if !e.Flags.Seen {
				unread++
			}
		}
	}
	return total, unread, nil
}

func (r *Repository) UpdateFlags(ctx context.Context, entryID int64, flags store.Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[entryID]
	if !ok {
		return store.ErrNotFound
	}
	e.Flags = flags
	return nil
}

func (r *Repository) Blob(ctx context.Context, messageID int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[messageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (r *Repository) Copy(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var src *store.MailEntry
	for _, e := range r.entries {
		if e.MailboxID == srcMailbox && e.UID == uid {
			src = e
			break
		}
	}
	if src == nil {
		return 0, store.ErrNotFound
	}
	flags := src.Flags
	flags.Deleted = false
	entry, err := r.appendEntryLocked(dstMailbox, src.MessageID, flags, src.Size)
	if err != nil {
		return 0, err
	}
	return entry.UID, nil
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
	r.mu.Lock()
	for id, e := range r.entries {
		if e.MailboxID == srcMailbox && e.UID == uid {
			delete(r.entries, id)
			if mb, ok := r.mailbox[srcMailbox]; ok {
				mb.MailCount--
				mb.TotalSize -= e.Size
			}
			break
		}
	}
	r.mu.Unlock()
	return newUID, nil
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
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []store.MailEntry
	for id, e := range r.entries {
		if e.MailboxID != mailboxID || !e.Flags.Deleted {
			continue
		}
		if restrictTo != nil && !restrictTo[e.UID] {
			continue
		}
		removed = append(removed, *e)
		delete(r.entries, id)
		if mb, ok := r.mailbox[mailboxID]; ok {
			mb.MailCount--
			mb.TotalSize -= e.Size
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].UID < removed[j].UID })
	return removed, nil
}

func (r *Repository) SearchBySubject(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error) {
	return r.search(ctx, mailboxID, keyword, func(m *store.Message) string { return m.Subject })
}

func (r *Repository) SearchByFrom(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error) {
	return r.search(ctx, mailboxID, keyword, func(m *store.Message) string { return m.Sender })
}

func (r *Repository) search(ctx context.Context, mailboxID int64, keyword string, field func(*store.Message) string) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keyword = strings.ToLower(keyword)
	var uids []uint32
	for _, e := range r.entries {
		if e.MailboxID != mailboxID {
			continue
		}
		msg, ok := r.messages[e.MessageID]
		if !ok {
			continue
		}
		if strings.Contains(strings.ToLower(field(msg)), keyword) {
			uids = append(uids, e.UID)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}
