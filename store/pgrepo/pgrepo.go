// Package pgrepo is a Postgres-backed store.Repository, an alternate
// backend to store/bstorerepo for deployments that already run Postgres.
// Grounded on migadu-sora's db package: a pgxpool.Pool, explicit
// transactions via tx.Query/tx.QueryRow, and — most directly — sora's
// db/append.go atomic-UID pattern
// (`UPDATE mailboxes SET highest_uid = highest_uid + $1 ... RETURNING
// highest_uid`), adapted here to increment by one per NextUID call.
package pgrepo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gujc71/9Mail/store"
)

// Repository is a pgxpool-backed store.Repository.
type Repository struct {
	pool         *pgxpool.Pool
	localDomains map[string]bool
	trustedIPs   map[string]bool
}

// schema is applied once at Open, matching sora's pattern of the daemon
// owning its own schema rather than requiring an external migration tool
// for this core (spec has no migration-tooling requirement).
const schema = `
CREATE TABLE IF NOT EXISTS users (
	email text PRIMARY KEY,
	password_sha256_hex text NOT NULL,
	active boolean NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS mailboxes (
	id bigserial PRIMARY KEY,
	owner text NOT NULL,
	name text NOT NULL,
	path text NOT NULL,
	next_uid bigint NOT NULL DEFAULT 1,
	uid_validity bigint NOT NULL,
	mail_count integer NOT NULL DEFAULT 0,
	total_size bigint NOT NULL DEFAULT 0,
	UNIQUE (owner, path)
);
CREATE TABLE IF NOT EXISTS messages (
	id bigserial PRIMARY KEY,
	message_id text NOT NULL,
	subject text NOT NULL DEFAULT '',
	sender text NOT NULL DEFAULT '',
	send_date timestamptz NOT NULL DEFAULT now(),
	primary_recipient text NOT NULL DEFAULT '',
	blob text NOT NULL
);
CREATE TABLE IF NOT EXISTS mail_entries (
	id bigserial PRIMARY KEY,
	message_id bigint NOT NULL REFERENCES messages(id),
	mailbox_id bigint NOT NULL REFERENCES mailboxes(id),
	uid bigint NOT NULL,
	receive_date timestamptz NOT NULL DEFAULT now(),
	seen boolean NOT NULL DEFAULT false,
	answered boolean NOT NULL DEFAULT false,
	flagged boolean NOT NULL DEFAULT false,
	deleted boolean NOT NULL DEFAULT false,
	draft boolean NOT NULL DEFAULT false,
	size bigint NOT NULL DEFAULT 0,
	UNIQUE (mailbox_id, uid)
);
`

// Open connects to Postgres and applies schema (idempotent).
func Open(ctx context.Context, dsn string, localDomains, trustedIPs []string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgrepo: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("pgrepo: apply schema: %w", err)
	}
	r := &Repository{pool: pool, localDomains: map[string]bool{}, trustedIPs: map[string]bool{}}
	for _, d := range localDomains {
		r.localDomains[strings.ToLower(d)] = true
	}
	for _, ip := range trustedIPs {
		r.trustedIPs[ip] = true
	}
	return r, nil
}

func (r *Repository) Close() { r.pool.Close() }

func canonPath(path string) string {
	if strings.EqualFold(path, "INBOX") {
		return "INBOX"
	}
	return path
}

func domainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

func (r *Repository) Authenticate(ctx context.Context, user, password string) (bool, error) {
	var digest string
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT password_sha256_hex, active FROM users WHERE lower(email) = lower($1)`, user).Scan(&digest, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active && digest == password, nil
}

func (r *Repository) UserExists(ctx context.Context, email string) (bool, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM users WHERE lower(email) = lower($1)`, email).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
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

func scanMailbox(row pgx.Row) (store.Mailbox, error) {
	var mb store.Mailbox
	err := row.Scan(&mb.ID, &mb.Owner, &mb.Name, &mb.Path, &mb.NextUID, &mb.UIDValidity, &mb.MailCount, &mb.TotalSize)
	return mb, err
}

const mailboxCols = `id, owner, name, path, next_uid, uid_validity, mail_count, total_size`

func (r *Repository) GetMailbox(ctx context.Context, owner, path string) (store.Mailbox, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE owner = $1 AND path = $2`, owner, canonPath(path))
	mb, err := scanMailbox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Mailbox{}, store.ErrNotFound
	}
	return mb, err
}

func (r *Repository) ListMailboxes(ctx context.Context, owner string) ([]store.Mailbox, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+mailboxCols+` FROM mailboxes WHERE owner = $1 ORDER BY path`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Mailbox
	for rows.Next() {
		mb, err := scanMailbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mb)
	}
	return out, rows.Err()
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
	row := r.pool.QueryRow(ctx,
		`INSERT INTO mailboxes (owner, name, path, next_uid, uid_validity) VALUES ($1, $2, $3, 1, $4)
		 ON CONFLICT (owner, path) DO NOTHING
		 RETURNING `+mailboxCols,
		owner, name, canonPath(path), uint32(time.Now().Unix()))
	mb, err := scanMailbox(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Mailbox{}, store.ErrExists
	}
	return mb, err
}

func (r *Repository) RenameMailbox(ctx context.Context, owner, oldPath, newPath string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE mailboxes SET path = $1, name = $1 WHERE owner = $2 AND path = $3`, canonPath(newPath), owner, canonPath(oldPath))
	if err != nil {
		if strings.Contains(err.Error(), "unique") {
			return store.ErrExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) DeleteMailbox(ctx context.Context, owner, path string) error {
	if strings.EqualFold(path, "INBOX") {
		return fmt.Errorf("pgrepo: INBOX cannot be deleted")
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	var id int64
	if err := tx.QueryRow(ctx, `SELECT id FROM mailboxes WHERE owner = $1 AND path = $2`, owner, canonPath(path)).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mail_entries WHERE mailbox_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mailboxes WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
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

// NextUID mirrors sora's atomic `UPDATE ... SET highest_uid = highest_uid +
// $1 RETURNING highest_uid` idiom, incrementing by one and returning the
// pre-increment value (the UID being allocated).
func (r *Repository) NextUID(ctx context.Context, mailboxID int64) (uint32, error) {
	var next uint32
	err := r.pool.QueryRow(ctx, `UPDATE mailboxes SET next_uid = next_uid + 1 WHERE id = $1 RETURNING next_uid - 1`, mailboxID).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return next, err
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

func insertMessage(ctx context.Context, tx pgx.Tx, raw []byte, sender, primaryRecipient string) (int64, string, error) {
	var id int64
	messageID := extractMessageID(raw)
	err := tx.QueryRow(ctx,
		`INSERT INTO messages (message_id, subject, sender, primary_recipient, blob) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		messageID, extractSubject(raw), sender, primaryRecipient, string(raw)).Scan(&id)
	return id, messageID, err
}

func appendEntry(ctx context.Context, tx pgx.Tx, mailboxID, messageID int64, flags store.Flags, size int64) (uint32, error) {
	var uid uint32
	if err := tx.QueryRow(ctx, `UPDATE mailboxes SET next_uid = next_uid + 1, mail_count = mail_count + 1, total_size = total_size + $2 WHERE id = $1 RETURNING next_uid - 1`, mailboxID, size).Scan(&uid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO mail_entries (message_id, mailbox_id, uid, seen, answered, flagged, deleted, draft, size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		messageID, mailboxID, uid, flags.Seen, flags.Answered, flags.Flagged, flags.Deleted, flags.Draft, size)
	return uid, err
}

func (r *Repository) AppendToMailbox(ctx context.Context, owner, path string, raw []byte, flags store.Flags) (int64, uint32, uint32, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	defer tx.Rollback(ctx)

	var mailboxID int64
	var uidValidity uint32
	if err := tx.QueryRow(ctx, `SELECT id, uid_validity FROM mailboxes WHERE owner = $1 AND path = $2`, owner, canonPath(path)).Scan(&mailboxID, &uidValidity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, 0, store.ErrNotFound
		}
		return 0, 0, 0, err
	}
	messageID, _, err := insertMessage(ctx, tx, raw, owner, owner)
	if err != nil {
		return 0, 0, 0, err
	}
	uid, err := appendEntry(ctx, tx, mailboxID, messageID, flags, int64(len(raw)))
	if err != nil {
		return 0, 0, 0, err
	}
	return messageID, uidValidity, uid, tx.Commit(ctx)
}

func (r *Repository) ProcessIncoming(ctx context.Context, raw []byte, sender string, rcpts []string) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	messageID, rfcMessageID, err := insertMessage(ctx, tx, raw, sender, firstOr(rcpts, ""))
	if err != nil {
		tx.Rollback(ctx)
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	for _, rcpt := range rcpts {
		local, _ := r.DomainIsLocal(ctx, domainOf(rcpt))
		if !local {
			continue
		}
		if err := r.EnsureDefaultMailboxes(ctx, rcpt); err != nil {
			return "", err
		}
		inbox, err := r.GetMailbox(ctx, rcpt, "INBOX")
		if err != nil {
			continue
		}
		itx, err := r.pool.Begin(ctx)
		if err != nil {
			return "", err
		}
		if _, err := appendEntry(ctx, itx, inbox.ID, messageID, store.Flags{}, int64(len(raw))); err != nil {
			itx.Rollback(ctx)
			return "", err
		}
		if err := itx.Commit(ctx); err != nil {
			return "", err
		}
	}
	return rfcMessageID, nil
}

func firstOr(s []string, def string) string {
	if len(s) > 0 {
		return s[0]
	}
	return def
}

const entryCols = `id, message_id, mailbox_id, uid, receive_date, seen, answered, flagged, deleted, draft, size`

func scanEntry(row pgx.Row) (store.MailEntry, error) {
	var e store.MailEntry
	err := row.Scan(&e.ID, &e.MessageID, &e.MailboxID, &e.UID, &e.ReceiveDate,
		&e.Flags.Seen, &e.Flags.Answered, &e.Flags.Flagged, &e.Flags.Deleted, &e.Flags.Draft, &e.Size)
	return e, err
}

func (r *Repository) ListEntries(ctx context.Context, mailboxID int64) ([]store.MailEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM mail_entries WHERE mailbox_id = $1 ORDER BY uid`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.MailEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) EntryByUID(ctx context.Context, mailboxID int64, uid uint32) (store.MailEntry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryCols+` FROM mail_entries WHERE mailbox_id = $1 AND uid = $2`, mailboxID, uid)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.MailEntry{}, store.ErrNotFound
	}
	return e, err
}

func (r *Repository) Count(ctx context.Context, mailboxID int64) (int, int, error) {
	var total, unread int
	err := r.pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE NOT seen) FROM mail_entries WHERE mailbox_id = $1`, mailboxID).Scan(&total, &unread)
	return total, unread, err
}

func (r *Repository) UpdateFlags(ctx context.Context, entryID int64, flags store.Flags) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE mail_entries SET seen = $1, answered = $2, flagged = $3, deleted = $4, draft = $5 WHERE id = $6`,
		flags.Seen, flags.Answered, flags.Flagged, flags.Deleted, flags.Draft, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) Blob(ctx context.Context, messageID int64) ([]byte, error) {
	var blob string
	err := r.pool.QueryRow(ctx, `SELECT blob FROM messages WHERE id = $1`, messageID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return []byte(blob), err
}

func (r *Repository) Copy(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (uint32, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)
	row := tx.QueryRow(ctx, `SELECT `+entryCols+` FROM mail_entries WHERE mailbox_id = $1 AND uid = $2`, srcMailbox, uid)
	src, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	} else if err != nil {
		return 0, err
	}
	flags := src.Flags
	flags.Deleted = false
	newUID, err := appendEntry(ctx, tx, dstMailbox, src.MessageID, flags, src.Size)
	if err != nil {
		return 0, err
	}
	return newUID, tx.Commit(ctx)
}

// Move copies the entry into dstMailbox and immediately removes the source
// row, matching the unsolicited EXPUNGE the IMAP engine sends for it (spec
// §4.5 MOVE: "source mailbox now has entries with UIDs ..." — the moved
// message is gone from the source, not merely flagged deleted).
func (r *Repository) Move(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (uint32, error) {
	newUID, err := r.Copy(ctx, srcMailbox, uid, dstMailbox)
	if err != nil {
		return 0, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	var size int64
	err = tx.QueryRow(ctx, `SELECT id, size FROM mail_entries WHERE mailbox_id = $1 AND uid = $2`, srcMailbox, uid).Scan(&id, &size)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM mail_entries WHERE id = $1`, id); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `UPDATE mailboxes SET mail_count = mail_count - 1, total_size = total_size - $1 WHERE id = $2`, size, srcMailbox); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
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
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT `+entryCols+` FROM mail_entries WHERE mailbox_id = $1 AND deleted = true ORDER BY uid`, mailboxID)
	if err != nil {
		return nil, err
	}
	var removed []store.MailEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if restrictTo != nil && !restrictTo[e.UID] {
			continue
		}
		removed = append(removed, e)
	}
	rows.Close()

	var freedSize int64
	for _, e := range removed {
		if _, err := tx.Exec(ctx, `DELETE FROM mail_entries WHERE id = $1`, e.ID); err != nil {
			return nil, err
		}
		freedSize += e.Size
	}
	if len(removed) > 0 {
		if _, err := tx.Exec(ctx, `UPDATE mailboxes SET mail_count = mail_count - $1, total_size = total_size - $2 WHERE id = $3`, len(removed), freedSize, mailboxID); err != nil {
			return nil, err
		}
	}
	return removed, tx.Commit(ctx)
}

func (r *Repository) SearchBySubject(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error) {
	return r.search(ctx, mailboxID, "subject", keyword)
}

func (r *Repository) SearchByFrom(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error) {
	return r.search(ctx, mailboxID, "sender", keyword)
}

func (r *Repository) search(ctx context.Context, mailboxID int64, column, keyword string) ([]uint32, error) {
	query := fmt.Sprintf(`SELECT e.uid FROM mail_entries e JOIN messages m ON m.id = e.message_id
		WHERE e.mailbox_id = $1 AND m.%s ILIKE $2 ORDER BY e.uid`, column)
	rows, err := r.pool.Query(ctx, query, mailboxID, "%"+keyword+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var uids []uint32
	for rows.Next() {
		var u uint32
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		uids = append(uids, u)
	}
	return uids, rows.Err()
}
