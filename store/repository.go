package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups (mailbox, entry, user) that find
// nothing, letting callers distinguish "absent" from a backend failure.
var ErrNotFound = errors.New("store: not found")

// ErrExists is returned by CreateMailbox when the path is already taken.
var ErrExists = errors.New("store: already exists")

// Repository is the collaborator the SMTP and IMAP engines consume for all
// persistence and policy decisions (spec §6, "Repository interface
// (consumed)"). It is implemented by store/bstorerepo (default, bbolt via
// bstore), store/pgrepo (Postgres via pgx), and store/memrepo (in-memory
// fake for tests).
//
// UID allocation (NextUID) must be atomic per mailbox: concurrent
// APPEND/COPY/MOVE across sessions must never observe or hand out the same
// UID twice (spec §5, "the only serialized operation is UID allocation per
// mailbox").
type Repository interface {
	// Authenticate reports whether password (already SHA-256 hex digested by
	// the caller) matches the stored digest for user, and that the user is
	// active.
	Authenticate(ctx context.Context, user, password string) (bool, error)

	UserExists(ctx context.Context, email string) (bool, error)
	DomainIsLocal(ctx context.Context, domain string) (bool, error)
	RelayAllowed(ctx context.Context, remoteIP string) (bool, error)
	CanRelayExternal(ctx context.Context, authenticated bool, remoteIP string) (bool, error)

	GetMailbox(ctx context.Context, owner, path string) (Mailbox, error)
	ListMailboxes(ctx context.Context, owner string) ([]Mailbox, error)
	ListMailboxesPattern(ctx context.Context, owner, ref, pattern string) ([]Mailbox, error)
	CreateMailbox(ctx context.Context, owner, name, path string) (Mailbox, error)
	RenameMailbox(ctx context.Context, owner, oldPath, newPath string) error
	DeleteMailbox(ctx context.Context, owner, path string) error

	// EnsureDefaultMailboxes provisions DefaultMailboxes for owner if they
	// currently own none, called on first successful LOGIN/AUTHENTICATE.
	EnsureDefaultMailboxes(ctx context.Context, owner string) error

	// NextUID atomically reads and increments the mailbox's UID counter,
	// returning the UID just allocated.
	NextUID(ctx context.Context, mailboxID int64) (uint32, error)

	// AppendToMailbox stores raw as a new Message and a MailEntry in the
	// named mailbox, used by IMAP APPEND.
	AppendToMailbox(ctx context.Context, owner, path string, raw []byte, flags Flags) (messageID int64, uidValidity uint32, uid uint32, err error)

	// ProcessIncoming stores raw as a new Message delivered to every local
	// recipient's mailbox (INBOX), used by SMTP DATA completion. Returns the
	// synthesized-or-extracted RFC 5322 Message-ID.
	ProcessIncoming(ctx context.Context, raw []byte, sender string, rcpts []string) (messageID string, err error)

	ListEntries(ctx context.Context, mailboxID int64) ([]MailEntry, error)
	EntryByUID(ctx context.Context, mailboxID int64, uid uint32) (MailEntry, error)
	Count(ctx context.Context, mailboxID int64) (total, unread int, err error)
	UpdateFlags(ctx context.Context, entryID int64, flags Flags) error

	// Blob returns the raw message bytes for a Message ID.
	Blob(ctx context.Context, messageID int64) ([]byte, error)

	// Copy duplicates the entry at (srcMailbox, uid) into dstMailbox under a
	// freshly allocated UID, clearing \Deleted on the copy.
	Copy(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (newUID uint32, err error)

	// Move behaves like Copy and then removes the source entry (the row is
	// deleted, not flagged \Deleted); the caller is responsible for the
	// IMAP-visible EXPUNGE bookkeeping.
	Move(ctx context.Context, srcMailbox int64, uid uint32, dstMailbox int64) (newUID uint32, err error)

	// Expunge removes every \Deleted entry in mailboxID and returns the
	// removed entries in their pre-removal UID-ascending order.
	Expunge(ctx context.Context, mailboxID int64) ([]MailEntry, error)

	// ExpungeUIDs behaves like Expunge but restricts removal to uids (still
	// gated on \Deleted), for UID EXPUNGE.
	ExpungeUIDs(ctx context.Context, mailboxID int64, uids []uint32) ([]MailEntry, error)

	SearchBySubject(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error)
	SearchByFrom(ctx context.Context, mailboxID int64, keyword string) ([]uint32, error)
}

// ContentStore is the blob-storage collaborator (spec §1: "raw message blob
// storage on disk — abstracted as a content store"). Implemented by
// content/diskstore (default) and content/s3store (minio-backed).
type ContentStore interface {
	Put(ctx context.Context, raw []byte) (blobPath string, err error)
	Get(ctx context.Context, blobPath string) ([]byte, error)
	Delete(ctx context.Context, blobPath string) error
}

// EventSink is the optional metrics collaborator (spec §6, "Event sink").
// Implemented by metrics.Prometheus; nil-safe no-op available via
// metrics.Discard.
type EventSink interface {
	SMTPMailReceived()
	SMTPAuthFailure()
	IMAPLoginSuccess()
	IMAPLoginFailure()
	IMAPCommand(name string)
}
