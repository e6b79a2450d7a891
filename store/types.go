// Package store defines the domain data model (spec §3) and the
// Repository/ContentStore/EventSink collaborator interfaces consumed by the
// smtpserver and imapserver engines (spec §6). It carries no backend
// dependency itself; concrete backends live in store/bstorerepo,
// store/pgrepo, and store/memrepo.
//
// Grounded on the shape of the teacher's store/account.go types (Mailbox,
// Message, Flags, Change), generalized to the spec's flatter data model and
// decoupled from bstore so the interface can be satisfied by any backend.
package store

import "time"

// Flags are the five IMAP system flags the engines track per MailEntry.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
}

// Set applies a STORE-style flag token (already validated by the caller) to
// f, returning the updated value.
func (f Flags) Set(token string, on bool) Flags {
	switch token {
	case `\Seen`:
		f.Seen = on
	case `\Answered`:
		f.Answered = on
	case `\Flagged`:
		f.Flagged = on
	case `\Deleted`:
		f.Deleted = on
	case `\Draft`:
		f.Draft = on
	}
	return f
}

// Tokens returns the IMAP flag-list tokens currently set, in the canonical
// order used by FETCH/STORE responses.
func (f Flags) Tokens() []string {
	var out []string
	if f.Answered {
		out = append(out, `\Answered`)
	}
	if f.Flagged {
		out = append(out, `\Flagged`)
	}
	if f.Deleted {
		out = append(out, `\Deleted`)
	}
	if f.Seen {
		out = append(out, `\Seen`)
	}
	if f.Draft {
		out = append(out, `\Draft`)
	}
	return out
}

// User is an authentication/authorization identity. Created by an external
// admin surface (out of scope here); core treats it as read-only.
type User struct {
	Email      string
	PasswordSHA256Hex string
	Active     bool
}

// Mailbox is one mailbox belonging to an owner (spec §3). Path uses "." as
// hierarchy separator; INBOX is case-insensitive and canonicalized to
// upper-case by the repository on lookup/creation.
type Mailbox struct {
	ID          int64
	Owner       string
	Name        string
	Path        string
	NextUID     uint32
	UIDValidity uint32
	MailCount   int
	TotalSize   int64
}

// Message is the content-bearing record: one raw blob, possibly referenced
// by several MailEntry rows across mailboxes (copy semantics).
type Message struct {
	ID               int64
	MessageID        string // RFC 5322 Message-ID, synthesized if absent.
	Subject          string
	Sender           string
	SendDate         time.Time
	PrimaryRecipient string
	BlobPath         string
}

// MailEntry is a mailbox-scoped instance of a Message: the thing IMAP
// addresses by UID/sequence number.
type MailEntry struct {
	ID          int64
	MessageID   int64
	MailboxID   int64
	UID         uint32
	ReceiveDate time.Time
	Flags       Flags
	Size        int64
}

// Recipient is a (message, email) pair, unique per message.
type Recipient struct {
	MessageID int64
	Email     string
}

// DefaultMailboxes is the set of mailboxes provisioned for a user on first
// successful LOGIN/AUTHENTICATE if they own none yet (spec §4.5), grounded
// on original_source's MailboxService.DEFAULT_MAILBOXES.
var DefaultMailboxes = []string{"INBOX", "Sent", "Drafts", "Trash", "Junk"}

// Change is a notification of mailbox mutation. The types are defined but no
// code publishes or consumes them: the IMAP engine polls the repository on
// NOOP instead. Grounded on the teacher's store/state.go Change sum type.
type Change interface{ isChange() }

type ChangeAddUID struct {
	MailboxID int64
	UID       uint32
}

type ChangeRemoveUIDs struct {
	MailboxID int64
	UIDs      []uint32
}

type ChangeFlags struct {
	MailboxID int64
	UID       uint32
	Flags     Flags
}

func (ChangeAddUID) isChange()     {}
func (ChangeRemoveUIDs) isChange() {}
func (ChangeFlags) isChange()      {}
