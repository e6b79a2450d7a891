package memrepo

import (
	"context"
	"testing"

	"github.com/gujc71/9Mail/store"
)

func TestProcessIncomingDeliversToLocalInbox(t *testing.T) {
	ctx := context.Background()
	r := New([]string{"example.com"}, nil)

	msgID, err := r.ProcessIncoming(ctx, []byte("Subject: hi\r\n\r\nbody\r\n"), "alice@example.com", []string{"bob@example.com"})
	if err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if msgID == "" {
		t.Fatalf("expected synthesized message id")
	}

	mb, err := r.GetMailbox(ctx, "bob@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	entries, err := r.ListEntries(ctx, mb.ID)
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Flags.Seen {
		t.Fatalf("freshly delivered entry should not be \\Seen")
	}
}

func TestNextUIDNeverReused(t *testing.T) {
	ctx := context.Background()
	r := New([]string{"example.com"}, nil)
	mb, err := r.CreateMailbox(ctx, "bob@example.com", "INBOX", "INBOX")
	if err != nil {
		t.Fatalf("CreateMailbox: %v", err)
	}

	var uids []uint32
	for i := 0; i < 3; i++ {
		u, err := r.NextUID(ctx, mb.ID)
		if err != nil {
			t.Fatalf("NextUID: %v", err)
		}
		uids = append(uids, u)
	}
	if uids[0] != 1 || uids[1] != 2 || uids[2] != 3 {
		t.Fatalf("uids = %v, want 1,2,3", uids)
	}
}

func TestExpungeRenumbers(t *testing.T) {
	ctx := context.Background()
	r := New([]string{"example.com"}, nil)
	mb, _ := r.CreateMailbox(ctx, "bob@example.com", "INBOX", "INBOX")
	for i := 0; i < 3; i++ {
		if _, _, _, err := r.AppendToMailbox(ctx, "bob@example.com", "INBOX", []byte("Subject: x\r\n\r\nbody"), store.Flags{}); err != nil {
			t.Fatalf("AppendToMailbox: %v", err)
		}
	}
	entries, _ := r.ListEntries(ctx, mb.ID)
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	// Mark UID 2 deleted and expunge it.
	e := entries[1]
	e.Flags.Deleted = true
	if err := r.UpdateFlags(ctx, e.ID, e.Flags); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	removed, err := r.Expunge(ctx, mb.ID)
	if err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if len(removed) != 1 || removed[0].UID != 2 {
		t.Fatalf("removed = %+v", removed)
	}
	remaining, _ := r.ListEntries(ctx, mb.ID)
	if len(remaining) != 2 || remaining[0].UID != 1 || remaining[1].UID != 3 {
		t.Fatalf("remaining = %+v", remaining)
	}
}

func TestRelayPolicyHelpers(t *testing.T) {
	ctx := context.Background()
	r := New([]string{"example.com"}, []string{"10.0.0.1"})
	if local, _ := r.DomainIsLocal(ctx, "EXAMPLE.com"); !local {
		t.Fatalf("domain should be local case-insensitively")
	}
	if allowed, _ := r.RelayAllowed(ctx, "10.0.0.1"); !allowed {
		t.Fatalf("trusted IP should be allowed to relay")
	}
	if allowed, _ := r.RelayAllowed(ctx, "10.0.0.2"); allowed {
		t.Fatalf("untrusted IP should not be allowed to relay")
	}
	if can, _ := r.CanRelayExternal(ctx, false, "10.0.0.2"); can {
		t.Fatalf("unauthenticated session from untrusted IP must not relay externally")
	}
	if can, _ := r.CanRelayExternal(ctx, true, "10.0.0.2"); !can {
		t.Fatalf("authenticated session should be allowed to relay")
	}
}

func TestListMailboxesPatternWildcards(t *testing.T) {
	ctx := context.Background()
	r := New([]string{"example.com"}, nil)
	r.CreateMailbox(ctx, "bob@example.com", "INBOX", "INBOX")
	r.CreateMailbox(ctx, "bob@example.com", "Sent", "Sent")
	r.CreateMailbox(ctx, "bob@example.com", "Archive.2024", "Archive.2024")

	mbs, err := r.ListMailboxesPattern(ctx, "bob@example.com", "", "*")
	if err != nil {
		t.Fatalf("ListMailboxesPattern: %v", err)
	}
	if len(mbs) != 3 {
		t.Fatalf("got %d mailboxes, want 3", len(mbs))
	}

	mbs, err = r.ListMailboxesPattern(ctx, "bob@example.com", "", "Archive%")
	if err != nil {
		t.Fatalf("ListMailboxesPattern: %v", err)
	}
	if len(mbs) != 1 || mbs[0].Path != "Archive.2024" {
		t.Fatalf("got %+v", mbs)
	}
}
