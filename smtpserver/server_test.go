package smtpserver

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gujc71/9Mail/metrics"
	"github.com/gujc71/9Mail/store/memrepo"
	"github.com/gujc71/9Mail/tlsaccept"
)

// testSession wires one end of a net.Pipe through a conn running the plain
// (port-25) personality, with the other end left for the test to drive as
// the client — grounded on the teacher's net.Pipe-based smtpserver tests.
type testSession struct {
	t      *testing.T
	client net.Conn
	br     *bufio.Reader
}

func newTestSession(t *testing.T, repo *memrepo.Repository) *testSession {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	l := &Listener{
		Mode:   tlsaccept.Plain,
		Cfg:    Config{Hostname: "mail.example.com"},
		Repo:   repo,
		Events: metrics.Discard{},
		Log:    nil,
	}
	go l.serve(serverConn, l.Cfg.withDefaults())

	ts := &testSession{t: t, client: clientConn, br: bufio.NewReader(clientConn)}
	ts.expectLine("220 ")
	return ts
}

func (ts *testSession) send(line string) {
	ts.t.Helper()
	if _, err := ts.client.Write([]byte(line + "\r\n")); err != nil {
		ts.t.Fatalf("write: %v", err)
	}
}

func (ts *testSession) readLine() string {
	ts.t.Helper()
	ts.client.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := ts.br.ReadString('\n')
	if err != nil {
		ts.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (ts *testSession) expectPrefix(prefix string) string {
	ts.t.Helper()
	line := ts.readLine()
	if !strings.HasPrefix(line, prefix) {
		ts.t.Fatalf("expected line with prefix %q, got %q", prefix, line)
	}
	return line
}

func (ts *testSession) expectLine(prefix string) { ts.expectPrefix(prefix) }

func newRepoWithBobAndAlice() *memrepo.Repository {
	repo := memrepo.New([]string{"example.com"}, nil)
	repo.AddUser("bob@example.com", "secret")
	repo.AddUser("alice@example.com", "secret")
	return repo
}

// S1 — intra-domain unauthenticated delivery (spec scenario S1).
func TestIntraDomainDeliveryAccepted(t *testing.T) {
	repo := newRepoWithBobAndAlice()
	ts := newTestSession(t, repo)

	ts.send("EHLO client.example.com")
	ts.expectPrefix("250-")
	for {
		line := ts.readLine()
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}

	ts.send("MAIL FROM:<alice@example.com>")
	ts.expectPrefix("250")

	ts.send("RCPT TO:<bob@example.com>")
	ts.expectPrefix("250")

	ts.send("DATA")
	ts.expectPrefix("354")

	ts.send("Subject: t")
	ts.send("")
	ts.send("hi")
	ts.send(".")
	ts.expectPrefix("250")

	mb, err := repo.GetMailbox(context.Background(), "bob@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetMailbox: %v", err)
	}
	total, _, err := repo.Count(context.Background(), mb.ID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected 1 entry in bob's INBOX, got %d", total)
	}
}

// S2 — external relay denied (spec scenario S2).
func TestExternalRelayDenied(t *testing.T) {
	repo := newRepoWithBobAndAlice()
	ts := newTestSession(t, repo)

	ts.send("EHLO client.example.com")
	ts.expectPrefix("250-")
	for {
		line := ts.readLine()
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}

	ts.send("MAIL FROM:<x@other.org>")
	ts.expectPrefix("250")

	ts.send("RCPT TO:<y@third.org>")
	line := ts.expectPrefix("550")
	if !strings.Contains(line, "5.7.1") {
		t.Fatalf("expected enhanced code 5.7.1, got %q", line)
	}
}

// Invariant 8 (second half): same sender/recipient pair succeeds once
// authenticated.
func TestExternalRelayAllowedWhenAuthenticated(t *testing.T) {
	repo := newRepoWithBobAndAlice()
	ts := newTestSession(t, repo)

	ts.send("EHLO client.example.com")
	for {
		line := ts.readLine()
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}

	ts.send("AUTH PLAIN " + plainAuthB64("alice@example.com", "secret"))
	ts.expectPrefix("235")

	ts.send("MAIL FROM:<x@other.org>")
	ts.expectPrefix("250")

	ts.send("RCPT TO:<y@third.org>")
	ts.expectPrefix("250")
}

// Invariant 7: RSET returns to GREETED and clears transaction state.
func TestRsetClearsTransaction(t *testing.T) {
	repo := newRepoWithBobAndAlice()
	ts := newTestSession(t, repo)

	ts.send("EHLO client.example.com")
	for {
		line := ts.readLine()
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}

	ts.send("MAIL FROM:<alice@example.com>")
	ts.expectPrefix("250")
	ts.send("RCPT TO:<bob@example.com>")
	ts.expectPrefix("250")

	ts.send("RSET")
	ts.expectPrefix("250")

	// RCPT with no prior MAIL FROM in this transaction must be rejected.
	ts.send("RCPT TO:<bob@example.com>")
	ts.expectPrefix("503")
}

// Invariant 10: dot-stuffed DATA lines are undone; a line of only "." ends
// the transaction; "." mid-line is untouched.
func TestDataDotUnstuffing(t *testing.T) {
	repo := newRepoWithBobAndAlice()
	ts := newTestSession(t, repo)

	ts.send("EHLO client.example.com")
	for {
		line := ts.readLine()
		if !strings.HasPrefix(line, "250-") {
			break
		}
	}
	ts.send("MAIL FROM:<alice@example.com>")
	ts.expectPrefix("250")
	ts.send("RCPT TO:<bob@example.com>")
	ts.expectPrefix("250")
	ts.send("DATA")
	ts.expectPrefix("354")

	ts.send("Subject: t")
	ts.send("")
	ts.send("..leading dot")
	ts.send("mid.dot unchanged")
	ts.send(".")
	ts.expectPrefix("250")

	mb, _ := repo.GetMailbox(context.Background(), "bob@example.com", "INBOX")
	entries, err := repo.ListEntries(context.Background(), mb.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one delivered entry, got %d err=%v", len(entries), err)
	}
	raw, err := repo.Blob(context.Background(), entries[0].MessageID)
	if err != nil {
		t.Fatalf("Blob: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, "\r\n.leading dot\r\n") {
		t.Fatalf("expected unstuffed line, got body %q", body)
	}
	if !strings.Contains(body, "mid.dot unchanged") {
		t.Fatalf("mid-line dot should be unchanged, got body %q", body)
	}
}

func plainAuthB64(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + pass))
}
