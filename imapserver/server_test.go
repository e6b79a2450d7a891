package imapserver

import (
	"bufio"
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gujc71/9Mail/metrics"
	"github.com/gujc71/9Mail/store"
	"github.com/gujc71/9Mail/store/memrepo"
	"github.com/gujc71/9Mail/tlsaccept"
)

// testSession wires one end of a net.Pipe through a conn running the plain
// (port-143) personality, with the other end left for the test to drive as
// the client — grounded on smtpserver/server_test.go's net.Pipe harness.
type testSession struct {
	t      *testing.T
	client net.Conn
	br     *bufio.Reader
}

func newTestSession(t *testing.T, repo *memrepo.Repository) *testSession {
	return newTestSessionTLS(t, repo, nil)
}

func newTestSessionTLS(t *testing.T, repo *memrepo.Repository, tlsConfig *tls.Config) *testSession {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	l := &Listener{
		Mode:   tlsaccept.Plain,
		Cfg:    Config{Hostname: "mail.example.com"},
		TLS:    tlsConfig,
		Repo:   repo,
		Events: metrics.Discard{},
		Log:    nil,
	}
	go l.serve(serverConn, l.Cfg.withDefaults())

	ts := &testSession{t: t, client: clientConn, br: bufio.NewReader(clientConn)}
	ts.expectPrefix("* OK")
	return ts
}

// fakeCert builds a throwaway self-signed certificate for STARTTLS tests,
// grounded on the teacher's imapserver/server_test.go fakeCert helper.
func fakeCert(t *testing.T) tls.Certificate {
	t.Helper()
	_, privKey, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(cryptorand.Reader, template, template, privKey.Public(), privKey)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privKey, Leaf: cert}
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

// expectUntagged reads and discards lines until the tagged completion for
// tag appears, returning all lines seen (including the tagged one).
func (ts *testSession) expectUntagged(tag string) []string {
	ts.t.Helper()
	var lines []string
	for {
		line := ts.readLine()
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			return lines
		}
	}
}

func (ts *testSession) login(tag, user, pass string) {
	ts.t.Helper()
	ts.send(fmt.Sprintf("%s LOGIN %s %s", tag, user, pass))
	ts.expectPrefix(tag + " OK")
}

func newRepoWithBob() *memrepo.Repository {
	repo := memrepo.New([]string{"example.com"}, nil)
	repo.AddUser("bob@example.com", "secret")
	return repo
}

func appendMessage(t *testing.T, repo *memrepo.Repository, owner, mailbox, raw string) {
	t.Helper()
	if err := repo.EnsureDefaultMailboxes(context.Background(), owner); err != nil {
		t.Fatalf("EnsureDefaultMailboxes: %v", err)
	}
	if _, _, _, err := repo.AppendToMailbox(context.Background(), owner, mailbox, []byte(raw), store.Flags{}); err != nil {
		t.Fatalf("AppendToMailbox: %v", err)
	}
}

// S3 — SELECT then FETCH FLAGS reports the message's stored flags.
func TestSelectFetchFlags(t *testing.T) {
	repo := newRepoWithBob()
	appendMessage(t, repo, "bob@example.com", "INBOX", "Subject: hi\r\n\r\nbody\r\n")
	ts := newTestSession(t, repo)

	ts.login("a1", "bob@example.com", "secret")

	ts.send("a2 SELECT INBOX")
	lines := ts.expectUntagged("a2")
	found := false
	for _, line := range lines {
		if strings.HasPrefix(line, "* 1 EXISTS") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 1 EXISTS among SELECT response, got %v", lines)
	}
	if !strings.Contains(lines[len(lines)-1], "READ-WRITE") {
		t.Fatalf("expected READ-WRITE completion, got %q", lines[len(lines)-1])
	}

	ts.send("a3 FETCH 1 (FLAGS)")
	line := ts.expectPrefix("* 1 FETCH")
	if !strings.Contains(line, "FLAGS (") {
		t.Fatalf("expected FLAGS field, got %q", line)
	}
	ts.expectPrefix("a3 OK")
}

// S4 — APPEND using a synchronizing literal, then SELECT sees the new
// message.
func TestAppendWithLiteral(t *testing.T) {
	repo := newRepoWithBob()
	ts := newTestSession(t, repo)

	ts.login("a1", "bob@example.com", "secret")

	body := "Subject: new\r\n\r\nhello\r\n"
	ts.send(fmt.Sprintf("a2 APPEND INBOX {%d}", len(body)))
	ts.expectPrefix("+ ")
	ts.client.Write([]byte(body + "\r\n"))
	ts.expectPrefix("a2 OK")

	ts.send("a3 SELECT INBOX")
	lines := ts.expectUntagged("a3")
	found := false
	for _, line := range lines {
		if strings.HasPrefix(line, "* 1 EXISTS") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 1 EXISTS after APPEND, got %v", lines)
	}
}

// S5 — UID MOVE relocates a message to another mailbox and emits an
// unsolicited EXPUNGE for the vacated sequence number.
func TestUIDMove(t *testing.T) {
	repo := newRepoWithBob()
	appendMessage(t, repo, "bob@example.com", "INBOX", "Subject: m1\r\n\r\nbody\r\n")
	ts := newTestSession(t, repo)

	ts.login("a1", "bob@example.com", "secret")

	ts.send("a2 SELECT INBOX")
	ts.expectUntagged("a2")

	ts.send("a3 UID MOVE 1 Trash")
	lines := ts.expectUntagged("a3")
	sawExpunge := false
	sawCopyUID := false
	for _, line := range lines {
		if strings.HasPrefix(line, "* 1 EXPUNGE") {
			sawExpunge = true
		}
		if strings.Contains(line, "COPYUID") {
			sawCopyUID = true
		}
	}
	if !sawExpunge {
		t.Fatalf("expected unsolicited EXPUNGE for moved message, got %v", lines)
	}
	if !sawCopyUID {
		t.Fatalf("expected COPYUID response code, got %v", lines)
	}

	mb, err := repo.GetMailbox(context.Background(), "bob@example.com", "Trash")
	if err != nil {
		t.Fatalf("GetMailbox Trash: %v", err)
	}
	entries, err := repo.ListEntries(context.Background(), mb.ID)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected 1 entry in Trash, got %d err=%v", len(entries), err)
	}

	inbox, err := repo.GetMailbox(context.Background(), "bob@example.com", "INBOX")
	if err != nil {
		t.Fatalf("GetMailbox INBOX: %v", err)
	}
	srcEntries, err := repo.ListEntries(context.Background(), inbox.ID)
	if err != nil || len(srcEntries) != 0 {
		t.Fatalf("expected moved message gone from INBOX, got %d entries err=%v", len(srcEntries), err)
	}
}

// S6 — STARTTLS resets authentication state; a FETCH attempted after the
// upgrade must fail because the session is back in the not-authenticated
// state and the previously-selected mailbox is gone.
func TestStarttlsResetsAuthentication(t *testing.T) {
	repo := newRepoWithBob()
	appendMessage(t, repo, "bob@example.com", "INBOX", "Subject: m1\r\n\r\nbody\r\n")
	cert := fakeCert(t)
	ts := newTestSessionTLS(t, repo, &tls.Config{Certificates: []tls.Certificate{cert}})

	ts.login("a1", "bob@example.com", "secret")
	ts.send("a2 SELECT INBOX")
	ts.expectUntagged("a2")

	ts.send("a3 STARTTLS")
	ts.expectPrefix("a3 OK")

	tlsClient := tls.Client(ts.client, &tls.Config{InsecureSkipVerify: true})
	if err := tlsClient.Handshake(); err != nil {
		t.Fatalf("client TLS handshake: %v", err)
	}
	ts.client = tlsClient
	ts.br = bufio.NewReader(tlsClient)

	ts.send("a4 FETCH 1 (FLAGS)")
	line := ts.expectPrefix("a4")
	if !strings.Contains(line, "NO") && !strings.Contains(line, "BAD") {
		t.Fatalf("expected FETCH to be rejected after STARTTLS reset, got %q", line)
	}
}
