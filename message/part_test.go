package message

import (
	"strings"
	"testing"
)

func TestParseSimplePart(t *testing.T) {
	raw := []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nhello\r\nworld\r\n")
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.MediaType != "text" || p.MediaSubType != "plain" {
		t.Fatalf("got type %s/%s, want text/plain", p.MediaType, p.MediaSubType)
	}
	if got := string(p.BodyBytes()); got != "hello\r\nworld\r\n" {
		t.Fatalf("BodyBytes = %q", got)
	}
	if p.Lines != 2 {
		t.Fatalf("Lines = %d, want 2", p.Lines)
	}
}

func TestParseMultipart(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=XYZ",
		"",
		"--XYZ",
		"Content-Type: text/plain",
		"",
		"part one",
		"--XYZ",
		"Content-Type: application/octet-stream",
		"",
		"binarydata",
		"--XYZ--",
		"",
	}, "\r\n"))

	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.MediaType != "multipart" || p.MediaSubType != "mixed" {
		t.Fatalf("got %s/%s", p.MediaType, p.MediaSubType)
	}
	if len(p.Parts) != 2 {
		t.Fatalf("got %d children, want 2", len(p.Parts))
	}
	if p.Parts[0].MediaSubType != "plain" {
		t.Fatalf("child 0 subtype = %s", p.Parts[0].MediaSubType)
	}
	if got := strings.TrimRight(string(p.Parts[0].BodyBytes()), "\r\n"); got != "part one" {
		t.Fatalf("child 0 body = %q", got)
	}
	if p.Parts[1].MediaType != "application" {
		t.Fatalf("child 1 type = %s", p.Parts[1].MediaType)
	}
}

func TestResolve(t *testing.T) {
	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=XYZ",
		"",
		"--XYZ",
		"Content-Type: text/plain",
		"",
		"part one",
		"--XYZ",
		"Content-Type: text/plain",
		"",
		"part two",
		"--XYZ--",
		"",
	}, "\r\n"))
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := p.Resolve([]int{2})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if strings.TrimRight(string(got.BodyBytes()), "\r\n") != "part two" {
		t.Fatalf("Resolve(2) body = %q", got.BodyBytes())
	}

	leaf, err := got.Resolve([]int{1})
	if err != nil {
		t.Fatalf("Resolve leaf 1: %v", err)
	}
	if leaf != got {
		t.Fatalf("leaf part's own section 1 should resolve to itself")
	}

	if _, err := got.Resolve([]int{2}); err == nil {
		t.Fatalf("Resolve(2) on a leaf part should fail")
	}
}

func TestParseEnvelope(t *testing.T) {
	raw := []byte("From: Alice <alice@example.com>\r\nTo: Bob <bob@example.com>\r\nSubject: test\r\nMessage-Id: <abc@example.com>\r\n\r\nbody\r\n")
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	env := ParseEnvelope(p.Header())
	if env.Subject != "test" {
		t.Fatalf("Subject = %q", env.Subject)
	}
	if len(env.From) != 1 || env.From[0].Mailbox != "alice" || env.From[0].Host != "example.com" {
		t.Fatalf("From = %+v", env.From)
	}
	if env.MessageID != "<abc@example.com>" {
		t.Fatalf("MessageID = %q", env.MessageID)
	}
	// Sender/Reply-To default to From when absent.
	if len(env.Sender) != 1 || env.Sender[0].Mailbox != "alice" {
		t.Fatalf("Sender default = %+v", env.Sender)
	}
}

func TestFilterHeaderFieldsInclude(t *testing.T) {
	header := []byte("From: a@example.com\r\nSubject: long\r\n one\r\nTo: b@example.com\r\n\r\n")
	got := FilterHeaderFields(header, []string{"subject"}, false)
	want := "Subject: long\r\n one\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFilterHeaderFieldsExclude(t *testing.T) {
	header := []byte("From: a@example.com\r\nSubject: hi\r\nTo: b@example.com\r\n\r\n")
	got := FilterHeaderFields(header, []string{"subject"}, true)
	want := "From: a@example.com\r\nTo: b@example.com\r\n\r\n"
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStructure(t *testing.T) {
	raw := []byte("Content-Type: text/plain; charset=utf-8\r\n\r\nhi\r\n")
	p, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	s := p.Structure()
	if s.Type != "text" || s.Subtype != "plain" {
		t.Fatalf("Structure = %+v", s)
	}
	if s.Params["charset"] != "utf-8" {
		t.Fatalf("Params = %+v", s.Params)
	}
}
