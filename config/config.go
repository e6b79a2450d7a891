// Package config holds the static configuration for the SMTP/IMAP core, in
// the mjl-/sconf struct-tag format: indented-by-tab, comments on their own
// line, one value per line.
package config

import (
	"fmt"
	"time"

	"github.com/mjl-/sconf"
)

// DefaultMaxMsgSize is used when a listener does not override it.
const DefaultMaxMsgSize = 50 * 1024 * 1024

// Port returns port if non-zero, and fallback otherwise. Mirrors the
// teacher's config.Port helper for listener port defaulting.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Static is the parsed configuration file.
type Static struct {
	Hostname                string            `sconf-doc:"Advertised hostname, used in SMTP/IMAP greetings and HELO/EHLO responses."`
	LocalDomains            []string          `sconf-doc:"Domains this server accepts mail for without relaying, lower-case."`
	TrustedRelayIPs         []string          `sconf:"optional" sconf-doc:"Remote IPs allowed to relay mail without authentication, e.g. internal application servers."`
	MaxAuthFailures         int               `sconf:"optional" sconf-doc:"Number of failed AUTH attempts before a connection is dropped. Default 5."`
	TarpitDelay             time.Duration     `sconf:"optional" sconf-doc:"Delay before responding to a failed AUTH attempt, to slow down credential stuffing. Default 3s."`
	MaxMessageSize          int64             `sconf:"optional" sconf-doc:"Maximum size in bytes of an incoming SMTP DATA message or IMAP APPEND literal. Default 50MiB."`
	MaxRecipients           int               `sconf:"optional" sconf-doc:"Maximum RCPT TO count per SMTP transaction. Default 100."`
	IMAPMaxLineLength       int               `sconf:"optional" sconf-doc:"Maximum line length accepted by the IMAP line framer, in bytes. Default 65536."`
	IMAPSessionTimeout      time.Duration     `sconf:"optional" sconf-doc:"IMAP connection idle timeout. Default 30m."`
	SMTPSessionTimeout      time.Duration     `sconf:"optional" sconf-doc:"SMTP connection idle timeout. Default 5m."`
	RequireAuthOnSubmission bool              `sconf:"optional" sconf-doc:"If set, MAIL FROM on the submission ports is refused with 530 until the client has authenticated."`
	TLSCertFile             string            `sconf:"optional" sconf-doc:"PEM certificate chain, required by any Submissions/IMAPS listener and by STARTTLS on the other services."`
	TLSKeyFile              string            `sconf:"optional" sconf-doc:"PEM private key matching TLSCertFile."`
	DataDir                 string            `sconf-doc:"Directory holding the bstore database (index.db), which also stores the message blobs."`
	Listeners               map[string]Listener `sconf-doc:"Named groups of IPs with SMTP/IMAP services enabled on them."`
}

// Listener groups IPs with a set of enabled services, the way the teacher's
// config.Listener does, trimmed to the services this core implements.
type Listener struct {
	IPs         []string    `sconf-doc:"IP addresses to listen on."`
	SMTP        ServiceSMTP `sconf:"optional" sconf-doc:"Plain SMTP with optional STARTTLS, typically port 25."`
	Submission  ServiceSMTP `sconf:"optional" sconf-doc:"Submission, dual plain/TLS auto-detect on first byte, typically port 587."`
	Submissions ServiceSMTP `sconf:"optional" sconf-doc:"Implicit TLS submission, typically port 465."`
	IMAP        ServiceIMAP `sconf:"optional" sconf-doc:"Plain IMAP with optional STARTTLS, typically port 143."`
	IMAPS       ServiceIMAP `sconf:"optional" sconf-doc:"Implicit TLS IMAP, typically port 993."`
}

type ServiceSMTP struct {
	Enabled bool `sconf:"optional"`
	Port    int  `sconf:"optional"`
}

type ServiceIMAP struct {
	Enabled bool `sconf:"optional"`
	Port    int  `sconf:"optional"`
}

// Defaults normalizes zero-valued optional fields, mirroring the small
// defaulting helpers scattered through the teacher's config/listen code
// (durationDefault, config.Port) but centralized in one place.
func (s *Static) Defaults() {
	if s.MaxAuthFailures == 0 {
		s.MaxAuthFailures = 5
	}
	if s.TarpitDelay == 0 {
		s.TarpitDelay = 3 * time.Second
	}
	if s.MaxMessageSize == 0 {
		s.MaxMessageSize = DefaultMaxMsgSize
	}
	if s.MaxRecipients == 0 {
		s.MaxRecipients = 100
	}
	if s.IMAPMaxLineLength == 0 {
		s.IMAPMaxLineLength = 65536
	}
	if s.IMAPSessionTimeout == 0 {
		s.IMAPSessionTimeout = 30 * time.Minute
	}
	if s.SMTPSessionTimeout == 0 {
		s.SMTPSessionTimeout = 5 * time.Minute
	}
}

// ParseFile loads and defaults a configuration file.
func ParseFile(path string) (*Static, error) {
	var s Static
	if err := sconf.ParseFile(path, &s); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	s.Defaults()
	return &s, nil
}
