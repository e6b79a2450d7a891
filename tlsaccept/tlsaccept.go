// Package tlsaccept implements the TLS acceptor (spec component C2): three
// port personalities (plain, implicit, dual) plus the STARTTLS upgrade
// sequence, notifying the engine of TLSEstablished/PlaintextDetected events.
//
// The dual-mode first-byte sniff is grounded on the original Netty
// OptionalSslHandler usage (SmtpServerInitializer.java): a TLS ClientHello
// record starts with 0x16 0x03, and mobile SMTP submission clients are known
// to send it immediately instead of waiting for STARTTLS. The rest of the
// acceptor follows the teacher's tls.NewListener / STARTTLS-in-place-upgrade
// pattern from smtpserver/server.go and imapserver/server.go.
package tlsaccept

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
)

// Mode selects a port's TLS personality.
type Mode int

const (
	Plain    Mode = iota // No TLS; STARTTLS may still be offered.
	Implicit             // TLS handshake required before any protocol byte.
	Dual                 // First-byte sniff: TLS ClientHello or plaintext.
)

// Event is delivered to the engine once dual-mode detection (or an explicit
// STARTTLS upgrade) resolves.
type Event int

const (
	NoEvent Event = iota
	TLSEstablished
	PlaintextDetected
)

// Acceptor wraps a single accepted TCP connection, tracking whether TLS is
// currently active and mediating the STARTTLS upgrade. The core only ever
// consumes a preconfigured *tls.Config (spec §1: TLS certificate loading is
// an external collaborator's job).
type Acceptor struct {
	Config *tls.Config
	Mode   Mode

	conn   net.Conn
	br     *bufio.Reader
	active bool
}

// New wraps nc for TLS handling. For Dual mode, Detect must be called before
// any protocol bytes are read.
func New(nc net.Conn, mode Mode, cfg *tls.Config) *Acceptor {
	return &Acceptor{Config: cfg, Mode: mode, conn: nc, br: bufio.NewReader(nc)}
}

// Conn returns the current connection: the raw TCP conn, or the TLS conn
// after a successful implicit handshake or STARTTLS/dual-mode upgrade.
func (a *Acceptor) Conn() net.Conn { return a.conn }

// Reader returns a buffered reader over Conn(), preserving any bytes already
// peeked during dual-mode detection.
func (a *Acceptor) Reader() *bufio.Reader { return a.br }

func (a *Acceptor) Active() bool { return a.active }

// Handshake performs the TLS handshake for Implicit mode, to be called
// immediately after accept, before any protocol byte is read or written.
func (a *Acceptor) Handshake() (Event, error) {
	if a.Mode != Implicit {
		return NoEvent, fmt.Errorf("tlsaccept: Handshake called for non-implicit mode")
	}
	tc := tls.Server(a.conn, a.Config)
	if err := tc.Handshake(); err != nil {
		return NoEvent, err
	}
	a.conn = tc
	a.br = bufio.NewReader(tc)
	a.active = true
	return TLSEstablished, nil
}

// Detect peeks the first two bytes of a Dual-mode connection. A leading
// 0x16 0x03 (TLS record type handshake, TLS major version 3.x) is treated as
// a ClientHello; anything else is plaintext. Detect must be called exactly
// once, before the engine reads its first line.
func (a *Acceptor) Detect() (Event, error) {
	if a.Mode != Dual {
		return NoEvent, fmt.Errorf("tlsaccept: Detect called for non-dual mode")
	}
	b, err := a.br.Peek(2)
	if err != nil {
		return NoEvent, err
	}
	if b[0] == 0x16 && b[1] == 0x03 {
		tc := tls.Server(&peekedConn{Conn: a.conn, br: a.br}, a.Config)
		if err := tc.Handshake(); err != nil {
			return NoEvent, err
		}
		a.conn = tc
		a.br = bufio.NewReader(tc)
		a.active = true
		return TLSEstablished, nil
	}
	return PlaintextDetected, nil
}

// StartTLS performs the STARTTLS upgrade in place: the caller must already
// have written its positive plaintext response (and flushed it) before
// calling StartTLS, per spec §4.2 ("the engine writes its positive response
// in plaintext first, then inserts TLS in front of the connection").
func (a *Acceptor) StartTLS() error {
	tc := tls.Server(a.conn, a.Config)
	if err := tc.Handshake(); err != nil {
		return err
	}
	a.conn = tc
	a.br = bufio.NewReader(tc)
	a.active = true
	return nil
}

// peekedConn prepends bytes already consumed into br's buffer (via Peek) back
// in front of Conn, so tls.Server sees the full ClientHello record instead of
// missing the bytes we peeked to detect it.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.br.Read(b) }
