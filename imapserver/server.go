package imapserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gujc71/9Mail/framer"
	"github.com/gujc71/9Mail/mlog"
	"github.com/gujc71/9Mail/store"
	"github.com/gujc71/9Mail/tlsaccept"
)

// Listener owns one accepting socket for one IMAP port personality (plain
// 143 or implicit-TLS 993 — IMAP has no dual-mode port per spec §6).
type Listener struct {
	Addr string
	Mode tlsaccept.Mode

	Cfg    Config
	TLS    *tls.Config
	Repo   store.Repository
	Events store.EventSink
	Log    *mlog.Log
}

var connID int64

func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("imapserver: listen %s: %w", l.Addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	cfg := l.Cfg.withDefaults()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("imapserver: accept: %w", err)
		}
		go l.serve(nc, cfg)
	}
}

func (l *Listener) serve(nc net.Conn, cfg Config) {
	cid := atomic.AddInt64(&connID, 1)
	remoteIP, _, _ := net.SplitHostPort(nc.RemoteAddr().String())

	acceptor := tlsaccept.New(nc, l.Mode, l.TLS)
	c := &conn{
		cid:      cid,
		log:      l.Log,
		cfg:      cfg,
		repo:     l.Repo,
		events:   l.Events,
		acceptor: acceptor,
		remoteIP: remoteIP,
		fr:       framer.New(acceptor.Reader()),
		w:        bufio.NewWriter(nc),
	}
	c.fr.MaxLineLength = cfg.MaxLineLength

	defer func() {
		x := recover()
		nc.Close()
		if x == nil || x == cleanClose {
			return
		}
		if err, ok := x.(error); ok && (err == errIO || isClosed(err)) {
			return
		}
		if l.Log != nil {
			l.Log.Errorx("imapserver: connection panic", fmt.Errorf("%v", x))
		}
	}()

	nc.SetDeadline(time.Now().Add(cfg.SessionTimeout))

	if l.Mode == tlsaccept.Implicit {
		if _, err := acceptor.Handshake(); err != nil {
			return
		}
		c.fr = framer.New(acceptor.Reader())
		c.fr.MaxLineLength = cfg.MaxLineLength
		c.w = bufio.NewWriter(acceptor.Conn())
	}

	c.writelinef("* OK [CAPABILITY %s] %s ready", capabilityString(c.tlsActive()), cfg.Hostname)
	c.flush()

	for c.state != stateLogout {
		nc.SetDeadline(time.Now().Add(cfg.SessionTimeout))
		command(c)
	}
}

// readCommand reads one command line: tag, command verb (with an optional
// leading "UID " folded into the verb, per spec §4.5), and the remainder as
// a parser. Grounded on the teacher's readCommand/c.command() split.
func (c *conn) readCommand() (tag, verb string, p *parser) {
	line := c.readline()
	rest := line
	tag, rest, ok := strings.Cut(rest, " ")
	if !ok || tag == "" {
		xsyntaxErrorf("missing tag")
	}
	verb, rest, _ = strings.Cut(strings.TrimLeft(rest, " "), " ")
	if verb == "" {
		xsyntaxErrorf("missing command")
	}
	verbLow := strings.ToLower(verb)
	if verbLow == "uid" {
		uidVerb, uidRest, ok := strings.Cut(strings.TrimLeft(rest, " "), " ")
		if !ok {
			uidVerb = strings.TrimSpace(rest)
			uidRest = ""
		}
		verbLow = "uid " + strings.ToLower(uidVerb)
		rest = uidRest
	}
	return tag, verbLow, &parser{c: c, orig: strings.TrimLeft(rest, " ")}
}
