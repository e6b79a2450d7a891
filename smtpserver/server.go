package smtpserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/gujc71/9Mail/framer"
	"github.com/gujc71/9Mail/mlog"
	"github.com/gujc71/9Mail/store"
	"github.com/gujc71/9Mail/tlsaccept"
)

// Listener owns one accepting socket for one port personality.
type Listener struct {
	Addr       string
	Mode       tlsaccept.Mode
	Submission bool // true for the submission ports (587 dual-mode and 465 implicit TLS).

	Cfg    Config
	TLS    *tls.Config
	Repo   store.Repository
	Events store.EventSink
	Log    *mlog.Log
}

var connID int64

// ListenAndServe opens l.Addr and serves connections until ctx is
// cancelled or Listen fails, the teacher's top-level Listen/Serve split in
// smtpserver/listen.go generalized to one function per Listener.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("smtpserver: listen %s: %w", l.Addr, err)
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
			return fmt.Errorf("smtpserver: accept: %w", err)
		}
		go l.serve(nc, cfg)
	}
}

// serve runs one connection to completion, mirroring the teacher's serve()
// in smtpserver/server.go: accept, wrap in the acceptor, run the banner
// timing, then loop command() until a panic unwinds it.
func (l *Listener) serve(nc net.Conn, cfg Config) {
	cid := atomic.AddInt64(&connID, 1)
	remoteIP, _, _ := net.SplitHostPort(nc.RemoteAddr().String())

	acceptor := tlsaccept.New(nc, l.Mode, l.TLS)
	c := &conn{
		cid:        cid,
		log:        l.Log,
		cfg:        cfg,
		repo:       l.Repo,
		events:     l.Events,
		acceptor:   acceptor,
		submission: l.Submission,
		implicit:   l.Mode == tlsaccept.Implicit,
		remoteIP:   remoteIP,
		fr:         framer.New(acceptor.Reader()),
		w:          bufio.NewWriter(nc),
	}

	defer func() {
		x := recover()
		nc.Close()
		if x == nil || x == cleanClose {
			return
		}
		if err, ok := x.(error); ok && (err == errIO || isClosed(err)) {
			return
		}
		if l.log() != nil {
			l.log().Errorx("smtpserver: connection panic", fmt.Errorf("%v", x))
		}
	}()

	nc.SetDeadline(time.Now().Add(cfg.SessionTimeout))

	switch l.Mode {
	case tlsaccept.Implicit:
		if _, err := acceptor.Handshake(); err != nil {
			return
		}
		c.fr = framer.New(acceptor.Reader())
		c.w = bufio.NewWriter(acceptor.Conn())
		c.writeBanner(cfg)
	case tlsaccept.Dual:
		l.serveDual(c, acceptor, cfg)
	default: // Plain
		c.writeBanner(cfg)
	}

	for {
		nc.SetDeadline(time.Now().Add(cfg.SessionTimeout))
		command(c)
	}
}

type detectResult struct {
	ev  tlsaccept.Event
	err error
}

// serveDual implements the 587 banner-timing rule (spec §4.4): detection
// runs in the background since Detect's Peek blocks until the client sends
// its first byte; a 300ms timer fires the banner anyway if the client is
// instead waiting on the server to speak first (the common plaintext case).
// Whichever happens first — detection or timeout — triggers exactly one
// banner write; we then always wait for detection to finish before reading
// the next line, since the framer must reflect whether TLS engaged.
func (l *Listener) serveDual(c *conn, acceptor *tlsaccept.Acceptor, cfg Config) {
	resultCh := make(chan detectResult, 1)
	go func() {
		ev, err := acceptor.Detect()
		resultCh <- detectResult{ev, err}
	}()

	var res detectResult
	select {
	case res = <-resultCh:
	case <-time.After(300 * time.Millisecond):
		c.writeBanner(cfg)
		res = <-resultCh
	}
	if res.err != nil {
		panic(fmt.Errorf("%w: dual-mode detect: %v", errIO, res.err))
	}
	if res.ev == tlsaccept.TLSEstablished {
		c.fr = framer.New(acceptor.Reader())
		c.w = bufio.NewWriter(acceptor.Conn())
	}
	if !c.bannerSent {
		c.writeBanner(cfg)
	}
}

// writeBanner sends the initial 220 greeting. The session stays in
// stateConnected until HELO/EHLO succeeds (resetTransaction moves it to
// stateGreeted), so a client that pipelines MAIL before EHLO is rejected.
func (c *conn) writeBanner(cfg Config) {
	c.writelinef("%d %s ESMTP %s", 220, cfg.Hostname, "9Mail ready")
	c.flush()
	c.bannerSent = true
}

func (l *Listener) log() *mlog.Log { return l.Log }
