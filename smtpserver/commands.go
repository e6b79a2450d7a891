package smtpserver

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gujc71/9Mail/framer"
	"github.com/gujc71/9Mail/smtp"
)

// commands is the dispatch table, grounded on the teacher's
// `var commands = map[string]func(c *conn, p *parser){...}` in
// smtpserver/server.go, simplified to the spec's command set (no
// VRFY/EXPN/HELP — spec §4.4 doesn't list them).
var commands = map[string]func(c *conn, args string){
	"helo":     (*conn).cmdHelo,
	"ehlo":     (*conn).cmdEhlo,
	"starttls": (*conn).cmdStarttls,
	"auth":     (*conn).cmdAuth,
	"mail":     (*conn).cmdMail,
	"rcpt":     (*conn).cmdRcpt,
	"data":     (*conn).cmdData,
	"rset":     (*conn).cmdRset,
	"noop":     (*conn).cmdNoop,
	"quit":     (*conn).cmdQuit,
}

// command reads and dispatches one SMTP command, the teacher's single
// panic/recover choke point so every handler below can fail with a plain
// xsmtpErrorf call instead of threading errors through every return.
func command(c *conn) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if x == cleanClose || x == errIO {
			panic(x)
		}
		serr, ok := x.(smtpError)
		if !ok {
			panic(x)
		}
		c.writecodeline(serr.code, serr.secode, serr.errmsg, serr.err)
		c.flush()
	}()

	// In DATA-body mode we're not dispatching a command at all: every line is
	// message content until the bare "." terminator (spec §4.1's "line mode"
	// continues; only the interpretation changes).
	if c.state == stateData {
		c.dataLine(c.readline())
		c.flush()
		return
	}
	if c.state == stateAuthPlainInput || c.state == stateAuthLoginUsername || c.state == stateAuthLoginPassword {
		c.authContinuation(c.readline())
		c.flush()
		return
	}

	line := c.readline()
	cmd, args, _ := strings.Cut(line, " ")
	cmdl := strings.ToLower(cmd)

	fn, ok := commands[cmdl]
	if !ok {
		xsmtpErrorf(smtp.C500BadSyntax, smtp.SeParam5Syntax, "unknown command")
	}
	fn(c, args)
	c.flush()
}

// cmdHelo/cmdEhlo: reset transaction, move to GREETED, EHLO replies
// multi-line with advertised extensions (spec §4.4 table; extension list
// per spec's "Advertised EHLO extensions").
func (c *conn) cmdHelo(args string) {
	c.resetTransaction()
	c.writelinef("%d %s", smtp.C250Completed, c.cfg.Hostname)
}

func (c *conn) cmdEhlo(args string) {
	c.resetTransaction()
	lines := []string{fmt.Sprintf("%s, hello", c.cfg.Hostname)}
	lines = append(lines, fmt.Sprintf("SIZE %d", c.cfg.MaxMessageSize))
	lines = append(lines, "8BITMIME", "PIPELINING", "CHUNKING")
	if !c.tlsActive() {
		lines = append(lines, "STARTTLS")
	}
	// AUTH suppressed on submission port until TLS is active (spec §4.4).
	if c.tlsActive() || !c.submission {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "ENHANCEDSTATUSCODES")
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(c.w, "%d%s%s\r\n", smtp.C250Completed, sep, l)
	}
}

func (c *conn) cmdStarttls(args string) {
	if c.tlsActive() {
		xsmtpErrorf(smtp.C503BadCmdSeq, smtp.SePol7Other0, "TLS already active")
	}
	c.writelinef("%d %s", smtp.C220ServiceReady, "ready to start TLS")
	c.flush()
	if err := c.acceptor.StartTLS(); err != nil {
		panic(fmt.Errorf("%w: starttls: %v", errIO, err))
	}
	c.fr = framer.New(c.acceptor.Reader())
	c.w = bufio.NewWriter(c.acceptor.Conn())
	c.resetAfterTLS()
}

func (c *conn) cmdAuth(args string) {
	if c.state != stateGreeted {
		xsmtpErrorf(smtp.C503BadCmdSeq, smtp.SePol7Other0, "not allowed in this state")
	}
	mech, rest, _ := strings.Cut(strings.TrimSpace(args), " ")
	switch strings.ToUpper(mech) {
	case "PLAIN":
		rest = strings.TrimSpace(rest)
		if rest == "" {
			c.writelinef("%d ", smtp.C334ContinueAuth)
			c.flush()
			c.state = stateAuthPlainInput
			return
		}
		c.finishAuthPlain(rest)
	case "LOGIN":
		c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte("Username:")))
		c.flush()
		c.state = stateAuthLoginUsername
	default:
		xsmtpErrorf(smtp.C504BadAuthMech, smtp.SePol7Other0, "unsupported authentication mechanism")
	}
}

// authContinuation handles the three AUTH sub-states, called instead of
// dispatching through the commands map (spec §4.4: AUTH PLAIN/LOGIN
// continuation lines are raw base64, not SMTP commands).
func (c *conn) authContinuation(line string) {
	switch c.state {
	case stateAuthPlainInput:
		c.state = stateGreeted
		c.finishAuthPlain(line)
	case stateAuthLoginUsername:
		dec, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			c.state = stateGreeted
			xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "invalid base64")
		}
		c.authLoginUser = string(dec)
		c.writelinef("%d %s", smtp.C334ContinueAuth, base64.StdEncoding.EncodeToString([]byte("Password:")))
		c.flush()
		c.state = stateAuthLoginPassword
	case stateAuthLoginPassword:
		c.state = stateGreeted
		dec, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "invalid base64")
		}
		c.authenticateOrTarpit(c.authLoginUser, string(dec))
	}
}

// finishAuthPlain decodes AUTH PLAIN's "\0user\0pass" payload (spec §4.4).
func (c *conn) finishAuthPlain(b64 string) {
	dec, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "invalid base64")
	}
	parts := strings.SplitN(string(dec), "\x00", 3)
	if len(parts) != 3 {
		xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "malformed AUTH PLAIN payload")
	}
	c.authenticateOrTarpit(parts[1], parts[2])
}

// authenticateOrTarpit implements the AUTH failure tarpit (spec §4.4): on
// success, advance to authenticated/GREETED; on failure, delay the negative
// response and terminate after MaxAuthFailures.
func (c *conn) authenticateOrTarpit(user, pass string) {
	sum := sha256.Sum256([]byte(pass))
	ok, err := c.repo.Authenticate(context.Background(), user, hex.EncodeToString(sum[:]))
	if err != nil {
		xsmtpErrorf(smtp.C451LocalErr, smtp.SeSys3NotAccepting, "authentication backend error")
	}
	if ok {
		c.authenticated = true
		c.username = user
		c.writelinef("%d authenticated", smtp.C235AuthSuccess)
		return
	}
	c.authFailures++
	if c.events != nil {
		c.events.SMTPAuthFailure()
	}
	if c.authFailures >= c.cfg.MaxAuthFailures {
		c.writecodeline(smtp.C421ServiceUnavail, smtp.SePol7Other0, "too many authentication failures", nil)
		c.flush()
		panic(cleanClose)
	}
	time.Sleep(c.cfg.TarpitDelay)
	xsmtpErrorf(smtp.C535AuthBadCreds, smtp.SePol7AuthCreds, "authentication credentials invalid")
}

func (c *conn) cmdMail(args string) {
	if c.state != stateGreeted {
		xsmtpErrorf(smtp.C503BadCmdSeq, smtp.SePol7Other0, "MAIL not allowed in this state")
	}
	if c.submission && c.cfg.RequireAuthOnSubmission && !c.authenticated {
		xsmtpErrorf(smtp.C530SecurityRequired, smtp.SePol7AuthRequired, "authentication required")
	}
	addr := extractAngleAddr(args, "FROM:")
	if addr == "" {
		xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "malformed MAIL FROM")
	}
	stripped := smtp.StripAngleBrackets(addr)
	if stripped != "" {
		if _, err := smtp.ParsePath(stripped); err != nil {
			xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "malformed MAIL FROM address")
		}
	}
	c.mailFrom = stripped
	c.state = stateMailFrom
	c.writelinef("%d OK", smtp.C250Completed)
}

func (c *conn) cmdRcpt(args string) {
	if c.state != stateMailFrom && c.state != stateRcptTo {
		xsmtpErrorf(smtp.C503BadCmdSeq, smtp.SePol7Other0, "RCPT not allowed in this state")
	}
	if len(c.rcptTo) >= c.cfg.MaxRecipients {
		xsmtpErrorf(smtp.C452StorageFull, smtp.SeMailbox5TooManyRcpts, "too many recipients")
	}
	addr := extractAngleAddr(args, "TO:")
	if addr == "" {
		xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "malformed RCPT TO")
	}
	rcpt := smtp.StripAngleBrackets(addr)
	if _, err := smtp.ParsePath(rcpt); err != nil {
		xsmtpErrorf(smtp.C501BadParamSyntax, smtp.SeParam5Syntax, "malformed RCPT TO address")
	}

	ctx := context.Background()
	senderDomain := domainOf(c.mailFrom)
	rcptDomain := domainOf(rcpt)
	rcptLocal, err := c.repo.DomainIsLocal(ctx, rcptDomain)
	if err != nil {
		xsmtpErrorf(smtp.C451LocalErr, smtp.SeSys3NotAccepting, "repository error")
	}

	sameDomain := strings.EqualFold(senderDomain, rcptDomain)
	if !(sameDomain && rcptLocal) {
		canRelay, err := c.repo.CanRelayExternal(ctx, c.authenticated, c.remoteIP)
		if err != nil {
			xsmtpErrorf(smtp.C451LocalErr, smtp.SeSys3NotAccepting, "repository error")
		}
		if !canRelay {
			xsmtpErrorf(smtp.C550MailboxUnavail, smtp.SePol7RelayDenied, "relaying denied")
		}
	}
	if rcptLocal {
		exists, err := c.repo.UserExists(ctx, rcpt)
		if err != nil {
			xsmtpErrorf(smtp.C451LocalErr, smtp.SeSys3NotAccepting, "repository error")
		}
		if !exists {
			xsmtpErrorf(smtp.C550MailboxUnavail, smtp.SeAddr1BadDestMbox, "unknown user: "+rcpt)
		}
	}

	c.rcptTo = append(c.rcptTo, rcpt)
	c.state = stateRcptTo
	c.writelinef("%d OK", smtp.C250Completed)
}

// domainOf extracts and IDNA-normalizes the domain half of an address,
// the way the relay policy's same-domain check compares them on the wire
// (spec §4.4). Falls back to a lower-cased raw domain if it doesn't parse as
// a valid domain, so a malformed MAIL FROM/RCPT TO (already validated by
// ParsePath at the call site) never turns a comparison into a server error.
func domainOf(addr string) string {
	_, domain, _ := strings.Cut(addr, "@")
	d, err := smtp.ParseDomain(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	return d.ASCII
}

// extractAngleAddr pulls the address out of "FROM:<addr> SIZE=123" /
// "TO:<addr>" argument text, case-insensitively matching the prefix and
// discarding any trailing parameters (spec §4.4: "strip optional SIZE=
// parameter").
func extractAngleAddr(args, prefix string) string {
	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), prefix) {
		return ""
	}
	rest := args[len(prefix):]
	end := strings.IndexByte(rest, ' ')
	if end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func (c *conn) cmdData(args string) {
	if c.state != stateRcptTo {
		xsmtpErrorf(smtp.C503BadCmdSeq, smtp.SePol7Other0, "DATA not allowed in this state")
	}
	c.writelinef("%d start mail input; end with <CRLF>.<CRLF>", smtp.C354Continue)
	c.flush()
	c.state = stateData
}

// dataLine accumulates one line of the DATA body (spec §4.4: "accumulate
// until bare . line; undo dot-stuffing; enforce max size").
func (c *conn) dataLine(line string) {
	if smtp.IsDataTerminator(line) {
		c.deliver()
		return
	}
	unstuffed := smtp.UnstuffLine(line)
	if int64(len(c.dataBuf)+len(unstuffed)+2) > c.cfg.MaxMessageSize {
		c.dataBuf = nil
		c.state = stateGreeted
		xsmtpErrorf(smtp.C552MessageTooLarge, smtp.SeMsg3TooLarge, "message too large")
	}
	c.dataBuf = append(c.dataBuf, []byte(unstuffed)...)
	c.dataBuf = append(c.dataBuf, '\r', '\n')
}

func (c *conn) deliver() {
	messageID, err := c.repo.ProcessIncoming(context.Background(), c.dataBuf, c.mailFrom, c.rcptTo)
	if err != nil {
		c.resetTransaction()
		xsmtpErrorf(smtp.C451LocalErr, smtp.SeSys3NotAccepting, "mail processing error")
	}
	if c.events != nil {
		c.events.SMTPMailReceived()
	}
	c.writelinef("%d OK queued as %s", smtp.C250Completed, messageID)
	c.resetTransaction()
}

func (c *conn) cmdRset(args string) {
	c.resetTransaction()
	c.writelinef("%d OK", smtp.C250Completed)
}

func (c *conn) cmdNoop(args string) {
	c.writelinef("%d OK", smtp.C250Completed)
}

func (c *conn) cmdQuit(args string) {
	c.writelinef("%d %s closing connection", smtp.C221Closing, c.cfg.Hostname)
	c.flush()
	panic(cleanClose)
}
