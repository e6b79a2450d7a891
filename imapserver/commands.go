package imapserver

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
)

func stateSet(cmds ...string) map[string]bool {
	m := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		m[c] = true
	}
	return m
}

var (
	cmdsAny            = stateSet("capability", "noop", "logout", "id", "enable", "namespace", "starttls")
	cmdsNotAuth        = stateSet("login", "authenticate")
	cmdsAuthenticated  = stateSet("select", "examine", "create", "delete", "rename", "subscribe",
		"unsubscribe", "list", "lsub", "status", "append")
	cmdsSelected = stateSet("fetch", "uid fetch", "store", "uid store", "search", "uid search",
		"copy", "uid copy", "move", "uid move", "expunge", "uid expunge", "close", "unselect", "idle")
)

// commands is the dispatch table, grounded on the teacher's
// `var commands = map[string]func(c *conn, tag, cmd string, p *parser){...}`.
var commands = map[string]func(c *conn, tag string, p *parser){
	"capability": (*conn).cmdCapability,
	"noop":       (*conn).cmdNoop,
	"logout":     (*conn).cmdLogout,
	"id":         (*conn).cmdID,
	"enable":     (*conn).cmdEnable,
	"namespace":  (*conn).cmdNamespace,
	"starttls":   (*conn).cmdStarttls,

	"login":        (*conn).cmdLogin,
	"authenticate": (*conn).cmdAuthenticate,

	"select":      (*conn).cmdSelect,
	"examine":     (*conn).cmdExamine,
	"create":      (*conn).cmdCreate,
	"delete":      (*conn).cmdDelete,
	"rename":      (*conn).cmdRename,
	"subscribe":   (*conn).cmdSubscribe,
	"unsubscribe": (*conn).cmdUnsubscribe,
	"list":        (*conn).cmdList,
	"lsub":        (*conn).cmdLsub,
	"status":      (*conn).cmdStatus,
	"append":      (*conn).cmdAppend,

	"fetch":       (*conn).cmdFetch,
	"uid fetch":   (*conn).cmdUIDFetch,
	"store":       (*conn).cmdStore,
	"uid store":   (*conn).cmdUIDStore,
	"search":      (*conn).cmdSearch,
	"uid search":  (*conn).cmdUIDSearch,
	"copy":        (*conn).cmdCopy,
	"uid copy":    (*conn).cmdUIDCopy,
	"move":        (*conn).cmdMove,
	"uid move":    (*conn).cmdUIDMove,
	"expunge":     (*conn).cmdExpunge,
	"uid expunge": (*conn).cmdUIDExpunge,
	"close":       (*conn).cmdClose,
	"unselect":    (*conn).cmdUnselect,
	"idle":        (*conn).cmdIdle,
}

// command reads and dispatches one IMAP command, grounded on the teacher's
// command() recover block mapping syntaxError→BAD, userError→NO,
// serverError→NO (with server-side logging).
func command(c *conn) {
	var tag string
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if x == cleanClose {
			panic(x)
		}
		err, ok := x.(error)
		if !ok {
			panic(x)
		}
		if err == errIO || isClosed(err) {
			panic(err)
		}
		if tag == "" {
			tag = "*"
		}
		switch e := x.(type) {
		case syntaxError:
			c.writelinef("%s BAD %s", tag, e.errmsg)
		case userError:
			if e.code != "" {
				c.writelinef("%s NO [%s] %s", tag, e.code, e.err.Error())
			} else {
				c.writelinef("%s NO %s", tag, e.err.Error())
			}
		case serverError:
			if c.log != nil {
				c.log.Errorx("imap command server error", e.err)
			}
			c.writelinef("%s NO %s", tag, e.err.Error())
		default:
			panic(x)
		}
		c.flush()
	}()

	t, verb, p := c.readCommand()
	tag = t

	fn, ok := commands[verb]
	if !ok {
		xsyntaxErrorf("unknown command %q", verb)
	}
	allowedAny := cmdsAny[verb]
	allowedNotAuth := cmdsNotAuth[verb] && c.state == stateNotAuthenticated
	allowedAuthPlus := cmdsAuthenticated[verb] && (c.state == stateAuthenticated || c.state == stateSelected)
	allowedSelected := cmdsSelected[verb] && c.state == stateSelected
	if !(allowedAny || allowedNotAuth || allowedAuthPlus || allowedSelected) {
		xuserErrorf("command not allowed in this state")
	}

	fn(c, tag, p)
	c.flush()
}

func (c *conn) cmdCapability(tag string, p *parser) {
	p.xend()
	c.writelinef("* CAPABILITY %s", capabilityString(c.tlsActive()))
	c.writelinef("%s OK CAPABILITY completed", tag)
}

func (c *conn) cmdNoop(tag string, p *parser) {
	p.xend()
	if c.state == stateSelected {
		c.maybeEmitUnsolicited()
	}
	c.writelinef("%s OK NOOP completed", tag)
}

func (c *conn) cmdLogout(tag string, p *parser) {
	p.xend()
	c.writelinef("* BYE logging out")
	c.writelinef("%s OK LOGOUT completed", tag)
	c.state = stateLogout
}

func (c *conn) cmdID(tag string, p *parser) {
	// Accept either NIL or a parenthesized list, spec §4.5; we don't surface
	// client identification anywhere so the contents are simply discarded.
	p.skipSpace()
	if strings.HasPrefix(strings.ToUpper(p.rest()), "NIL") {
		p.pos += 3
	} else {
		xparenList(p, func(p *parser) string { return p.xastring() })
	}
	p.xend()
	c.writelinef(`* ID ("name" "9Mail")`)
	c.writelinef("%s OK ID completed", tag)
}

func (c *conn) cmdEnable(tag string, p *parser) {
	xparenList(p, func(p *parser) string { return p.xword() })
	p.xend()
	c.writelinef("* ENABLED")
	c.writelinef("%s OK ENABLE completed", tag)
}

func (c *conn) cmdNamespace(tag string, p *parser) {
	p.xend()
	c.writelinef(`* NAMESPACE (("" ".")) NIL NIL`)
	c.writelinef("%s OK NAMESPACE completed", tag)
}

func (c *conn) cmdStarttls(tag string, p *parser) {
	p.xend()
	if c.tlsActive() {
		xuserErrorf("TLS already active")
	}
	c.writelinef("%s OK begin TLS negotiation now", tag)
	c.flush()
	if err := c.acceptor.StartTLS(); err != nil {
		panic(fmt.Errorf("%w: starttls: %v", errIO, err))
	}
	c.fr = framer.New(c.acceptor.Reader())
	c.fr.MaxLineLength = c.cfg.MaxLineLength
	c.w = bufio.NewWriter(c.acceptor.Conn())
	// Discard prior authentication state, the same reset STARTTLS forces on
	// the SMTP engine (spec §4.2).
	c.state = stateNotAuthenticated
	c.username = ""
	c.owner = ""
	c.unselect()
}

func (c *conn) cmdLogin(tag string, p *parser) {
	user := p.xastring()
	p.xspace()
	pass := p.xastring()
	p.xend()
	c.finishLogin(tag, user, pass)
}

func (c *conn) cmdAuthenticate(tag string, p *parser) {
	mech := strings.ToUpper(p.xword())
	switch mech {
	case "PLAIN":
		p.skipSpace()
		var initial string
		if !p.atEnd() {
			initial = p.xastring()
		}
		p.xend()
		if initial == "" {
			c.writelinef("+ ")
			c.flush()
			initial = c.readline()
		}
		dec, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			xsyntaxErrorf("invalid base64")
		}
		parts := strings.SplitN(string(dec), "\x00", 3)
		if len(parts) != 3 {
			xsyntaxErrorf("malformed AUTH PLAIN payload")
		}
		c.finishLogin(tag, parts[1], parts[2])
	case "LOGIN":
		p.xend()
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte("Username:")))
		c.flush()
		userB64 := c.readline()
		user, err := base64.StdEncoding.DecodeString(userB64)
		if err != nil {
			xsyntaxErrorf("invalid base64")
		}
		c.writelinef("+ %s", base64.StdEncoding.EncodeToString([]byte("Password:")))
		c.flush()
		passB64 := c.readline()
		pass, err := base64.StdEncoding.DecodeString(passB64)
		if err != nil {
			xsyntaxErrorf("invalid base64")
		}
		c.finishLogin(tag, string(user), string(pass))
	default:
		xusercodeErrorf("AUTHENTICATIONFAILED", "unsupported mechanism %q", mech)
	}
}

func (c *conn) finishLogin(tag, user, pass string) {
	if c.state != stateNotAuthenticated {
		xuserErrorf("already authenticated")
	}
	sum := sha256.Sum256([]byte(pass))
	ok, err := c.repo.Authenticate(context.Background(), user, hex.EncodeToString(sum[:]))
	xcheckf(err, "authenticate")
	if !ok {
		c.authFails++
		if c.events != nil {
			c.events.IMAPLoginFailure()
		}
		time.Sleep(time.Duration(min(c.authFails, 5)) * time.Second)
		xusercodeErrorf("AUTHENTICATIONFAILED", "invalid credentials")
	}
	if err := c.repo.EnsureDefaultMailboxes(context.Background(), user); err != nil {
		xcheckf(err, "provisioning default mailboxes")
	}
	c.state = stateAuthenticated
	c.username = user
	c.owner = user
	if c.events != nil {
		c.events.IMAPLoginSuccess()
	}
	c.writelinef("%s OK [CAPABILITY %s] LOGIN completed", tag, capabilityString(c.tlsActive()))
}
