// Package metrics implements the optional event sink (spec §6, "Event
// sink") as Prometheus counters, grounded on the teacher's
// promauto.NewCounterVec usage in smtpserver/server.go and
// imapserver/server.go (metricConnection, metricCommands, metricDelivery).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gujc71/9Mail/store"
)

var (
	mailReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ninemail_smtp_mail_received_total",
		Help: "SMTP messages accepted for delivery.",
	})
	authFailure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ninemail_auth_failure_total",
		Help: "Authentication failures, by protocol.",
	}, []string{"protocol"})
	loginSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ninemail_imap_login_success_total",
		Help: "Successful IMAP LOGIN/AUTHENTICATE commands.",
	})
	imapCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ninemail_imap_command_total",
		Help: "IMAP commands processed, by command name.",
	}, []string{"command"})
)

// Prometheus is a store.EventSink backed by the package-level collectors
// above (registered once on package init, as promauto does for the
// teacher's own metrics).
type Prometheus struct{}

func New() Prometheus { return Prometheus{} }

func (Prometheus) SMTPMailReceived()  { mailReceived.Inc() }
func (Prometheus) SMTPAuthFailure()   { authFailure.WithLabelValues("smtp").Inc() }
func (Prometheus) IMAPLoginSuccess()  { loginSuccess.Inc() }
func (Prometheus) IMAPLoginFailure()  { authFailure.WithLabelValues("imap").Inc() }
func (Prometheus) IMAPCommand(name string) { imapCommands.WithLabelValues(name).Inc() }

var _ store.EventSink = Prometheus{}

// Discard is a no-op store.EventSink, used where no metrics collector is
// configured.
type Discard struct{}

func (Discard) SMTPMailReceived()      {}
func (Discard) SMTPAuthFailure()       {}
func (Discard) IMAPLoginSuccess()      {}
func (Discard) IMAPLoginFailure()      {}
func (Discard) IMAPCommand(string)     {}

var _ store.EventSink = Discard{}
