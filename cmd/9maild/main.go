// Command 9maild runs the SMTP and IMAP listeners described by a 9Mail
// configuration file, grounded on the teacher's main.go/serve.go top-level
// wiring (parse config, open the account/message store, start each
// protocol's listeners, wait for a shutdown signal).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gujc71/9Mail/config"
	"github.com/gujc71/9Mail/imapserver"
	"github.com/gujc71/9Mail/metrics"
	"github.com/gujc71/9Mail/mlog"
	"github.com/gujc71/9Mail/smtpserver"
	"github.com/gujc71/9Mail/store"
	"github.com/gujc71/9Mail/store/bstorerepo"
	"github.com/gujc71/9Mail/tlsaccept"
)

func main() {
	configPath := flag.String("config", "9mail.conf", "path to the configuration file")
	flag.Parse()

	log := mlog.New("9maild", slog.Default())

	cfg, err := config.ParseFile(*configPath)
	if err != nil {
		log.Fatalx("parsing configuration", err)
	}

	repo, err := bstorerepo.Open(context.Background(), filepath.Join(cfg.DataDir, "index.db"), cfg.LocalDomains, cfg.TrustedRelayIPs)
	if err != nil {
		log.Fatalx("opening store", err)
	}
	defer repo.Close()

	events := metrics.New()

	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			log.Fatalx("loading TLS certificate", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startListeners(ctx, cfg, repo, events, tlsConfig, &log); err != nil {
		log.Fatalx("starting listeners", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Print("shutting down", slog.String("signal", s.String()))
	cancel()
}

// startListeners binds every enabled service across every named listener
// group in the configuration, logging each bind and running its accept loop
// in its own goroutine.
func startListeners(ctx context.Context, cfg *config.Static, repo store.Repository, events store.EventSink, tlsConfig *tls.Config, log *mlog.Log) error {
	smtpCfg := smtpserver.Config{
		Hostname:                cfg.Hostname,
		MaxAuthFailures:         cfg.MaxAuthFailures,
		TarpitDelay:             cfg.TarpitDelay,
		MaxMessageSize:          cfg.MaxMessageSize,
		MaxRecipients:           cfg.MaxRecipients,
		SessionTimeout:          cfg.SMTPSessionTimeout,
		RequireAuthOnSubmission: cfg.RequireAuthOnSubmission,
	}
	imapCfg := imapserver.Config{
		Hostname:       cfg.Hostname,
		MaxLineLength:  cfg.IMAPMaxLineLength,
		SessionTimeout: cfg.IMAPSessionTimeout,
	}

	started := false
	for name, l := range cfg.Listeners {
		for _, ip := range l.IPs {
			if l.SMTP.Enabled {
				if err := runSMTP(ctx, name, ip, config.Port(l.SMTP.Port, 25), tlsaccept.Plain, false, smtpCfg, tlsConfig, repo, events, log); err != nil {
					return err
				}
				started = true
			}
			if l.Submission.Enabled {
				if err := runSMTP(ctx, name, ip, config.Port(l.Submission.Port, 587), tlsaccept.Dual, true, smtpCfg, tlsConfig, repo, events, log); err != nil {
					return err
				}
				started = true
			}
			if l.Submissions.Enabled {
				if tlsConfig == nil {
					return fmt.Errorf("listener %q: submissions service requires tlscertfile/tlskeyfile", name)
				}
				if err := runSMTP(ctx, name, ip, config.Port(l.Submissions.Port, 465), tlsaccept.Implicit, true, smtpCfg, tlsConfig, repo, events, log); err != nil {
					return err
				}
				started = true
			}
			if l.IMAP.Enabled {
				if err := runIMAP(ctx, name, ip, config.Port(l.IMAP.Port, 143), tlsaccept.Plain, imapCfg, tlsConfig, repo, events, log); err != nil {
					return err
				}
				started = true
			}
			if l.IMAPS.Enabled {
				if tlsConfig == nil {
					return fmt.Errorf("listener %q: imaps service requires tlscertfile/tlskeyfile", name)
				}
				if err := runIMAP(ctx, name, ip, config.Port(l.IMAPS.Port, 993), tlsaccept.Implicit, imapCfg, tlsConfig, repo, events, log); err != nil {
					return err
				}
				started = true
			}
		}
	}
	if !started {
		return fmt.Errorf("no listeners enabled in configuration")
	}
	return nil
}

func runSMTP(ctx context.Context, name, ip string, port int, mode tlsaccept.Mode, submission bool, cfg smtpserver.Config, tlsConfig *tls.Config, repo store.Repository, events store.EventSink, log *mlog.Log) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	l := &smtpserver.Listener{
		Addr:       addr,
		Mode:       mode,
		Submission: submission,
		Cfg:        cfg,
		TLS:        tlsConfig,
		Repo:       repo,
		Events:     events,
		Log:        log,
	}
	log.Print("smtp listening", slog.String("listener", name), slog.String("addr", addr))
	go func() {
		if err := l.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Errorx("smtp listener stopped", err, slog.String("addr", addr))
		}
	}()
	return nil
}

func runIMAP(ctx context.Context, name, ip string, port int, mode tlsaccept.Mode, cfg imapserver.Config, tlsConfig *tls.Config, repo store.Repository, events store.EventSink, log *mlog.Log) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	l := &imapserver.Listener{
		Addr:   addr,
		Mode:   mode,
		Cfg:    cfg,
		TLS:    tlsConfig,
		Repo:   repo,
		Events: events,
		Log:    log,
	}
	log.Print("imap listening", slog.String("listener", name), slog.String("addr", addr))
	go func() {
		if err := l.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			log.Errorx("imap listener stopped", err, slog.String("addr", addr))
		}
	}()
	return nil
}
