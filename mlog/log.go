// Package mlog provides structured logging on top of log/slog, with a
// per-connection id ("cid") and a few conventions used across the SMTP and
// IMAP engines: Errorx/Infox/Debugx take an error explicitly, Fatalx logs
// and exits, and Check logs an error that cannot be usefully handled (e.g.
// from a deferred Close).
package mlog

import (
	"fmt"
	"log/slog"
	"os"
)

// Log wraps a *slog.Logger, adding the Errorx/Fatalx/Check conventions and a
// deferred-fields hook (WithFunc) for attributes computed per-call (e.g. a
// running "time since last log line" per connection).
type Log struct {
	Logger *slog.Logger

	pkg    string
	fields []slog.Attr
	more   func() []slog.Attr
}

var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)

// SetHandler replaces the slog.Handler used by all Log instances created
// afterwards (only those created with a nil base logger).
func SetHandler(h slog.Handler) {
	handler = h
}

// New returns a logger tagged with the originating package name. If base is
// nil, the package-global handler is used; tests may pass their own logger.
func New(pkg string, base *slog.Logger) Log {
	l := base
	if l == nil {
		l = slog.New(handler)
	}
	return Log{Logger: l, pkg: pkg, fields: []slog.Attr{slog.String("pkg", pkg)}}
}

// Fields returns a derived logger with additional fields attached to every
// subsequent log line.
func (l Log) Fields(attrs ...slog.Attr) Log {
	nl := l
	nl.fields = append(append([]slog.Attr{}, l.fields...), attrs...)
	return nl
}

// WithCid attaches a connection id field.
func (l Log) WithCid(cid int64) Log {
	return l.Fields(slog.Int64("cid", cid))
}

// WithFunc sets a function called just before each log line, to compute
// fields that change per call (e.g. elapsed time since the previous line).
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.more = fn
	return nl
}

func (l Log) attrs(extra []slog.Attr) []any {
	all := append(append([]slog.Attr{}, l.fields...), extra...)
	if l.more != nil {
		all = append(all, l.more()...)
	}
	args := make([]any, len(all))
	for i, a := range all {
		args[i] = a
	}
	return args
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.Logger.Debug(msg, l.attrs(attrs)...) }
func (l Log) Info(msg string, attrs ...slog.Attr)  { l.Logger.Info(msg, l.attrs(attrs)...) }
func (l Log) Error(msg string, attrs ...slog.Attr) { l.Logger.Error(msg, l.attrs(attrs)...) }
func (l Log) Print(msg string, attrs ...slog.Attr) { l.Logger.Info(msg, l.attrs(attrs)...) }

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.Debug(msg, l.attrs(append(attrs, slog.Any("err", err)))...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logger.Info(msg, l.attrs(append(attrs, slog.Any("err", err)))...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logger.Error(msg, l.attrs(append(attrs, slog.Any("err", err)))...)
}

// Fatalx logs at error level and terminates the process. Used only during
// startup (configuration, store, certificate and listener setup failures);
// never called from a connection goroutine.
func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	l.Errorx(msg, err, attrs...)
	os.Exit(1)
}

// Check logs err if non-nil, for cleanup paths (closing a file or socket)
// where there is nothing useful the caller could do with the error.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err == nil {
		return
	}
	l.Errorx(msg, err, attrs...)
}

// Sprint formats attrs logfmt-ish for inclusion in a panic message; used
// sparingly, only where a plain error won't carry enough context.
func Sprint(msg string, attrs ...slog.Attr) string {
	s := msg
	for _, a := range attrs {
		s += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	return s
}
