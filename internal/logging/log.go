// Package logging initialises the application log and builds the access log.
package logging

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type Options struct {
	// Level is a logrus level name. Empty means info.
	Level string

	// Format of the application log: "text" or "json".
	Format string

	// Output for the application log. Nil keeps the logrus default.
	ApplicationLogOutput io.Writer

	// Output for the access log. Defaults to stdout.
	AccessLogOutput io.Writer

	AccessLogDisabled bool

	// AccessLogSampling is the fraction of requests written to the access
	// log. Values >= 1 log everything, zero logs nothing.
	AccessLogSampling float64
}

// Init configures the standard logrus logger and returns the access log,
// which is nil when disabled.
func Init(o Options) (*AccessLog, error) {
	level := logrus.InfoLevel
	if o.Level != "" {
		l, err := logrus.ParseLevel(o.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}
	logrus.SetLevel(level)

	switch o.Format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", o.Format)
	}
	if o.ApplicationLogOutput != nil {
		logrus.SetOutput(o.ApplicationLogOutput)
	}

	if o.AccessLogDisabled {
		return nil, nil
	}
	out := o.AccessLogOutput
	if out == nil {
		out = os.Stdout
	}
	return NewAccessLog(out, o.AccessLogSampling), nil
}

// AccessEntry is one served request.
type AccessEntry struct {
	Time         time.Time
	Method       string
	Host         string
	Path         string
	Protocol     string
	Status       int
	Duration     time.Duration
	RemoteAddr   string
	UserAgent    string
	Referer      string
	Route        string
	Balancer     string
	Upstream     string
	BytesWritten int64
	Error        error
}

// AccessLog writes one JSON line per sampled request.
type AccessLog struct {
	logger   *logrus.Logger
	sampling float64
}

func NewAccessLog(out io.Writer, sampling float64) *AccessLog {
	l := logrus.New()
	l.Formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	l.Out = out
	l.Level = logrus.InfoLevel
	return &AccessLog{logger: l, sampling: sampling}
}

// Log writes e unless it is sampled out. A nil AccessLog discards.
func (a *AccessLog) Log(e *AccessEntry) {
	if a == nil {
		return
	}
	if a.sampling < 1 && rand.Float64() >= a.sampling {
		return
	}

	fields := logrus.Fields{
		"method":        e.Method,
		"host":          e.Host,
		"path":          e.Path,
		"protocol":      e.Protocol,
		"status":        e.Status,
		"duration_ms":   e.Duration.Milliseconds(),
		"remote_addr":   e.RemoteAddr,
		"user_agent":    e.UserAgent,
		"bytes_written": e.BytesWritten,
	}
	if e.Referer != "" {
		fields["referer"] = e.Referer
	}
	if e.Route != "" {
		fields["route"] = e.Route
		fields["balancer"] = e.Balancer
	}
	if e.Upstream != "" {
		fields["upstream"] = e.Upstream
	}
	entry := a.logger.WithFields(fields).WithTime(e.Time)
	if e.Error != nil {
		entry = entry.WithError(e.Error)
	}
	entry.Info("request")
}
