// Package logging builds the daemon logger from the logger[] config
// section. Each configured sink becomes a zapcore.Core; the daemon logs
// through the tee of all of them.
//
// Sinks:
//   - console: human-readable encoder on stdout or stderr.
//   - file:    JSON encoder appended to a log file (0640).
//   - syslog:  RFC3164 or RFC5424 framing over the local syslog socket.
//
// Level mapping: off disables the sink entirely; trace has no zap
// equivalent and maps to debug; the rest map one-to-one.
package logging

import (
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simbiota/simbiota/internal/config"
)

// Build constructs a zap.Logger from the configured sinks.
// An empty or all-off sink list yields a no-op logger.
func Build(sinks []config.LoggerConfig) (*zap.Logger, error) {
	var cores []zapcore.Core
	for i, s := range sinks {
		if s.Level == "off" {
			continue
		}
		level, err := parseLevel(s.Level)
		if err != nil {
			return nil, fmt.Errorf("logger[%d]: %w", i, err)
		}

		switch s.Output {
		case "console":
			cores = append(cores, consoleCore(s.Target, level))
		case "file":
			core, err := fileCore(s.Path, level)
			if err != nil {
				return nil, fmt.Errorf("logger[%d]: %w", i, err)
			}
			cores = append(cores, core)
		case "syslog":
			core, err := newSyslogCore(s.Format, level)
			if err != nil {
				return nil, fmt.Errorf("logger[%d]: %w", i, err)
			}
			cores = append(cores, core)
		default:
			return nil, fmt.Errorf("logger[%d]: unknown output %q", i, s.Output)
		}
	}

	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func parseLevel(name string) (zapcore.Level, error) {
	switch name {
	case "trace", "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}

func consoleCore(target string, level zapcore.Level) zapcore.Core {
	ec := zap.NewDevelopmentEncoderConfig()
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(ec)

	out := os.Stderr
	if target == "stdout" {
		out = os.Stdout
	}
	return zapcore.NewCore(enc, zapcore.Lock(out), level)
}

func fileCore(path string, level zapcore.Level) (zapcore.Core, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zapcore.NewCore(enc, zapcore.Lock(f), level), nil
}

// facilityDaemon is the syslog daemon facility (3).
const facilityDaemon = 3

// syslogCore frames zap entries for the local syslog socket. zap carries
// the per-entry severity, so this must be a Core rather than a plain
// WriteSyncer.
type syslogCore struct {
	zapcore.LevelEnabler
	enc      zapcore.Encoder
	conn     net.Conn
	format   string
	hostname string
	pid      int
}

func newSyslogCore(format string, level zapcore.Level) (*syslogCore, error) {
	if format == "" {
		format = "3164"
	}
	conn, err := dialSyslog()
	if err != nil {
		return nil, fmt.Errorf("syslog: %w", err)
	}
	hostname, _ := os.Hostname()
	ec := zap.NewProductionEncoderConfig()
	// Timestamp and level live in the syslog header.
	ec.TimeKey = ""
	ec.LevelKey = ""
	return &syslogCore{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(ec),
		conn:         conn,
		format:       format,
		hostname:     hostname,
		pid:          os.Getpid(),
	}, nil
}

func dialSyslog() (net.Conn, error) {
	for _, addr := range []string{"/dev/log", "/var/run/syslog"} {
		if conn, err := net.Dial("unixgram", addr); err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("no local syslog socket")
}

func (c *syslogCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for _, f := range fields {
		f.AddTo(clone.enc)
	}
	return &clone
}

func (c *syslogCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *syslogCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := c.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	pri := facilityDaemon<<3 | severity(ent.Level)
	var frame string
	if c.format == "5424" {
		frame = fmt.Sprintf("<%d>1 %s %s simbiota %d - - %s",
			pri, ent.Time.Format(time.RFC3339), c.hostname, c.pid, buf.String())
	} else {
		frame = fmt.Sprintf("<%d>%s %s simbiota[%d]: %s",
			pri, ent.Time.Format(time.Stamp), c.hostname, c.pid, buf.String())
	}
	_, err = c.conn.Write([]byte(frame))
	return err
}

func (c *syslogCore) Sync() error { return nil }

func severity(l zapcore.Level) int {
	switch {
	case l >= zapcore.ErrorLevel:
		return 3
	case l == zapcore.WarnLevel:
		return 4
	case l == zapcore.InfoLevel:
		return 6
	default:
		return 7
	}
}
