package filter

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// LogLevel names a severity of message.Logger.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) normalize() LogLevel {
	return LogLevel(strings.ToLower(strings.TrimSpace(string(l))))
}

func (l LogLevel) known() bool {
	switch l.normalize() {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

func (l LogLevel) or(fallback LogLevel) LogLevel {
	if l = l.normalize(); l != "" {
		return l
	}
	return fallback
}

// LogArgser is implemented by contexts that add key value pairs to every
// line the log filter writes. The consume context adds the endpoint and
// the message id.
type LogArgser interface {
	LogArgs() []any
}

// LogConfig configures the log filter. Every outcome has its own level and
// message.
type LogConfig struct {
	// Logger defaults to slog.Default().
	Logger message.Logger
	// Args lead every line.
	Args []any

	LevelSuccess LogLevel // default debug
	LevelCancel  LogLevel // default warn
	LevelFailure LogLevel // default error

	MessageSuccess string // default "FILTERBUS: Success"
	MessageCancel  string // default "FILTERBUS: Cancel"
	MessageFailure string // default "FILTERBUS: Failure"
}

func (c LogConfig) parse() LogConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.LevelSuccess = c.LevelSuccess.or(LogLevelDebug)
	c.LevelCancel = c.LevelCancel.or(LogLevelWarn)
	c.LevelFailure = c.LevelFailure.or(LogLevelError)
	c.MessageSuccess = cmp.Or(c.MessageSuccess, "FILTERBUS: Success")
	c.MessageCancel = cmp.Or(c.MessageCancel, "FILTERBUS: Cancel")
	c.MessageFailure = cmp.Or(c.MessageFailure, "FILTERBUS: Failure")
	return c
}

func (c LogConfig) validate() []pipe.ValidationResult {
	var results []pipe.ValidationResult
	check := func(key string, level LogLevel) {
		if !level.known() {
			results = append(results, pipe.Failuref(key, "unknown log level").WithValue(level))
		}
	}
	check("levelSuccess", c.LevelSuccess)
	check("levelCancel", c.LevelCancel)
	check("levelFailure", c.LevelFailure)
	return results
}

type logLine struct {
	msg string
	log func(msg string, args ...any)
}

func newLogLine(l message.Logger, level LogLevel, msg string) logLine {
	line := logLine{msg: msg, log: l.Info}
	switch level {
	case LogLevelDebug:
		line.log = l.Debug
	case LogLevelWarn:
		line.log = l.Warn
	case LogLevelError:
		line.log = l.Error
	}
	return line
}

// Log writes one line per send describing how the rest of the pipe ended.
// Errors wrapping context.Canceled or context.DeadlineExceeded count as
// cancellation.
type Log[C pipe.Context] struct {
	cfg     LogConfig
	success logLine
	cancel  logLine
	failure logLine
}

// NewLog creates a log filter.
func NewLog[C pipe.Context](cfg LogConfig) *Log[C] {
	cfg = cfg.parse()
	return &Log[C]{
		cfg:     cfg,
		success: newLogLine(cfg.Logger, cfg.LevelSuccess, cfg.MessageSuccess),
		cancel:  newLogLine(cfg.Logger, cfg.LevelCancel, cfg.MessageCancel),
		failure: newLogLine(cfg.Logger, cfg.LevelFailure, cfg.MessageFailure),
	}
}

func (f *Log[C]) Send(c C, next pipe.Pipe[C]) error {
	start := time.Now()
	err := next.Send(c)
	elapsed := time.Since(start)

	args := make([]any, 0, len(f.cfg.Args)+6)
	args = append(args, f.cfg.Args...)
	if la, ok := any(c).(LogArgser); ok {
		args = append(args, la.LogArgs()...)
	}
	args = append(args, "duration", elapsed)

	line := f.success
	if err != nil {
		line = f.failure
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			line = f.cancel
		}
		args = append(args, "error", err)
	}
	line.log(line.msg, args...)
	return err
}

func (f *Log[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "log").Set(map[string]any{
		"levelSuccess": string(f.cfg.LevelSuccess),
		"levelCancel":  string(f.cfg.LevelCancel),
		"levelFailure": string(f.cfg.LevelFailure),
	})
}

// UseLog adds a log filter. Unknown levels fail the build.
func UseLog[C pipe.Context](cfg *pipe.Configurator[C], c LogConfig) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter:    NewLog[C](c),
		Validator: c.validate,
	})
}
