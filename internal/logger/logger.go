package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultMaxSizeMB = 100

// Config holds logger configuration
type Config struct {
	Level   string // debug, info, warn, error
	File    string
	Console bool
	Pretty  bool
	// Redaction masks credentials in every sink. Secrets are exact values
	// always masked; Patterns are extra regular expressions.
	Redaction bool
	Secrets   []string
	Patterns  []string
	MaxSize   int // MB before rotation
	MaxAge    int // days
	Compress  bool
}

// Logger owns the process log sinks and installs itself as zerolog's global
// logger.
type Logger struct {
	base     zerolog.Logger
	out      io.Writer
	file     *RotatingWriter
	redactor *Redactor
}

func New(cfg Config) (*Logger, error) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		level = parsed
	}

	l := &Logger{}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		for _, s := range cfg.Secrets {
			l.redactor.AddLiteral(s)
		}
		for _, p := range cfg.Patterns {
			if err := l.redactor.AddPattern(p); err != nil {
				return nil, fmt.Errorf("redaction pattern %q: %w", p, err)
			}
		}
	}

	var sinks []io.Writer
	if cfg.Console {
		if cfg.Pretty {
			sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			sinks = append(sinks, os.Stderr)
		}
	}
	if cfg.File != "" {
		size := cfg.MaxSize
		if size <= 0 {
			size = defaultMaxSizeMB
		}
		f, err := NewRotatingWriter(cfg.File, size, cfg.MaxAge, cfg.Compress)
		if err != nil {
			return nil, err
		}
		l.file = f
		sinks = append(sinks, f)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, os.Stderr)
	}

	l.out = l.mask(fanout(sinks))
	l.base = zerolog.New(l.out).Level(level).With().Timestamp().Logger()
	log.Logger = l.base
	return l, nil
}

func fanout(sinks []io.Writer) io.Writer {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return zerolog.MultiLevelWriter(sinks...)
}

func (l *Logger) mask(w io.Writer) io.Writer {
	if l.redactor == nil {
		return w
	}
	return l.redactor.Wrap(w)
}

// Attach adds w as an extra sink of the global logger. Records reach w
// redacted. The logger returned by GetZerolog is unaffected, so a sink may
// log through it without feeding itself.
func (l *Logger) Attach(w io.Writer) {
	log.Logger = l.base.Output(zerolog.MultiLevelWriter(l.out, l.mask(w)))
}

// Redactor returns the redactor in use, or nil when redaction is disabled.
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

func (l *Logger) Info() *zerolog.Event  { return l.base.Info() }
func (l *Logger) Error() *zerolog.Event { return l.base.Error() }

// GetZerolog returns the logger without attached sinks.
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.base
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
