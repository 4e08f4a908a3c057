package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger described by l.
func NewLogger(l LoggingConfig) zerolog.Logger {
	var out io.Writer = os.Stdout
	if l.Output == "stderr" {
		out = os.Stderr
	}
	return newLogger(l, out)
}

func newLogger(l LoggingConfig, out io.Writer) zerolog.Logger {
	if l.Format == "console" || l.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		level = zerolog.InfoLevel
	}
	ctx := zerolog.New(out).Level(level).With().Timestamp().Str("service", "voucherkit")
	for k, v := range l.Attributes {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}
