// Package logging builds the shared diagnostic sink. Every component logs
// through a named channel ("discovery", "soap", "events", ...) which can be
// individually allowed or blocked at configuration time, independent of the
// level threshold.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes sink options.
type Config struct {
	Level         string   // debug | info | warn | error
	Format        string   // text | json
	AllowChannels []string // when non-empty, only these channels emit
	BlockChannels []string // always silenced, wins over allow
}

// Sink hands out per-channel loggers. Blocked channels receive a nop
// logger so call sites never branch on filtering.
type Sink struct {
	base    *zap.Logger
	allowed map[string]struct{}
	blocked map[string]struct{}
}

// New constructs the sink. An unknown level is an error rather than a
// silent default so a typo in config is caught at startup.
func New(cfg Config) (*Sink, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(cfg.Format, "json") {
		zapCfg.Encoding = "json"
	}

	base, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return &Sink{
		base:    base,
		allowed: channelSet(cfg.AllowChannels),
		blocked: channelSet(cfg.BlockChannels),
	}, nil
}

// NewNop returns a sink that discards everything. Used by tests.
func NewNop() *Sink {
	return &Sink{base: zap.NewNop()}
}

// Channel returns the logger for a named channel, or a nop logger when
// the channel is filtered out.
func (s *Sink) Channel(name string) *zap.Logger {
	normalized := normalizeChannel(name)
	if normalized == "" {
		return zap.NewNop()
	}
	if _, ok := s.blocked[normalized]; ok {
		return zap.NewNop()
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[normalized]; !ok {
			return zap.NewNop()
		}
	}
	return s.base.Named(normalized)
}

// ChannelEnabled reports whether a channel would emit.
func (s *Sink) ChannelEnabled(name string) bool {
	normalized := normalizeChannel(name)
	if normalized == "" {
		return false
	}
	if _, ok := s.blocked[normalized]; ok {
		return false
	}
	if len(s.allowed) == 0 {
		return true
	}
	_, ok := s.allowed[normalized]
	return ok
}

// Sync flushes buffered entries.
func (s *Sink) Sync() error {
	return s.base.Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

func normalizeChannel(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func channelSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		normalized := normalizeChannel(name)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return set
}

// SummarizeXML compacts a payload for log output, bounded to maxLen bytes.
// Diagnostic messages carry a summary of the offending document, never the
// whole thing.
func SummarizeXML(payload string, maxLen int) string {
	compact := strings.ReplaceAll(payload, "\r", " ")
	compact = strings.ReplaceAll(compact, "\n", " ")
	compact = strings.TrimSpace(compact)
	if len(compact) <= maxLen {
		return compact
	}
	return compact[:maxLen] + "..."
}
