package logging

import (
	"os"
	"regexp"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/newsrag/internal/config"
)

const redacted = config.Redacted

// buildCore assembles writer output, the optional OTEL bridge, sampling and
// redaction, innermost first.
func buildCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(w), cfg.Level)
	if cfg.OTEL && otelProvider != nil {
		core = zapcore.NewTee(core, otelzap.NewCore("newsrag", otelzap.WithLoggerProvider(otelProvider)))
	}
	if cfg.Sampling.Tick > 0 {
		core = newSampledCore(core, cfg.Sampling)
	}
	r, err := newRedactor(cfg.Redaction)
	if err != nil {
		return nil, err
	}
	return &redactCore{Core: core, r: r}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// sampledCore routes errors to the full core and everything else through a
// sampler, so a burst of warnings never hides a failure.
type sampledCore struct {
	zapcore.Core
	sampled zapcore.Core
}

func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	return &sampledCore{
		Core:    core,
		sampled: zapcore.NewSamplerWithOptions(core, cfg.Tick, cfg.Initial, cfg.Thereafter),
	}
}

func (c *sampledCore) With(fields []zapcore.Field) zapcore.Core {
	return &sampledCore{Core: c.Core.With(fields), sampled: c.sampled.With(fields)}
}

func (c *sampledCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level >= zapcore.ErrorLevel {
		return c.Core.Check(ent, ce)
	}
	return c.sampled.Check(ent, ce)
}

type redactor struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{keys: make(map[string]bool, len(cfg.Keys))}
	for _, k := range cfg.Keys {
		r.keys[strings.ToLower(k)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

func (r *redactor) sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	return r.keys[k] || strings.HasSuffix(k, "_key") || strings.HasSuffix(k, "_token")
}

func (r *redactor) scrub(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// field rewrites f when its key is sensitive or its text carries a
// credential. Upstream errors often echo request URLs, so error text is
// scrubbed too.
func (r *redactor) field(f zapcore.Field) zapcore.Field {
	if r.sensitiveKey(f.Key) {
		return zap.String(f.Key, redacted)
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = r.scrub(f.String)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			return zap.String(f.Key, r.scrub(err.Error()))
		}
	}
	return f
}

func (r *redactor) fields(in []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(in))
	for i, f := range in {
		out[i] = r.field(f)
	}
	return out
}

// redactCore scrubs fields before they reach any encoder, including fields
// attached through With.
type redactCore struct {
	zapcore.Core
	r *redactor
}

func (c *redactCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactCore{Core: c.Core.With(c.r.fields(fields)), r: c.r}
}

func (c *redactCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(ent.Level) {
		return ce
	}
	return ce.AddCore(ent, c)
}

func (c *redactCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.r.scrub(ent.Message)
	inner := c.Core.Check(ent, nil)
	if inner == nil {
		return nil
	}
	inner.Write(c.r.fields(fields)...)
	return nil
}

// Secret logs whether a secret is configured without revealing it.
func Secret(key string, s config.Secret) zap.Field {
	if !s.IsSet() {
		return zap.String(key, "")
	}
	return zap.String(key, redacted)
}
