package observability

import (
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Patterns for secret redaction in free-form strings
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|token|credential|private[_-]?key)[\s]*[=:][\s]*[^\s,;]+`),
		regexp.MustCompile(`(?i)bearer\s+[a-z0-9\-_.]+`),
	}

	// Keys whose values are always redacted when logged as fields
	secretFieldKeys = []string{
		"PASSWORD", "SECRET", "KEY", "TOKEN", "CREDENTIAL", "API_KEY", "AUTHORIZATION",
	}
)

// Logger wraps zap.Logger with secret redaction for migration configs,
// which routinely carry database and SSH credentials.
type Logger struct {
	*zap.Logger
}

// NewLogger creates a production logger with JSON encoding. Level falls back
// to info when the supplied string does not parse.
func NewLogger(level string) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{Logger: logger}, nil
}

// NewNopLogger returns a logger that discards everything. Test use only.
func NewNopLogger() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// WithSession returns a child logger annotated with the session id.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("session_id", sessionID))}
}

// RedactString removes credentials from a string.
func RedactString(s string) string {
	redacted := s
	for _, pattern := range secretPatterns {
		redacted = pattern.ReplaceAllStringFunc(redacted, func(match string) string {
			for _, sep := range []string{"=", ":", " "} {
				parts := strings.SplitN(match, sep, 2)
				if len(parts) == 2 && parts[1] != "" {
					return parts[0] + sep + "***REDACTED***"
				}
			}
			return "***REDACTED***"
		})
	}
	return redacted
}

// RedactURL strips the password from a connection URL, keeping the username
// so operators can still tell credentials apart.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return RedactString(raw)
	}
	if _, has := u.User.Password(); has {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// redactField redacts a single zap field when its key looks sensitive or its
// string value matches a secret pattern.
func redactField(f zap.Field) zap.Field {
	if f.Type != zapcore.StringType {
		return f
	}
	upper := strings.ToUpper(f.Key)
	for _, key := range secretFieldKeys {
		if strings.Contains(upper, key) {
			return zap.String(f.Key, "***REDACTED***")
		}
	}
	return zap.String(f.Key, RedactString(f.String))
}

// InfoRedacted logs at info level with automatic secret redaction.
func (l *Logger) InfoRedacted(msg string, fields ...zap.Field) {
	redactedFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		redactedFields[i] = redactField(f)
	}
	l.Info(RedactString(msg), redactedFields...)
}

// WarnRedacted logs at warn level with automatic secret redaction.
func (l *Logger) WarnRedacted(msg string, fields ...zap.Field) {
	redactedFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		redactedFields[i] = redactField(f)
	}
	l.Warn(RedactString(msg), redactedFields...)
}

// ErrorRedacted logs at error level with automatic secret redaction.
func (l *Logger) ErrorRedacted(msg string, fields ...zap.Field) {
	redactedFields := make([]zap.Field, len(fields))
	for i, f := range fields {
		redactedFields[i] = redactField(f)
	}
	l.Error(RedactString(msg), redactedFields...)
}
