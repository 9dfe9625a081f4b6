package contracts

// Logger is the generic logging interface used across the messaging core.
// Implementations can be zap, zerolog, slog, etc.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)

	// WithFields returns a logger that adds fields to every entry
	WithFields(fields ...any) Logger

	// WithError attaches an error to every entry
	WithError(err error) Logger

	// Named returns a sub-logger with a name prefix
	Named(name string) Logger

	// Sync flushes any buffered log entries
	Sync() error
}

// NopLogger discards everything. Components fall back to it when no logger
// is configured.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any)       {}
func (NopLogger) Info(string, ...any)        {}
func (NopLogger) Warn(string, ...any)        {}
func (NopLogger) Error(string, ...any)       {}
func (n NopLogger) WithFields(...any) Logger { return n }
func (n NopLogger) WithError(error) Logger   { return n }
func (n NopLogger) Named(string) Logger      { return n }
func (NopLogger) Sync() error                { return nil }

var _ Logger = NopLogger{}
