package message

// Logger is the logging surface filters and transports depend on.
// *slog.Logger implements it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
