package core

// Logger is implemented by services/logger.
// args may carry any extra context values (errors, maps, a user.User for
// error-reporting person tracking).
type Logger interface {
	Enable(enabled bool)
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
