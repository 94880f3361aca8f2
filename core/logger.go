package core

// Logger is the app-wide logging & error reporting interface.
// Extra args may be errors, maps (extra data) or a Session (the acting user).
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}
