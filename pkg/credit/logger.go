package credit

// Field is a key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// ErrorField logs err under "error" with credentials redacted. Provider
// messages routinely echo request URLs and headers.
func ErrorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: Sanitize(err.Error())}
}

// UserField logs a user identity under "user_id".
func UserField(userID string) Field {
	return Field{Key: "user_id", Value: userID}
}

// Logger is the structured logger used by the ledger, the stores and the
// orchestrator. See logger/zerolog for the production adapter.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
