package ports

// Severity classifies a user-facing notification
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Notifier surfaces non-fatal conditions (storage write failures, stream
// errors, interrupted generations) to the user. Failures in this subsystem
// degrade to a notification; nothing here is fatal to the process.
type Notifier interface {
	Notify(severity Severity, title, message string)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(severity Severity, title, message string)

// Notify calls the wrapped function
func (f NotifierFunc) Notify(severity Severity, title, message string) {
	f(severity, title, message)
}
