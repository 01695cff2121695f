package download

import "fmt"

// ProgressLevel indicates the severity/type of a progress message.
type ProgressLevel int

const (
	LevelInfo ProgressLevel = iota
	LevelVerbose
	LevelWarning
	LevelError
	LevelSuccess
)

func (l ProgressLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelVerbose:
		return "verbose"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelSuccess:
		return "success"
	}
	return fmt.Sprintf("ProgressLevel(%d)", int(l))
}

// ProgressEvent represents a manager status update.
type ProgressEvent struct {
	Message string
	Level   ProgressLevel
	// RequestID is the debug ID of the request the event concerns, if any.
	RequestID string
}

func (m *Manager) progress(event ProgressEvent) {
	if m.onProgress != nil {
		m.onProgress(event)
	}
}

func (m *Manager) logf(level ProgressLevel, requestID, format string, args ...any) {
	if m.onProgress == nil {
		return
	}
	m.progress(ProgressEvent{Message: fmt.Sprintf(format, args...), Level: level, RequestID: requestID})
}

// ensure flags a logic error. The manager keeps running in a degraded mode.
func (m *Manager) ensure(requestID, format string, args ...any) {
	m.anomalies.Add(1)
	m.logf(LevelError, requestID, "ensure: "+format, args...)
}
