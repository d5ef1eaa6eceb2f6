package instance

import "fmt"

// Status is the in-memory lifecycle state of an instance.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Persisted vocabulary. The database keeps its own spelling so the two can
// evolve independently; the mapping below must stay total in both directions.
const (
	RecordInitializing = "INITIALIZING"
	RecordRunning      = "RUNNING"
	RecordStopped      = "STOPPED"
	RecordError        = "ERROR"
)

// ToRecordStatus converts an in-memory status to the persisted vocabulary.
func ToRecordStatus(s Status) (string, error) {
	switch s {
	case StatusInitializing:
		return RecordInitializing, nil
	case StatusRunning:
		return RecordRunning, nil
	case StatusStopped:
		return RecordStopped, nil
	case StatusError:
		return RecordError, nil
	}
	return "", fmt.Errorf("unmapped instance status %q", s)
}

// FromRecordStatus converts a persisted status back to the in-memory vocabulary.
func FromRecordStatus(s string) (Status, error) {
	switch s {
	case RecordInitializing:
		return StatusInitializing, nil
	case RecordRunning:
		return StatusRunning, nil
	case RecordStopped:
		return StatusStopped, nil
	case RecordError:
		return StatusError, nil
	}
	return "", fmt.Errorf("unmapped record status %q", s)
}
