package core

import "fmt"

// Status is the lifecycle state of the interception core.
type Status uint32

// Status values. The numeric codes are what health snapshots report.
const (
	StatusStopped  Status = 0
	StatusStarting Status = 1
	StatusRunning  Status = 2
	StatusError    Status = 3
)

// String returns a lowercase name for the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Terminal reports whether s is a state a finished loop may leave behind.
func (s Status) Terminal() bool { return s == StatusStopped || s == StatusError }
