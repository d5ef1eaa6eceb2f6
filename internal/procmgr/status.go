package procmgr

// Status is the lifecycle state of one supervised OS process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusCrashed  Status = "crashed"
)

// Terminal reports whether the process has finished and will not transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusError, StatusCrashed:
		return true
	}
	return false
}
