package jobs

// Status represents the lifecycle state of a registry entry. These values
// are what the query endpoint reports in its "status" field.
//
// There is no queued status: a job waiting in the admission
// queue is only reserved, and has no entry until it starts running.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}
