package chat

type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Outcome is what a finished stream leaves behind. Output is kept even when
// Error is set, so partial transcripts survive.
type Outcome struct {
	Output string
	Error  string
}

func (o Outcome) Status() Status {
	if o.Error != "" {
		return StatusFailed
	}
	return StatusDone
}
