package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Params are the caller-supplied inputs of a synthesis job. The core only
// checks that the two source URLs are present; everything else is passed
// through to the Body untouched.
type Params struct {
	AudioURL        string `json:"audio_url"`
	VideoURL        string `json:"video_url"`
	Watermark       bool   `json:"watermark_switch"`
	DigitalAuth     bool   `json:"digital_auth"`
	SuperResolution bool   `json:"chaofen"`
	PN              bool   `json:"pn"`
}

// Job is one accepted unit of work. RunID distinguishes successive
// submissions that reuse the same Code.
type Job struct {
	Code        string
	RunID       uuid.UUID
	Params      Params
	SubmittedAt time.Time
}

// Metrics describe a successfully rendered video.
type Metrics struct {
	Cost          float64 `json:"cost"`
	VideoDuration float64 `json:"video_duration"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
}

// Result is what a Body returns on success.
type Result struct {
	ResultRef string
	Metrics   Metrics
}

// Outcome is the terminal payload of an entry: either Succeeded or Failed.
type Outcome interface {
	status() Status
}

// Succeeded carries the result reference and render metrics.
type Succeeded struct {
	ResultRef string
	Metrics   Metrics
}

// Failed carries a human-readable failure message.
type Failed struct {
	Message string
}

func (Succeeded) status() Status { return StatusSuccess }
func (Failed) status() Status    { return StatusError }

// Entry is the registry's view of a job that has started executing.
// Outcome is nil while Status is StatusRunning.
type Entry struct {
	Code       string
	RunID      uuid.UUID
	Status     Status
	Progress   int
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
}

// ProgressFunc is handed to a running Body so it can publish progress
// (0-100) and a short status message.
type ProgressFunc func(progress int, message string)

// Body is the long-running work behind a job. It must enforce its own
// deadline; the pool never interrupts it except on forced shutdown.
type Body interface {
	Run(ctx context.Context, job Job, report ProgressFunc) (Result, error)
}

// BodyFunc adapts an ordinary function to the Body interface.
type BodyFunc func(ctx context.Context, job Job, report ProgressFunc) (Result, error)

func (f BodyFunc) Run(ctx context.Context, job Job, report ProgressFunc) (Result, error) {
	return f(ctx, job, report)
}

// Recorder receives every terminal entry, e.g. to keep an audit history.
// Errors are logged and never affect the job.
type Recorder interface {
	RecordOutcome(ctx context.Context, job Job, entry Entry) error
}

// newRunID prefers a time-ordered UUIDv7 and falls back to a random one.
func newRunID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}
