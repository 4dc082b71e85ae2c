package http

import (
	"bytes"
	"encoding/json"
	"strings"

	"heygem/internal/jobs"
)

// Response codes carried in the envelope's "code" field.
const (
	CodeSystemError = 9999
	CodeSuccess     = 10000
	CodeBusy        = 10001
	CodeBadParams   = 10002
	CodeNotFound    = 10004
	CodeDuplicate   = 10005
)

// Envelope is the response shape of every /easy and /health endpoint.
type Envelope struct {
	Code    int         `json:"code"`
	Success bool        `json:"success"`
	Msg     string      `json:"msg"`
	Data    interface{} `json:"data"`
}

// SubmitRequest is the body of POST /easy/submit.
type SubmitRequest struct {
	Code            string     `json:"code"`
	AudioURL        string     `json:"audio_url"`
	VideoURL        string     `json:"video_url"`
	WatermarkSwitch switchFlag `json:"watermark_switch"`
	DigitalAuth     switchFlag `json:"digital_auth"`
	Chaofen         switchFlag `json:"chaofen"`
	PN              switchFlag `json:"pn"`
}

// Params converts the request into job parameters. pn defaults to on, the
// other switches to off.
func (r SubmitRequest) Params() jobs.Params {
	return jobs.Params{
		AudioURL:        r.AudioURL,
		VideoURL:        r.VideoURL,
		Watermark:       r.WatermarkSwitch.value(false),
		DigitalAuth:     r.DigitalAuth.value(false),
		SuperResolution: r.Chaofen.value(false),
		PN:              r.PN.value(true),
	}
}

// switchFlag accepts "1", 1 or true as on. Anything else that is present
// and non-empty is off; absent, null or "" leaves the default.
type switchFlag struct {
	set bool
	on  bool
}

func (f *switchFlag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}

	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		f.set, f.on = true, s == "1"
	case float64:
		f.set, f.on = true, t == 1
	case bool:
		f.set, f.on = true, t
	default:
		f.set, f.on = true, false
	}
	return nil
}

func (f switchFlag) value(def bool) bool {
	if !f.set {
		return def
	}
	return f.on
}

// SubmitData is returned on successful submission.
type SubmitData struct {
	Code string `json:"code"`
}

// DuplicateData is returned when the code is already queued or running.
type DuplicateData struct {
	Code          string `json:"code"`
	CurrentStatus string `json:"current_status"`
}

// QueryData reports a job's state. The metrics fields are only set for
// successful jobs.
type QueryData struct {
	Code          string   `json:"code"`
	Status        string   `json:"status"`
	Progress      int      `json:"progress"`
	Result        string   `json:"result"`
	Msg           string   `json:"msg"`
	Cost          *float64 `json:"cost,omitempty"`
	VideoDuration *float64 `json:"video_duration,omitempty"`
	Width         *int     `json:"width,omitempty"`
	Height        *int     `json:"height,omitempty"`
}

func newQueryData(e jobs.Entry) QueryData {
	d := QueryData{
		Code:     e.Code,
		Status:   string(e.Status),
		Progress: e.Progress,
		Msg:      e.Message,
	}
	if s, ok := e.Outcome.(jobs.Succeeded); ok {
		m := s.Metrics
		d.Result = s.ResultRef
		d.Cost = &m.Cost
		d.VideoDuration = &m.VideoDuration
		d.Width = &m.Width
		d.Height = &m.Height
	}
	return d
}

// HealthData is the payload of GET /health.
type HealthData struct {
	Status        string `json:"status"`
	QueueSize     int    `json:"queue_size"`
	CurrentTasks  int    `json:"current_tasks"`
	MaxConcurrent int    `json:"max_concurrent"`
}
