// Package synth runs a synthesis job by downloading its source media and
// handing them to an external renderer process.
//
// The renderer reports on stdout, one message per line:
//
//	progress <0-100> [message]
//	result {"result": "...", "video_duration": 1.5, "width": 720, "height": 1280}
//
// Any other line is logged at debug level and otherwise ignored.
package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"heygem/internal/config"
	"heygem/internal/jobs"
)

// Progress reserved for the download phase; renderer progress is scaled
// into the remaining range.
const (
	downloadStart   = 5
	renderStart     = 10
	renderEnd       = 95
	stderrTailBytes = 2048
	maxLineBytes    = 1 << 20
)

// defaultTimeout bounds a run when synth.timeoutMs is unset.
const defaultTimeout = 30 * time.Minute

// CommandBody is a jobs.Body backed by an external renderer command.
type CommandBody struct {
	cfg    config.SynthConfig
	client *http.Client
	logger *slog.Logger
}

// NewCommandBody builds the body from the synth section of cfg.
func NewCommandBody(cfg *config.Config, logger *slog.Logger) *CommandBody {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandBody{
		cfg:    cfg.Synth,
		client: &http.Client{Timeout: time.Duration(cfg.Synth.DownloadTimeoutMs) * time.Millisecond},
		logger: logger,
	}
}

// renderResult is the JSON payload of the renderer's result line.
type renderResult struct {
	Result        string  `json:"result"`
	VideoDuration float64 `json:"video_duration"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
}

func (b *CommandBody) Run(ctx context.Context, job jobs.Job, report jobs.ProgressFunc) (jobs.Result, error) {
	if b.cfg.Command == "" {
		return jobs.Result{}, fmt.Errorf("renderer command is not configured")
	}

	timeout := time.Duration(b.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Paths derive from the run ID only; the code is caller-supplied.
	runID := job.RunID.String()
	workDir := filepath.Join(b.cfg.WorkDir, runID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return jobs.Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	if err := os.MkdirAll(b.cfg.ResultDir, 0o755); err != nil {
		return jobs.Result{}, fmt.Errorf("create result dir: %w", err)
	}

	report(downloadStart, "downloading")
	audioPath, err := b.download(ctx, job.Params.AudioURL, workDir, "audio")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("download audio: %w", err)
	}
	videoPath, err := b.download(ctx, job.Params.VideoURL, workDir, "video")
	if err != nil {
		return jobs.Result{}, fmt.Errorf("download video: %w", err)
	}

	output := filepath.Join(b.cfg.ResultDir, runID+"-r.mp4")
	report(renderStart, "rendering")

	res, err := b.render(ctx, job, audioPath, videoPath, output, report)
	if err != nil {
		return jobs.Result{}, err
	}

	ref := res.Result
	if ref == "" {
		ref = output
	}
	return jobs.Result{
		ResultRef: ref,
		Metrics: jobs.Metrics{
			VideoDuration: res.VideoDuration,
			Width:         res.Width,
			Height:        res.Height,
		},
	}, nil
}

// download fetches rawURL into dir/name<ext>. Only http and https sources
// are accepted.
func (b *CommandBody) download(ctx context.Context, rawURL, dir, name string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	dst := filepath.Join(dir, name+path.Ext(u.Path))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", err
	}
	return dst, f.Close()
}

func (b *CommandBody) render(ctx context.Context, job jobs.Job, audio, video, output string, report jobs.ProgressFunc) (renderResult, error) {
	cmd := exec.CommandContext(ctx, b.cfg.Command, b.cfg.Args...)
	cmd.Env = append(os.Environ(), jobEnv(job, audio, video, output)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return renderResult{}, err
	}
	stderr := &tailBuffer{limit: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return renderResult{}, fmt.Errorf("start renderer: %w", err)
	}

	var (
		res       renderResult
		gotResult bool
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch kind, rest := splitLine(line); kind {
		case "progress":
			if p, msg, ok := parseProgress(rest); ok {
				report(scaleProgress(p), msg)
			}
		case "result":
			if err := json.Unmarshal([]byte(rest), &res); err != nil {
				b.logger.Warn("renderer_bad_result", "code", job.Code, "line", line, "error", err)
				continue
			}
			gotResult = true
		default:
			b.logger.Debug("renderer_output", "code", job.Code, "line", line)
		}
	}
	scanErr := scanner.Err()
	// Keep the pipe flowing after a scan error so the renderer never
	// blocks on a full stdout and Wait can return.
	_, _ = io.Copy(io.Discard, stdout)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return renderResult{}, fmt.Errorf("renderer timed out: %w", ctx.Err())
		}
		return renderResult{}, fmt.Errorf("renderer failed: %v: %s", err, stderr.String())
	}
	if scanErr != nil {
		return renderResult{}, fmt.Errorf("read renderer output: %w", scanErr)
	}
	if !gotResult {
		if _, err := os.Stat(output); err != nil {
			return renderResult{}, fmt.Errorf("renderer produced no result")
		}
	}
	return res, nil
}

func jobEnv(job jobs.Job, audio, video, output string) []string {
	return []string{
		"HEYGEM_CODE=" + job.Code,
		"HEYGEM_RUN_ID=" + job.RunID.String(),
		"HEYGEM_AUDIO=" + audio,
		"HEYGEM_VIDEO=" + video,
		"HEYGEM_OUTPUT=" + output,
		"HEYGEM_WATERMARK=" + switchValue(job.Params.Watermark),
		"HEYGEM_DIGITAL_AUTH=" + switchValue(job.Params.DigitalAuth),
		"HEYGEM_CHAOFEN=" + switchValue(job.Params.SuperResolution),
		"HEYGEM_PN=" + switchValue(job.Params.PN),
	}
}

func switchValue(on bool) string {
	if on {
		return "1"
	}
	return "0"
}

func splitLine(line string) (kind, rest string) {
	kind, rest, _ = strings.Cut(line, " ")
	return kind, strings.TrimSpace(rest)
}

// parseProgress reads "<n> [message]".
func parseProgress(s string) (int, string, bool) {
	num, msg, _ := strings.Cut(s, " ")
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, "", false
	}
	return int(f), strings.TrimSpace(msg), true
}

// scaleProgress maps renderer progress 0-100 onto renderStart-renderEnd.
func scaleProgress(p int) int {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return renderStart + p*(renderEnd-renderStart)/100
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(t.buf.String())
}
