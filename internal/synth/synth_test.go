package synth

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"heygem/internal/config"
	"heygem/internal/jobs"
)

type progressLog struct {
	mu     sync.Mutex
	values []int
	msgs   []string
}

func (p *progressLog) report(progress int, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, progress)
	p.msgs = append(p.msgs, msg)
}

func newMediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.wav", "/v.mp4":
			_, _ = w.Write([]byte("media-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newBody(t *testing.T, script string) *CommandBody {
	t.Helper()
	cfg := &config.Config{}
	cfg.Synth = config.SynthConfig{
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		WorkDir:   t.TempDir(),
		ResultDir: t.TempDir(),
		TimeoutMs: 5000,
	}
	cfg.ApplyDefaults()
	return NewCommandBody(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testJob(srv *httptest.Server) jobs.Job {
	return jobs.Job{
		Code:  "job-1",
		RunID: uuid.New(),
		Params: jobs.Params{
			AudioURL:  srv.URL + "/a.wav",
			VideoURL:  srv.URL + "/v.mp4",
			Watermark: true,
		},
	}
}

func TestCommandBody_Success(t *testing.T) {
	srv := newMediaServer(t)
	script := `
test -s "$HEYGEM_AUDIO" || exit 3
test -s "$HEYGEM_VIDEO" || exit 4
test "$HEYGEM_WATERMARK" = "1" || exit 5
echo "progress 50 inference"
echo "some noise"
echo "result {\"result\": \"$HEYGEM_OUTPUT\", \"video_duration\": 3.5, \"width\": 720, \"height\": 1280}"
`
	body := newBody(t, script)
	var pl progressLog

	job := testJob(srv)
	res, err := body.Run(context.Background(), job, pl.report)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if want := filepath.Join(body.cfg.ResultDir, job.RunID.String()+"-r.mp4"); res.ResultRef != want {
		t.Fatalf("expected result ref %s, got %s", want, res.ResultRef)
	}
	if res.Metrics.Width != 720 || res.Metrics.Height != 1280 || res.Metrics.VideoDuration != 3.5 {
		t.Fatalf("unexpected metrics: %#v", res.Metrics)
	}

	want := []int{downloadStart, renderStart, scaleProgress(50)}
	if len(pl.values) != len(want) {
		t.Fatalf("expected progress %v, got %v", want, pl.values)
	}
	for i := range want {
		if pl.values[i] != want[i] {
			t.Fatalf("expected progress %v, got %v", want, pl.values)
		}
	}
	if pl.msgs[2] != "inference" {
		t.Fatalf("expected renderer message, got %q", pl.msgs[2])
	}
}

func TestCommandBody_RendererFailureIncludesStderr(t *testing.T) {
	srv := newMediaServer(t)
	body := newBody(t, `echo "cuda out of memory" >&2; exit 1`)

	_, err := body.Run(context.Background(), testJob(srv), func(int, string) {})
	if err == nil || !strings.Contains(err.Error(), "cuda out of memory") {
		t.Fatalf("expected stderr tail in error, got %v", err)
	}
}

func TestCommandBody_MissingResult(t *testing.T) {
	srv := newMediaServer(t)
	body := newBody(t, `echo "progress 100"`)

	_, err := body.Run(context.Background(), testJob(srv), func(int, string) {})
	if err == nil || !strings.Contains(err.Error(), "no result") {
		t.Fatalf("expected missing result error, got %v", err)
	}
}

func TestCommandBody_DownloadFailure(t *testing.T) {
	srv := newMediaServer(t)
	body := newBody(t, `exit 0`)
	job := testJob(srv)
	job.Params.AudioURL = srv.URL + "/missing.wav"

	_, err := body.Run(context.Background(), job, func(int, string) {})
	if err == nil || !strings.Contains(err.Error(), "download audio") {
		t.Fatalf("expected download error, got %v", err)
	}
}

func TestCommandBody_PathsIgnoreCode(t *testing.T) {
	srv := newMediaServer(t)
	body := newBody(t, `echo "$HEYGEM_OUTPUT" > "$HEYGEM_OUTPUT"; echo "progress 100"`)
	job := testJob(srv)
	job.Code = "../escaped"

	res, err := body.Run(context.Background(), job, func(int, string) {})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if filepath.Dir(res.ResultRef) != filepath.Clean(body.cfg.ResultDir) {
		t.Fatalf("result %s escaped result dir %s", res.ResultRef, body.cfg.ResultDir)
	}
	if _, err := os.Stat(res.ResultRef); err != nil {
		t.Fatalf("expected output inside result dir: %v", err)
	}
}

func TestCommandBody_RejectsLocalSources(t *testing.T) {
	srv := newMediaServer(t)
	body := newBody(t, `cat "$HEYGEM_AUDIO" >&2; exit 1`)

	for _, src := range []string{"file:///etc/passwd", "/etc/passwd", "ftp://host/a.wav"} {
		job := testJob(srv)
		job.Params.AudioURL = src

		_, err := body.Run(context.Background(), job, func(int, string) {})
		if err == nil || !strings.Contains(err.Error(), "unsupported scheme") {
			t.Fatalf("%s: expected unsupported scheme error, got %v", src, err)
		}
		if strings.Contains(err.Error(), "root:") {
			t.Fatalf("%s: local file content leaked: %v", src, err)
		}
	}
}

func TestCommandBody_LongOutputLines(t *testing.T) {
	srv := newMediaServer(t)

	cases := []struct {
		name    string
		script  string
		wantErr bool
	}{
		{
			name:   "within line limit",
			script: `head -c 200000 /dev/zero | tr '\0' a; echo; echo "result {\"result\": \"$HEYGEM_OUTPUT\"}"`,
		},
		{
			name:    "beyond line limit",
			script:  `head -c 2000000 /dev/zero | tr '\0' a; echo; head -c 2000000 /dev/zero | tr '\0' b; echo`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := newBody(t, tc.script)
			body.cfg.TimeoutMs = 0

			done := make(chan error, 1)
			go func() {
				_, err := body.Run(context.Background(), testJob(srv), func(int, string) {})
				done <- err
			}()

			select {
			case err := <-done:
				if (err != nil) != tc.wantErr {
					t.Fatalf("unexpected error result: %v", err)
				}
			case <-time.After(10 * time.Second):
				t.Fatalf("Run blocked on renderer output")
			}
		})
	}
}

func TestCommandBody_NotConfigured(t *testing.T) {
	body := NewCommandBody(&config.Config{}, nil)
	if _, err := body.Run(context.Background(), jobs.Job{Code: "x"}, func(int, string) {}); err == nil {
		t.Fatalf("expected error when no command is configured")
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		in   string
		want int
		msg  string
		ok   bool
	}{
		{"42", 42, "", true},
		{"12.7 face alignment", 12, "face alignment", true},
		{"abc", 0, "", false},
	}
	for _, tc := range cases {
		got, msg, ok := parseProgress(tc.in)
		if got != tc.want || msg != tc.msg || ok != tc.ok {
			t.Fatalf("parseProgress(%q) = %d, %q, %v", tc.in, got, msg, ok)
		}
	}
}

func TestScaleProgress(t *testing.T) {
	if got := scaleProgress(0); got != renderStart {
		t.Fatalf("expected %d, got %d", renderStart, got)
	}
	if got := scaleProgress(100); got != renderEnd {
		t.Fatalf("expected %d, got %d", renderEnd, got)
	}
	if got := scaleProgress(500); got != renderEnd {
		t.Fatalf("expected clamp to %d, got %d", renderEnd, got)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := &tailBuffer{limit: 5}
	_, _ = tb.Write([]byte("hello "))
	_, _ = tb.Write([]byte("world"))
	if got := tb.String(); got != "world" {
		t.Fatalf("expected last 5 bytes, got %q", got)
	}
}
