package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and synthesis jobs.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	submissionsTotal = make(map[string]int64)
	deliveriesTotal  = make(map[string]int64)
	rateLimitedTotal = make(map[string]int64)

	jobsStartedTotal   int64
	jobsWaitMsSum      int64
	jobsFinishedTotal  = make(map[string]int64)
	jobsDurationMsSum  = make(map[string]int64)
	retentionEntries   int64
	retentionHistory   int64
	queueLength        int64
	inFlight           int64
	maxConcurrentSlots int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordSubmission counts a submission by outcome
// (accepted, duplicate, invalid, busy).
func RecordSubmission(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	submissionsTotal[outcome]++
}

// RecordJobStarted counts a job leaving the queue and records how long it
// waited for a slot.
func RecordJobStarted(waitMs int64) {
	mu.Lock()
	defer mu.Unlock()
	jobsStartedTotal++
	if waitMs > 0 {
		jobsWaitMsSum += waitMs
	}
}

// RecordJobFinished counts a terminal transition and its run time.
func RecordJobFinished(status string, durationMs int64) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinishedTotal[status]++
	jobsDurationMsSum[status] += durationMs
}

// RecordDelivery counts terminal results handed to a caller.
func RecordDelivery(status string) {
	mu.Lock()
	defer mu.Unlock()
	deliveriesTotal[status]++
}

// RecordRateLimited counts requests rejected by the rate limiter backend
// (redis or local).
func RecordRateLimited(backend string) {
	mu.Lock()
	defer mu.Unlock()
	rateLimitedTotal[backend]++
}

// RecordRetentionEntries counts terminal entries expired without delivery.
func RecordRetentionEntries(n int64) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionEntries += n
}

// RecordRetentionHistory counts history rows deleted by TTL.
func RecordRetentionHistory(n int64) {
	if n <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionHistory += n
}

// SetQueueState updates the queue and slot gauges.
func SetQueueState(queued, running, slots int) {
	mu.Lock()
	defer mu.Unlock()
	queueLength = int64(queued)
	inFlight = int64(running)
	maxConcurrentSlots = int64(slots)
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP heygem_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE heygem_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		fmt.Fprintf(&b, "heygem_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP heygem_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE heygem_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP heygem_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE heygem_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "heygem_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "heygem_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	writeLabeled(&b, "heygem_job_submissions_total", "Job submissions by outcome", "counter", "outcome", submissionsTotal)

	b.WriteString("# HELP heygem_jobs_started_total Jobs granted an execution slot\n")
	b.WriteString("# TYPE heygem_jobs_started_total counter\n")
	fmt.Fprintf(&b, "heygem_jobs_started_total %d\n", jobsStartedTotal)

	b.WriteString("# HELP heygem_job_queue_wait_ms_sum Total time jobs spent queued in milliseconds\n")
	b.WriteString("# TYPE heygem_job_queue_wait_ms_sum counter\n")
	fmt.Fprintf(&b, "heygem_job_queue_wait_ms_sum %d\n", jobsWaitMsSum)

	writeLabeled(&b, "heygem_jobs_finished_total", "Jobs reaching a terminal state", "counter", "status", jobsFinishedTotal)
	writeLabeled(&b, "heygem_job_duration_ms_sum", "Total job run time in milliseconds", "counter", "status", jobsDurationMsSum)
	writeLabeled(&b, "heygem_job_deliveries_total", "Terminal results delivered to callers", "counter", "status", deliveriesTotal)
	writeLabeled(&b, "heygem_rate_limited_total", "Requests rejected by the rate limiter", "counter", "backend", rateLimitedTotal)

	b.WriteString("# HELP heygem_retention_entries_expired_total Terminal entries expired without delivery\n")
	b.WriteString("# TYPE heygem_retention_entries_expired_total counter\n")
	fmt.Fprintf(&b, "heygem_retention_entries_expired_total %d\n", retentionEntries)

	b.WriteString("# HELP heygem_retention_history_deleted_total History rows deleted by TTL\n")
	b.WriteString("# TYPE heygem_retention_history_deleted_total counter\n")
	fmt.Fprintf(&b, "heygem_retention_history_deleted_total %d\n", retentionHistory)

	b.WriteString("# HELP heygem_queue_length Jobs waiting for an execution slot\n")
	b.WriteString("# TYPE heygem_queue_length gauge\n")
	fmt.Fprintf(&b, "heygem_queue_length %d\n", queueLength)

	b.WriteString("# HELP heygem_jobs_in_flight Jobs currently executing\n")
	b.WriteString("# TYPE heygem_jobs_in_flight gauge\n")
	fmt.Fprintf(&b, "heygem_jobs_in_flight %d\n", inFlight)

	b.WriteString("# HELP heygem_max_concurrent_jobs Configured execution slots\n")
	b.WriteString("# TYPE heygem_max_concurrent_jobs gauge\n")
	fmt.Fprintf(&b, "heygem_max_concurrent_jobs %d\n", maxConcurrentSlots)

	return b.String()
}

// writeLabeled emits a single-label metric family with sorted label values.
func writeLabeled(b *strings.Builder, name, help, kind, label string, values map[string]int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, values[k])
	}
}
