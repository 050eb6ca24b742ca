package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and job execution.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	unitsTotal        = make(map[unitKey]int64)
	jobsFinishedTotal = make(map[jobKey]int64)
	lockAttempts      = make(map[string]int64)

	queueRetries int64
	queueDrops   int64

	retentionJobsDeleted int64
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

type unitKey struct {
	JobType string
	Outcome string
}

type jobKey struct {
	JobType string
	State   string
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

// RecordUnit counts one executed work item by job type and outcome
// (processed, failed, timed_out, cancelled, skipped).
func RecordUnit(jobType, outcome string) {
	mu.Lock()
	defer mu.Unlock()
	unitsTotal[unitKey{JobType: jobType, Outcome: outcome}]++
}

// RecordJobFinished counts a job reaching a terminal state.
func RecordJobFinished(jobType, state string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinishedTotal[jobKey{JobType: jobType, State: state}]++
}

// RecordLockAttempt counts feed lock acquisition attempts.
func RecordLockAttempt(acquired bool) {
	mu.Lock()
	defer mu.Unlock()

	result := "contended"
	if acquired {
		result = "acquired"
	}
	lockAttempts[result]++
}

// RecordQueueRetry counts a message put back after an infrastructure error.
func RecordQueueRetry() {
	mu.Lock()
	defer mu.Unlock()
	queueRetries++
}

// RecordQueueDrop counts a message given up on after its last delivery.
func RecordQueueDrop() {
	mu.Lock()
	defer mu.Unlock()
	queueDrops++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL.
func RecordRetentionJobs(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP obstracts_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE obstracts_http_requests_total counter\n")

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
		fmt.Fprintf(&b, "obstracts_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, requestsTotal[k])
	}

	b.WriteString("# HELP obstracts_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE obstracts_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP obstracts_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE obstracts_http_request_duration_ms_count counter\n")

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
		fmt.Fprintf(&b, "obstracts_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "obstracts_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP obstracts_job_units_total Work items executed by job type and outcome\n")
	b.WriteString("# TYPE obstracts_job_units_total counter\n")

	var unitKeys []unitKey
	for k := range unitsTotal {
		unitKeys = append(unitKeys, k)
	}
	sort.Slice(unitKeys, func(i, j int) bool {
		if unitKeys[i].JobType != unitKeys[j].JobType {
			return unitKeys[i].JobType < unitKeys[j].JobType
		}
		return unitKeys[i].Outcome < unitKeys[j].Outcome
	})
	for _, k := range unitKeys {
		fmt.Fprintf(&b, "obstracts_job_units_total{job_type=\"%s\",outcome=\"%s\"} %d\n",
			k.JobType, k.Outcome, unitsTotal[k])
	}

	b.WriteString("# HELP obstracts_jobs_finished_total Jobs that reached a terminal state\n")
	b.WriteString("# TYPE obstracts_jobs_finished_total counter\n")

	var jobKeys []jobKey
	for k := range jobsFinishedTotal {
		jobKeys = append(jobKeys, k)
	}
	sort.Slice(jobKeys, func(i, j int) bool {
		if jobKeys[i].JobType != jobKeys[j].JobType {
			return jobKeys[i].JobType < jobKeys[j].JobType
		}
		return jobKeys[i].State < jobKeys[j].State
	})
	for _, k := range jobKeys {
		fmt.Fprintf(&b, "obstracts_jobs_finished_total{job_type=\"%s\",state=\"%s\"} %d\n",
			k.JobType, k.State, jobsFinishedTotal[k])
	}

	b.WriteString("# HELP obstracts_feed_lock_attempts_total Feed lock acquisition attempts\n")
	b.WriteString("# TYPE obstracts_feed_lock_attempts_total counter\n")

	var results []string
	for r := range lockAttempts {
		results = append(results, r)
	}
	sort.Strings(results)
	for _, r := range results {
		fmt.Fprintf(&b, "obstracts_feed_lock_attempts_total{result=\"%s\"} %d\n", r, lockAttempts[r])
	}

	b.WriteString("# HELP obstracts_queue_retries_total Steps redelivered after an infrastructure error\n")
	b.WriteString("# TYPE obstracts_queue_retries_total counter\n")
	fmt.Fprintf(&b, "obstracts_queue_retries_total %d\n", queueRetries)

	b.WriteString("# HELP obstracts_queue_dropped_total Steps abandoned after their last delivery\n")
	b.WriteString("# TYPE obstracts_queue_dropped_total counter\n")
	fmt.Fprintf(&b, "obstracts_queue_dropped_total %d\n", queueDrops)

	b.WriteString("# HELP obstracts_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE obstracts_retention_jobs_deleted_total counter\n")
	fmt.Fprintf(&b, "obstracts_retention_jobs_deleted_total %d\n", retentionJobsDeleted)

	return b.String()
}
