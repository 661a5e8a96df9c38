// Package scheduler owns the batch-scheduler collaborator boundary: the
// remaining-walltime and session-directory queries the tool makes against
// the resource manager that hosts the job.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EnvJobID is the environment variable whose presence means the tool runs
// inside a batch allocation.
const EnvJobID = "SLURM_JOBID"

// Unlimited is reported when the allocation has no walltime limit, and when
// no allocation can be detected at all.
const Unlimited = time.Duration(math.MaxInt64)

var (
	ErrNoJob       = errors.New("scheduler: no batch job detected")
	ErrQueryFailed = errors.New("scheduler: remaining-time query failed")
	ErrEmptyOutput = errors.New("scheduler: remaining-time query returned nothing")
)

// Getenv narrows os.Getenv for tests.
type Getenv func(string) string

// RemainingTime reports how much walltime the surrounding allocation has
// left. Without a job id it returns Unlimited and ErrNoJob so callers can
// treat the value as the maximum representable one.
func RemainingTime(run Runner, getenv Getenv) (time.Duration, error) {
	jobID := strings.TrimSpace(getenv(EnvJobID))
	if jobID == "" {
		return Unlimited, ErrNoJob
	}
	out, err := run.Run("squeue", "-h", "-j", jobID, "-o", "%L")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	line, _, _ := strings.Cut(out, "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, ErrEmptyOutput
	}
	return ParseRemaining(line), nil
}

// ParseRemaining reads a colon-delimited walltime right to left as seconds,
// minutes, hours, days. More than four fields means the allocation is
// unbounded. Non-numeric text in a field counts as zero, matching the
// scheduler's own lenient readers.
func ParseRemaining(raw string) time.Duration {
	fields := strings.Split(raw, ":")
	cnt := len(fields)
	if cnt > 4 {
		return Unlimited
	}
	seconds := leadingInt(fields[cnt-1])
	if cnt > 1 {
		seconds += 60 * leadingInt(fields[cnt-2])
	}
	if cnt > 2 {
		seconds += 3600 * leadingInt(fields[cnt-3])
	}
	if cnt > 3 {
		seconds += 24 * 3600 * leadingInt(fields[cnt-4])
	}
	return time.Duration(seconds) * time.Second
}

// SessionDir names the per-job session directory for this tool.
func SessionDir(toolName string, getenv Getenv) (string, error) {
	jobID := strings.TrimSpace(getenv(EnvJobID))
	if jobID == "" {
		return "", ErrNoJob
	}
	return fmt.Sprintf("%s.session.%s", toolName, jobID), nil
}

// leadingInt parses the leading decimal digits of s, zero when there are
// none.
func leadingInt(s string) int64 {
	s = strings.TrimSpace(s)
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int64(r-'0')
	}
	return n
}
