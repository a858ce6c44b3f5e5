package domain

import "fmt"

type JobKind string

const (
	JobRefreshStatus JobKind = "refresh_status"
	JobScanInterval  JobKind = "scan_interval"
	JobRetryFailed   JobKind = "retry_failed"
)

// Job is a transient unit of work proposed by a generator.
// Exactly one of Watermark and Operation is set.
type Job struct {
	Kind      JobKind
	Watermark *Watermark
	Operation *Operation
}

func ScanJob(wm *Watermark) Job {
	return Job{Kind: JobScanInterval, Watermark: wm}
}

func RefreshJob(op *Operation) Job {
	return Job{Kind: JobRefreshStatus, Operation: op}
}

func RetryWatermarkJob(wm *Watermark) Job {
	return Job{Kind: JobRetryFailed, Watermark: wm}
}

func RetryOperationJob(op *Operation) Job {
	return Job{Kind: JobRetryFailed, Operation: op}
}

// Stream names the stream a job belongs to, used as a metric label.
func (j Job) Stream() string {
	switch {
	case j.Watermark != nil:
		return string(j.Watermark.Kind)
	case j.Operation != nil:
		return "refresh"
	default:
		return "unknown"
	}
}

func (j Job) String() string {
	switch {
	case j.Watermark != nil:
		return fmt.Sprintf("%s(watermark=%d %s@%s)", j.Kind, j.Watermark.ID, j.Watermark.Kind, j.Watermark.Pointer)
	case j.Operation != nil:
		return fmt.Sprintf("%s(operation=%d %s)", j.Kind, j.Operation.ID, j.Operation.ExternalID)
	default:
		return string(j.Kind)
	}
}
