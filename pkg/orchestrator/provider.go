package orchestrator

import "context"

// GenerateRequest describes one synchronous generation call.
type GenerateRequest struct {
	Prompt string
	Inputs []string
	Count  int
}

// Generator produces media synchronously. Implementations may call onItem
// once per finished item before returning; onItem may be nil.
// Generate must return promptly once ctx is done.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest, onItem func(url string)) ([]string, error)
}

// JobRequest describes an asynchronous generation job.
type JobRequest struct {
	Prompt  string
	Input   string
	Options map[string]string
}

// JobState is the remote state of an external job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatus is a snapshot returned by JobProvider.QueryJob.
type JobStatus struct {
	State    JobState
	URL      string
	Error    string
	Progress int
}

// JobProvider submits and polls asynchronous jobs.
type JobProvider interface {
	SubmitJob(ctx context.Context, req JobRequest) (string, error)
	QueryJob(ctx context.Context, jobID string) (*JobStatus, error)
}

// Messenger delivers text and media to a conversation. Delivery is best-effort.
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to, url string) error
}
