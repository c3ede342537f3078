package protocol

import "time"

// GenerateJob asks a worker to build every audio artifact for one document.
type GenerateJob struct {
	Ref        string    `json:"ref"`
	RequestID  string    `json:"request_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// GenerateResult reports the outcome of one generation job.
type GenerateResult struct {
	Ref        string    `json:"ref"`
	RequestID  string    `json:"request_id"`
	Segments   int       `json:"segments"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	SubjectGenerateJob    = "narrate.generate.job"
	SubjectGenerateResult = "narrate.generate.result"

	// QueueGenerate groups workers so each job is delivered to one of them.
	QueueGenerate = "narrate-workers"
)
