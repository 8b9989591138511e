package crawl

import "github.com/kbcrawl/kbcrawl/internal/model"

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventJobStarted   EventType = "job_started"
	EventKBProgress   EventType = "multi_kb_progress"
	EventPageComplete EventType = "page_complete"
	EventKBCompleted  EventType = "kb_completed"
	EventKBFailed     EventType = "kb_failed"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// Event is one progress notification emitted by a Coordinator, fanned out
// to WebSocket subscribers of a job. Only one of Page/Job/KB is populated,
// matching the event's Type.
type Event struct {
	Type    EventType
	JobID   string
	KBID    string
	Page    *model.PageResult
	Job     *model.JobResult
	KB      *model.KBResult
	Message string
}
