package db

// Status is the lifecycle state shared by jobs and tasks.
// Tasks move queued -> running -> finished|failed, or to canceled via job
// cancellation. Job status is derived from the task multiset (see store).
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s is a final state for a task.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

// Job is a batch of related tasks submitted as one unit: a single action
// applied to an ordered list of targets, optionally pinned to a region.
//
// IDs are 32-hex random strings (see internal/ids), not UUID-typed columns —
// they travel unchanged between the wire, the store and the tunnel frames.
// Timestamps are Unix milliseconds (UTC); the API layer renders them as
// ISO-8601 strings. Both are set explicitly by the store rather than by GORM
// auto-time hooks so that a job and its tasks share one creation millisecond.
type Job struct {
	ID        string            `gorm:"primaryKey"`
	Action    string            `gorm:"not null"`
	Region    string            `gorm:"not null;default:''"` // empty = any region
	Targets   []string          `gorm:"serializer:json;not null"`
	Meta      map[string]string `gorm:"serializer:json"`
	Status    Status            `gorm:"not null;default:'queued'"`
	CreatedAt int64             `gorm:"not null;index"`
	UpdatedAt int64             `gorm:"not null"`
}

// Task is the dispatch atom: one unit of work for one target within a job.
// Action and Region are copied from the owning job at creation so the
// dispatcher and agents never need a join.
//
// Attempt counts successful claims. It is incremented only by the claim
// operation; a requeue (dispatch failure, lease expiry) leaves it unchanged.
//
// The (status, region, created_at) composite index backs the FIFO claim
// query as a pure index walk.
type Task struct {
	ID        string         `gorm:"primaryKey"`
	JobID     string         `gorm:"not null;index"`
	Target    string         `gorm:"not null"`
	Action    string         `gorm:"not null"`
	Region    string         `gorm:"not null;default:'';index:idx_tasks_claim,priority:2"`
	Payload   map[string]any `gorm:"serializer:json"`
	Status    Status         `gorm:"not null;default:'queued';index:idx_tasks_claim,priority:1"`
	Attempt   int            `gorm:"not null;default:0"`
	CreatedAt int64          `gorm:"not null;index:idx_tasks_claim,priority:3"`
	UpdatedAt int64          `gorm:"not null"`
}
