package models

import "encoding/json"

// Task states. A task moves local → remote → complete; handler rejection and
// permanent remote failure land on complete with Error populated, while
// should_cancel lands on cancelled.
const (
	TaskStatusLocal     = "local"
	TaskStatusRemote    = "remote"
	TaskStatusComplete  = "complete"
	TaskStatusCancelled = "cancelled"
)

// Task is a user-initiated mutation with an optimistic local phase and an
// authoritative remote phase. Cls discriminates the handler; Payload is
// opaque to everything but that handler.
type Task struct {
	ID      string `json:"id"`
	AID     string `json:"aid"`
	Version int    `json:"v"`

	Cls          string          `json:"__cls"`
	Status       string          `json:"status"`
	Error        json.RawMessage `json:"error,omitempty"`
	ShouldCancel bool            `json:"should_cancel,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (t *Task) ModelID() string       { return t.ID }
func (t *Task) AccountID() string     { return t.AID }
func (t *Task) TableName() string     { return "Task" }
func (t *Task) ObjectClass() string   { return "Task" }
func (t *Task) ModelVersion() int     { return t.Version }
func (t *Task) SetModelVersion(v int) { t.Version = v }
func (t *Task) Columns() []string     { return []string{"status", "cls"} }
func (t *Task) BindValues() []any     { return []any{t.Status, t.Cls} }

// SetError records a failure description on the task.
func (t *Task) SetError(message string) {
	b, _ := json.Marshal(map[string]string{"message": message})
	t.Error = b
}
