package job

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when an operation targets a job ID that does
// not exist in the store. Callers must be able to tell this apart from
// "nothing matched the filter".
var ErrNotFound = errors.New("job not found")

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

type Type string

const (
	TypeIngest  Type = "ingest"
	TypePreview Type = "preview"
	TypeSave    Type = "save"
	TypeRender  Type = "render"
)

var validTypes = map[Type]bool{
	TypeIngest:  true,
	TypePreview: true,
	TypeSave:    true,
	TypeRender:  true,
}

func (t Type) Valid() bool {
	return validTypes[t]
}

// Types lists every valid job type in a stable order.
func Types() []Type {
	return []Type{TypeIngest, TypePreview, TypeSave, TypeRender}
}

type Job struct {
	ID         string          `json:"job_id"`
	Type       Type            `json:"type"`
	Status     Status          `json:"status"`
	Progress   float64         `json:"progress"`
	Stage      string          `json:"stage,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Update is a partial mutation applied by Store.Update. Nil fields are
// left untouched; a non-nil Stage pointing at "" clears the stage.
// updated_at is refreshed on every Update call regardless of which
// fields are set.
type Update struct {
	Status     *Status
	Progress   *float64
	Stage      *string
	Result     json.RawMessage
	Error      *string
	RetryCount *int
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status Status
	Type   Type
	Limit  int
}
