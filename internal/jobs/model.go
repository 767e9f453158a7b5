// Package jobs holds the build job model and its persistent store.
package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"buildforge/internal/extract"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// transitions is the full job state machine
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf returns every state that may move to to
func sourcesOf(to Status) []Status {
	var out []Status
	for from, targets := range transitions {
		for _, t := range targets {
			if t == to {
				out = append(out, from)
			}
		}
	}
	return out
}

// Mode selects the execution strategy
type Mode string

const (
	ModeSingle Mode = "single"
	ModeAuto   Mode = "auto"
)

// Job is one build request and its lifecycle
type Job struct {
	ID         string `json:"id" gorm:"primaryKey;size:36"`
	ProjectID  uint   `json:"project_id" gorm:"index;not null"`
	UserID     uint   `json:"user_id" gorm:"index;not null"`
	Status     Status `json:"status" gorm:"size:16;index;not null;default:queued"`
	Progress   int    `json:"progress" gorm:"not null;default:0"`
	Prompt     string `json:"prompt" gorm:"type:text;not null"`
	Provider   string `json:"provider" gorm:"size:32;not null;default:auto"`
	Mode       Mode   `json:"mode" gorm:"size:16"`
	Agent      string `json:"agent,omitempty" gorm:"size:32"`
	Complexity string `json:"complexity,omitempty" gorm:"size:16"`

	Artifact        *Artifact `json:"artifact" gorm:"type:text"`
	PartialArtifact *Artifact `json:"partial_artifact,omitempty" gorm:"type:text"`
	Error           *string   `json:"error" gorm:"type:text"`

	CreatedAt  time.Time  `json:"created_at" gorm:"index"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (Job) TableName() string { return "build_jobs" }

// Artifact is the generated output of a job
type Artifact struct {
	Blocks      []extract.Block `json:"blocks"`
	Combined    string          `json:"combined"`
	DownloadURL string          `json:"download_url,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Steps       int             `json:"steps,omitempty"`
}

// NewArtifact wraps an extraction result
func NewArtifact(res extract.Result) *Artifact {
	return &Artifact{Blocks: res.Blocks, Combined: res.Combined}
}

// Value stores the artifact as JSON text
func (a Artifact) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan loads an artifact from JSON text
func (a *Artifact) Scan(src interface{}) error {
	return scanJSON(src, a)
}

// EventType tags an event
type EventType string

const (
	EventJobStarted      EventType = "job_started"
	EventPlanningStarted EventType = "planning_started"
	EventPlanningDone    EventType = "planning_done"
	EventCodegenStarted  EventType = "codegen_started"
	EventCodegenProgress EventType = "codegen_progress"
	EventCodegenDone     EventType = "codegen_done"
	EventPackaging       EventType = "packaging"
	EventArtifactReady   EventType = "artifact_ready"
	EventError           EventType = "error"
	EventJobCompleted    EventType = "job_completed"
	EventAgentSelected   EventType = "agent_selected"
	EventAgentThinking   EventType = "agent_thinking"
)

// Event is one immutable entry in a job's audit trail
type Event struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	JobID     string    `json:"job_id" gorm:"size:36;not null;uniqueIndex:idx_job_events_job_seq,priority:1"`
	Seq       int64     `json:"seq" gorm:"not null;uniqueIndex:idx_job_events_job_seq,priority:2"`
	Type      EventType `json:"type" gorm:"size:32;not null"`
	Message   string    `json:"message" gorm:"type:text"`
	Payload   Payload   `json:"payload" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}

func (Event) TableName() string { return "job_events" }

// Payload is the structured part of an event. Progress is always present;
// the other fields depend on the event type.
type Payload struct {
	Progress    int    `json:"progress"`
	Status      Status `json:"status,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Complexity  string `json:"complexity,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Step        int    `json:"step,omitempty"`
	StepCount   int    `json:"step_count,omitempty"`
	Title       string `json:"title,omitempty"`
	Preview     string `json:"preview,omitempty"`
	Code        string `json:"code,omitempty"`
	Lines       int    `json:"lines_of_code,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (p Payload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (p *Payload) Scan(src interface{}) error {
	return scanJSON(src, p)
}

// Terminal reports whether e closes its job's stream
func (e *Event) Terminal() bool {
	return e.Type == EventJobCompleted
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

var (
	// ErrNotFound means no job exists with the given id
	ErrNotFound = errors.New("job not found")
	// ErrNotClaimable means the job left the queued state before the claim
	ErrNotClaimable = errors.New("job is not queued")
	// ErrTerminal means the job already reached a final state
	ErrTerminal = errors.New("job already finished")
)
