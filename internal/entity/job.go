package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
)

// Job represents a tracked command execution for data transfer between layers.
type Job struct {
	ID         uuid.UUID           `json:"id"`
	Command    string              `json:"command"`
	Args       []string            `json:"args,omitempty"`
	CaseDir    string              `json:"case_dir"`
	Status     constants.JobStatus `json:"status"`
	Message    string              `json:"message,omitempty"`
	Result     *string             `json:"result,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	UpdatedAt  time.Time           `json:"updated_at"`
}
