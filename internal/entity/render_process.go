package entity

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hfujisawa/foamrun/constants"
)

// RenderProcess represents a supervised render-server process for data
// transfer between layers. Rows are never deleted; terminal rows keep the
// port/pid they held for history.
type RenderProcess struct {
	ID          uuid.UUID            `json:"id"`
	Port        int                  `json:"port"`
	PID         int                  `json:"pid"`
	CaseDir     string               `json:"case_dir"`
	Status      constants.ProcStatus `json:"status"`
	JobID       *uuid.UUID           `json:"job_id,omitempty"`
	ValidatedAt time.Time            `json:"validated_at"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ConnectionString renders the client/server URI clients connect with,
// e.g. "cs://localhost:11111".
func (p *RenderProcess) ConnectionString(host string) string {
	return fmt.Sprintf("cs://%s:%d", host, p.Port)
}
