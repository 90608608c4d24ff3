package audit

import (
	"time"

	"github.com/Abraxas-365/portero/pkg/kernel"
)

// Operation names the credential operation an entry records.
type Operation string

const (
	OperationRefresh  Operation = "token_refresh"
	OperationExchange Operation = "token_exchange"
	OperationAdopt    Operation = "token_adopt"
)

// Outcome is the terminal state of the recorded operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// Metadata is the closed metadata document for an audit entry. Fields are
// known in advance; older rows may simply omit some.
type Metadata struct {
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
	Fallback       bool   `json:"fallback,omitempty"`
	Scope          string `json:"scope,omitempty"`
}

// Entry is one append-only record of a token acquisition attempt.
type Entry struct {
	ID         string            `json:"id" db:"id"`
	InstanceID kernel.InstanceID `json:"instance_id" db:"instance_id"`
	UserID     *kernel.UserID    `json:"user_id,omitempty" db:"user_id"`
	Operation  Operation         `json:"operation" db:"operation"`
	Outcome    Outcome           `json:"outcome" db:"outcome"`

	// Method records which acquisition path produced the outcome
	// (oauth_service or direct_oauth). Empty when no call was made.
	Method string `json:"method,omitempty" db:"method"`

	ErrorKind    string   `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string   `json:"error_message,omitempty" db:"error_message"`
	Metadata     Metadata `json:"metadata" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Summary aggregates entries over a query window.
type Summary struct {
	Total    int            `json:"total"`
	Success  int            `json:"success"`
	Failure  int            `json:"failure"`
	ByMethod map[string]int `json:"by_method"`
}

// Filter narrows audit queries.
type Filter struct {
	Operation *Operation
	Outcome   *Outcome
	Since     *time.Time
	Limit     int
}
