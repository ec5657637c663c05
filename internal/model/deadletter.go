package model

import (
	"encoding/json"
	"time"
)

// Dead-letter stages, recorded so operators can tell where a record fell out.
const (
	StageDecode   = "decode"
	StageValidate = "validate"
	StageDispatch = "dispatch"
)

// DeadLetter is an operator-visible failure record. Anything that exceeds
// its retry budget or can never succeed lands here instead of blocking the
// partition or disappearing.
type DeadLetter struct {
	ID        int64           `json:"id"`
	Stage     string          `json:"stage"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
