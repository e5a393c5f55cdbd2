package idempotency

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one claimed key. Keys carry their scope prefix, so the column is
// wider than a caller key.
type Record struct {
	Key         string    `json:"key" gorm:"column:idem_key;size:512;primaryKey"`
	Operation   string    `json:"operation" gorm:"type:varchar(64);primaryKey"`
	Fingerprint string    `json:"fingerprint" gorm:"type:varchar(64);not null"`
	State       State     `json:"state" gorm:"type:varchar(16);not null"`
	Outcome     string    `json:"outcome,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at" gorm:"not null;index"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

// DecodeOutcome parses the stored outcome.
func (r *Record) DecodeOutcome() (*Outcome, error) {
	var out Outcome
	if r.Outcome == "" {
		return &out, nil
	}
	if err := json.Unmarshal([]byte(r.Outcome), &out); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency outcome: %w", err)
	}
	return &out, nil
}

func encodeOutcome(out Outcome) (string, error) {
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode idempotency outcome: %w", err)
	}
	return string(b), nil
}
