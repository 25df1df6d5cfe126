package domain

import "time"

// Branching operations an idempotency key can be bound to.
const (
	OpFork    = "fork"
	OpHandoff = "handoff"
)

// Idempotency records the conversation produced by a branching request,
// keyed by (user_id, chat_id, op, key), so a retried fork or handoff returns
// the conversation created the first time. A key used for a fork never
// replays as a handoff and the other way round.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_scope,priority:1"`
	ChatID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_scope,priority:2"`
	Op        string    `gorm:"type:TEXT NOT NULL;default:'';uniqueIndex:ux_idem_scope,priority:3"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_idem_scope,priority:4"`
	ResultID  string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
