package model

import "time"

// Direction is the public representation of a trigger's movement side.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Trigger is the persisted form of a price trigger. Thresholds are stored as
// direction plus an unsigned percentage.
type Trigger struct {
	ID               string     `json:"id"`
	Asset            string     `json:"asset"`
	Direction        Direction  `json:"direction"`
	ThresholdPercent float64    `json:"threshold_percent"`
	BaselinePrice    float64    `json:"baseline_price"`
	ActionPercent    float64    `json:"action_percent"`
	Venue            string     `json:"venue"`
	Schedule         string     `json:"schedule"`
	Enabled          bool       `json:"enabled"`
	Fired            bool       `json:"fired"`
	CheckCount       int        `json:"check_count"`
	LastCheckedAt    *time.Time `json:"last_checked_at,omitempty"`
	FiredAt          *time.Time `json:"fired_at,omitempty"`
	TxID             string     `json:"tx_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TriggerPatch carries the fields UpdateTrigger may change. Nil fields are
// left alone. Setting Fired to false also clears FiredAt.
type TriggerPatch struct {
	BaselinePrice *float64
	Enabled       *bool
	Fired         *bool
	CheckCount    *int
	LastCheckedAt *time.Time
	FiredAt       *time.Time
	TxID          *string
}

// Apply copies the non-nil patch fields onto t.
func (p TriggerPatch) Apply(t *Trigger) {
	if p.BaselinePrice != nil {
		t.BaselinePrice = *p.BaselinePrice
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if p.Fired != nil {
		t.Fired = *p.Fired
		if !t.Fired {
			t.FiredAt = nil
		}
	}
	if p.CheckCount != nil {
		t.CheckCount = *p.CheckCount
	}
	if p.LastCheckedAt != nil {
		ts := *p.LastCheckedAt
		t.LastCheckedAt = &ts
	}
	if p.FiredAt != nil {
		ts := *p.FiredAt
		t.FiredAt = &ts
	}
	if p.TxID != nil {
		t.TxID = *p.TxID
	}
}
