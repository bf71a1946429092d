package model

import "time"

type DeltaType string

const (
	DeltaSnapshot         DeltaType = "snapshot"
	DeltaStatusChanged    DeltaType = "status_changed"
	DeltaAlertRaised      DeltaType = "alert_raised"
	DeltaAlertResolved    DeltaType = "alert_resolved"
	DeltaAggregateUpdated DeltaType = "aggregate_updated"
)

// Delta is the envelope pushed to observers. Payload holds one of the
// *Payload types below.
type Delta struct {
	Type       DeltaType `json:"type"`
	CompanyID  string    `json:"company_id"`
	EmployeeID string    `json:"employee_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    any       `json:"payload"`
}

type StatusChangedPayload struct {
	EmployeeID string     `json:"employee_id"`
	Status     LiveStatus `json:"status"`
	SubState   SubState   `json:"sub_state"`
	Timestamp  time.Time  `json:"timestamp"`
}

type AlertRaisedPayload struct {
	Alert Alert `json:"alert"`
}

type AlertResolvedPayload struct {
	AlertID string `json:"alert_id"`
}

type AggregateUpdatedPayload struct {
	Aggregate CompanyAggregate `json:"aggregate"`
}

type SnapshotPayload struct {
	Aggregate CompanyAggregate `json:"aggregate"`
	Employees []LiveEmployee   `json:"employees"`
}
