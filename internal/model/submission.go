package model

import "time"

// EventSubmission is a client action as accepted by the ingestion gateway,
// before an ID is assigned.
type EventSubmission struct {
	EmployeeID string
	CompanyID  string
	Type       EventType
	Timestamp  time.Time
	Location   *Location
	Verified   bool
	Note       string
	Source     string
}

type LocationSubmission struct {
	EmployeeID     string
	CompanyID      string
	Lat            float64
	Lng            float64
	AccuracyMeters float64
	Timestamp      time.Time
	Source         string
}
