package models

import "time"

// Event is the normalized, persisted form of one machine telemetry event.
// LineID and FactoryID are nil when the client omitted them.
type Event struct {
	EventID      string    `json:"eventId"`
	EventTime    time.Time `json:"eventTime"`
	ReceivedTime time.Time `json:"receivedTime"`
	MachineID    string    `json:"machineId"`
	LineID       *string   `json:"lineId"`
	FactoryID    *string   `json:"factoryId"`
	DurationMs   int64     `json:"durationMs"`
	DefectCount  int64     `json:"defectCount"`
	PayloadHash  string    `json:"payloadHash"`
}

// Rejection names one record that failed validation and why.
type Rejection struct {
	EventID string `json:"eventId"`
	Reason  string `json:"reason"`
}

// BatchResult is returned by POST /events/batch.
type BatchResult struct {
	Accepted   int         `json:"accepted"`
	Deduped    int         `json:"deduped"`
	Updated    int         `json:"updated"`
	Rejected   int         `json:"rejected"`
	Rejections []Rejection `json:"rejections"`
}

// MachineStats is returned by GET /stats.
type MachineStats struct {
	MachineID     string    `json:"machineId"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	EventsCount   int64     `json:"eventsCount"`
	DefectsCount  int64     `json:"defectsCount"`
	AvgDefectRate float64   `json:"avgDefectRate"`
	Status        string    `json:"status"`
}

// LineDefects is one row of GET /stats/top-defect-lines.
type LineDefects struct {
	LineID         string  `json:"lineId"`
	EventCount     int64   `json:"eventCount"`
	TotalDefects   int64   `json:"totalDefects"`
	DefectsPercent float64 `json:"defectsPercent"`
}

// BatchResponse adds server timing to a BatchResult for the HTTP caller.
type BatchResponse struct {
	BatchResult
	ProcessingTimeMs int64 `json:"processingTimeMs"`
}
