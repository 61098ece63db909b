package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/PratikDhanave/factory-events-service/internal/models"
)

// fingerprintFields fixes the field order of the canonical serialization.
// ReceivedTime is intentionally absent.
type fingerprintFields struct {
	EventID     string  `json:"eventId"`
	EventTime   string  `json:"eventTime"`
	MachineID   string  `json:"machineId"`
	LineID      *string `json:"lineId"`
	FactoryID   *string `json:"factoryId"`
	DurationMs  int64   `json:"durationMs"`
	DefectCount int64   `json:"defectCount"`
}

// Fingerprint returns the hex SHA-256 digest of e's semantic fields.
// Equal semantic content always yields an equal digest.
func Fingerprint(e models.Event) string {
	payload, err := json.Marshal(fingerprintFields{
		EventID:     e.EventID,
		EventTime:   e.EventTime.UTC().Format(time.RFC3339Nano),
		MachineID:   e.MachineID,
		LineID:      emptyToNil(e.LineID),
		FactoryID:   emptyToNil(e.FactoryID),
		DurationMs:  e.DurationMs,
		DefectCount: e.DefectCount,
	})
	if err != nil {
		// Strings and integers always marshal.
		panic("events: fingerprint marshal: " + err.Error())
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
