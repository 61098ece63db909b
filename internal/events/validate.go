// Package events holds the pure rules applied to incoming machine events:
// validation against business constraints and payload fingerprinting.
package events

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/PratikDhanave/factory-events-service/internal/models"
)

// Raw is one event exactly as a client submitted it.
type Raw map[string]any

// Reason is a machine-readable rejection code. The empty Reason means valid.
type Reason string

const (
	ReasonNone                   Reason = ""
	ReasonMissingEventID         Reason = "MISSING_EVENT_ID"
	ReasonMissingEventTime       Reason = "MISSING_EVENT_TIME"
	ReasonMissingMachineID       Reason = "MISSING_MACHINE_ID"
	ReasonMissingDuration        Reason = "MISSING_DURATION"
	ReasonMissingDefectCount     Reason = "MISSING_DEFECT_COUNT"
	ReasonInvalidDuration        Reason = "INVALID_DURATION"
	ReasonInvalidEventTimeFormat Reason = "INVALID_EVENT_TIME_FORMAT"
	ReasonFutureEventTime        Reason = "FUTURE_EVENT_TIME"
)

const (
	// MaxDurationMs is the longest run a single event may report (6h).
	MaxDurationMs = int64(6 * time.Hour / time.Millisecond)

	// DefaultFutureHorizon is how far ahead of server time eventTime may be.
	DefaultFutureHorizon = 15 * time.Minute

	// UnknownDefectCount marks a defect count the machine could not report.
	UnknownDefectCount = -1
)

// eventTimeLayouts are tried in order. Zone-less layouts are read as UTC.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02",
}

// Validate checks raw against the ingestion rules in a fixed order and returns
// the first failing Reason. On success it returns the typed event with every
// field except ReceivedTime and PayloadHash filled in.
func Validate(raw Raw, now time.Time, horizon time.Duration) (models.Event, Reason) {
	eventID, ok := nonEmptyString(raw["eventId"])
	if !ok {
		return models.Event{}, ReasonMissingEventID
	}

	rawTime, present := raw["eventTime"]
	if !present || rawTime == nil || rawTime == "" {
		return models.Event{}, ReasonMissingEventTime
	}

	machineID, ok := nonEmptyString(raw["machineId"])
	if !ok {
		return models.Event{}, ReasonMissingMachineID
	}

	duration, durationExact, ok := integer(raw["durationMs"])
	if !ok {
		return models.Event{}, ReasonMissingDuration
	}

	defects, defectsExact, ok := integer(raw["defectCount"])
	if !ok || !defectsExact {
		return models.Event{}, ReasonMissingDefectCount
	}

	if !durationExact || duration < 0 || duration > MaxDurationMs {
		return models.Event{}, ReasonInvalidDuration
	}

	eventTime, ok := parseEventTime(rawTime)
	if !ok {
		return models.Event{}, ReasonInvalidEventTimeFormat
	}

	if eventTime.Sub(now) > horizon {
		return models.Event{}, ReasonFutureEventTime
	}

	return models.Event{
		EventID:     eventID,
		EventTime:   eventTime,
		MachineID:   machineID,
		LineID:      optionalString(raw["lineId"]),
		FactoryID:   optionalString(raw["factoryId"]),
		DurationMs:  duration,
		DefectCount: defects,
	}, ReasonNone
}

// EventID returns the client's eventId for rejection reports, or "" when it
// is absent or not a string.
func EventID(raw Raw) string {
	s, _ := raw["eventId"].(string)
	return s
}

// ParseInstant parses an ISO-8601 instant the way eventTime is parsed and
// returns it in UTC at microsecond precision.
func ParseInstant(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Normalize(t), true
		}
	}
	return time.Time{}, false
}

// Normalize converts t to the precision both stores keep.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func parseEventTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	return ParseInstant(s)
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func optionalString(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

// int64Bound is 2^63, the first float64 above the int64 range.
const int64Bound = float64(1 << 63)

// integer reads every numeric representation the JSON and CBOR decoders
// produce, plus plain Go integers for callers building Raw by hand.
// ok reports a finite number; exact reports that it is a whole number that
// fits in int64, in which case n holds it without passing through float64.
func integer(v any) (n int64, exact, ok bool) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true, true
		}
		f, err := x.Float64()
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, false, false
		}
		return fromFloat(f)
	case float64:
		return fromFloat(x)
	case float32:
		return fromFloat(float64(x))
	case int:
		return int64(x), true, true
	case int8:
		return int64(x), true, true
	case int16:
		return int64(x), true, true
	case int32:
		return int64(x), true, true
	case int64:
		return x, true, true
	case uint:
		return fromUint(uint64(x))
	case uint8:
		return int64(x), true, true
	case uint16:
		return int64(x), true, true
	case uint32:
		return int64(x), true, true
	case uint64:
		return fromUint(x)
	default:
		return 0, false, false
	}
}

func fromFloat(f float64) (int64, bool, bool) {
	if math.IsNaN(f) {
		return 0, false, false
	}
	if math.IsInf(f, 0) || f != math.Trunc(f) || f < -int64Bound || f >= int64Bound {
		return 0, false, true
	}
	return int64(f), true, true
}

func fromUint(u uint64) (int64, bool, bool) {
	if u > math.MaxInt64 {
		return 0, false, true
	}
	return int64(u), true, true
}
