package events

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func validRaw() Raw {
	return Raw{
		"eventId":     "E-1",
		"eventTime":   "2026-03-10T11:00:00Z",
		"machineId":   "M-001",
		"lineId":      "L-1",
		"factoryId":   "F01",
		"durationMs":  json.Number("1200"),
		"defectCount": json.Number("2"),
	}
}

func with(mutate func(Raw)) Raw {
	r := validRaw()
	mutate(r)
	return r
}

func TestValidate_Reasons(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
		want Reason
	}{
		{"valid", validRaw(), ReasonNone},
		{"missing event id", with(func(r Raw) { delete(r, "eventId") }), ReasonMissingEventID},
		{"empty event id", with(func(r Raw) { r["eventId"] = "" }), ReasonMissingEventID},
		{"numeric event id", with(func(r Raw) { r["eventId"] = json.Number("42") }), ReasonMissingEventID},
		{"missing event time", with(func(r Raw) { delete(r, "eventTime") }), ReasonMissingEventTime},
		{"null event time", with(func(r Raw) { r["eventTime"] = nil }), ReasonMissingEventTime},
		{"empty event time", with(func(r Raw) { r["eventTime"] = "" }), ReasonMissingEventTime},
		{"missing machine id", with(func(r Raw) { delete(r, "machineId") }), ReasonMissingMachineID},
		{"boolean machine id", with(func(r Raw) { r["machineId"] = true }), ReasonMissingMachineID},
		{"missing duration", with(func(r Raw) { delete(r, "durationMs") }), ReasonMissingDuration},
		{"string duration", with(func(r Raw) { r["durationMs"] = "1200" }), ReasonMissingDuration},
		{"missing defect count", with(func(r Raw) { delete(r, "defectCount") }), ReasonMissingDefectCount},
		{"fractional defect count", with(func(r Raw) { r["defectCount"] = 1.5 }), ReasonMissingDefectCount},
		{"negative duration", with(func(r Raw) { r["durationMs"] = -100 }), ReasonInvalidDuration},
		{"seven hour duration", with(func(r Raw) { r["durationMs"] = int64(7 * time.Hour / time.Millisecond) }), ReasonInvalidDuration},
		{"fractional duration", with(func(r Raw) { r["durationMs"] = 10.5 }), ReasonInvalidDuration},
		{"six hour duration is allowed", with(func(r Raw) { r["durationMs"] = MaxDurationMs }), ReasonNone},
		{"zero duration is allowed", with(func(r Raw) { r["durationMs"] = 0 }), ReasonNone},
		{"unparseable event time", with(func(r Raw) { r["eventTime"] = "yesterday" }), ReasonInvalidEventTimeFormat},
		{"numeric event time", with(func(r Raw) { r["eventTime"] = 1700000000 }), ReasonInvalidEventTimeFormat},
		{"twenty minutes ahead", with(func(r Raw) { r["eventTime"] = testNow.Add(20 * time.Minute).Format(time.RFC3339) }), ReasonFutureEventTime},
		{"exactly at horizon", with(func(r Raw) { r["eventTime"] = testNow.Add(15 * time.Minute).Format(time.RFC3339) }), ReasonNone},
		{"unknown defect count sentinel", with(func(r Raw) { r["defectCount"] = -1 }), ReasonNone},
		{"defect count beyond int64", with(func(r Raw) { r["defectCount"] = json.Number("1e19") }), ReasonMissingDefectCount},
		{"defect count beyond int64 digits", with(func(r Raw) { r["defectCount"] = json.Number("9223372036854775808") }), ReasonMissingDefectCount},
		{"defect count uint64 overflow", with(func(r Raw) { r["defectCount"] = uint64(math.MaxUint64) }), ReasonMissingDefectCount},
		{"defect count overflowing float", with(func(r Raw) { r["defectCount"] = json.Number("1e400") }), ReasonMissingDefectCount},
		{"fractional json defect count", with(func(r Raw) { r["defectCount"] = json.Number("2.5") }), ReasonMissingDefectCount},
		{"duration beyond int64", with(func(r Raw) { r["durationMs"] = json.Number("1e19") }), ReasonInvalidDuration},
		{"duration in exponent form", with(func(r Raw) { r["durationMs"] = json.Number("1.2e3") }), ReasonNone},
		{"nan duration", with(func(r Raw) { r["durationMs"] = math.NaN() }), ReasonMissingDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := Validate(tt.raw, testNow, DefaultFutureHorizon)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_CheckOrder(t *testing.T) {
	// Every field is wrong; the first rule in order wins.
	raw := Raw{"eventTime": "bogus", "durationMs": -5}
	_, got := Validate(raw, testNow, DefaultFutureHorizon)
	assert.Equal(t, ReasonMissingEventID, got)

	// Duration range is checked before the event time format.
	raw = with(func(r Raw) {
		r["durationMs"] = -1
		r["eventTime"] = "bogus"
	})
	_, got = Validate(raw, testNow, DefaultFutureHorizon)
	assert.Equal(t, ReasonInvalidDuration, got)
}

func TestValidate_HorizonIsExplicit(t *testing.T) {
	raw := with(func(r Raw) { r["eventTime"] = testNow.Add(20 * time.Minute).Format(time.RFC3339) })

	_, got := Validate(raw, testNow, 15*time.Minute)
	assert.Equal(t, ReasonFutureEventTime, got)

	_, got = Validate(raw, testNow, 48*time.Hour)
	assert.Equal(t, ReasonNone, got)
}

func TestValidate_ReturnsTypedEvent(t *testing.T) {
	raw := with(func(r Raw) {
		r["eventTime"] = "2026-03-10T13:00:00.123456789+02:00"
		r["lineId"] = ""
		r["factoryId"] = json.Number("7")
	})

	e, reason := Validate(raw, testNow, DefaultFutureHorizon)
	require.Equal(t, ReasonNone, reason)
	assert.Equal(t, "E-1", e.EventID)
	assert.Equal(t, "M-001", e.MachineID)
	assert.True(t, time.Date(2026, 3, 10, 11, 0, 0, 123456000, time.UTC).Equal(e.EventTime), "eventTime %v", e.EventTime)
	assert.Nil(t, e.LineID)
	assert.Nil(t, e.FactoryID)
	assert.EqualValues(t, 1200, e.DurationMs)
	assert.EqualValues(t, 2, e.DefectCount)
	assert.True(t, e.ReceivedTime.IsZero())
	assert.Empty(t, e.PayloadHash)
}

func TestParseInstant(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2026-01-15T10:00:00Z", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), true},
		{"2026-01-15T10:00:00.500Z", time.Date(2026, 1, 15, 10, 0, 0, 500000000, time.UTC), true},
		{"2026-01-15T12:00:00+02:00", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), true},
		{"2026-01-15T10:00:00", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), true},
		{"2026-01-15", time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), true},
		{"15/01/2026", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseInstant(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %v", tt.in, got)
	}
}

func TestValidate_LargeIntegersKeepFullPrecision(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{"above float64 mantissa", json.Number("9007199254740993"), 9007199254740993},
		{"int64 max", json.Number("9223372036854775807"), math.MaxInt64},
		{"uint64 within range", uint64(1 << 62), 1 << 62},
		{"whole number in exponent form", json.Number("4e2"), 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, reason := Validate(with(func(r Raw) { r["defectCount"] = tt.value }), testNow, DefaultFutureHorizon)
			require.Equal(t, ReasonNone, reason)
			assert.Equal(t, tt.want, e.DefectCount)
		})
	}
}
