package mqttingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/PratikDhanave/factory-events-service/internal/codec"
	"github.com/PratikDhanave/factory-events-service/internal/events"
	"github.com/PratikDhanave/factory-events-service/internal/models"
	"github.com/PratikDhanave/factory-events-service/internal/reconcile"
	"github.com/PratikDhanave/factory-events-service/internal/store"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]events.Raw
	err     error
}

func (p *recordingProcessor) ProcessBatch(_ context.Context, raws []events.Raw) (models.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, raws)
	if p.err != nil {
		return models.BatchResult{}, p.err
	}
	return models.BatchResult{Accepted: len(raws), Rejections: []models.Rejection{}}, nil
}

func (p *recordingProcessor) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func newSubscriber(t *testing.T, proc BatchProcessor) (*Subscriber, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := New(proc, Options{
		Broker:  "tcp://127.0.0.1:1",
		Topic:   "factory/+/events",
		Workers: 2,
		Logger:  zap.New(core),
	})
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, logs
}

var sampleBatch = []map[string]any{
	{"eventId": "E-1", "eventTime": "2026-02-01T10:00:00Z", "machineId": "M-1", "durationMs": 500, "defectCount": 1},
	{"eventId": "E-2", "eventTime": "2026-02-01T10:01:00Z", "machineId": "M-1", "durationMs": 500, "defectCount": 0},
}

func TestHandleMessage_JSONBatchIsProcessed(t *testing.T) {
	proc := &recordingProcessor{}
	s, logs := newSubscriber(t, proc)

	payload, err := json.Marshal(sampleBatch)
	require.NoError(t, err)
	s.HandleMessage(nil, fakeMessage{topic: "factory/F01/events", payload: payload})

	require.Eventually(t, func() bool { return proc.calls() == 1 }, 2*time.Second, 10*time.Millisecond)
	proc.mu.Lock()
	assert.Len(t, proc.batches[0], 2)
	assert.Equal(t, "E-1", proc.batches[0][0]["eventId"])
	proc.mu.Unlock()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("mqtt batch processed").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcess_CBORTopic(t *testing.T) {
	proc := &recordingProcessor{}
	s, _ := newSubscriber(t, proc)

	payload, err := codec.EncodeCBOR(sampleBatch)
	require.NoError(t, err)
	s.process(context.Background(), "factory/F01/events/cbor", payload)

	require.Equal(t, 1, proc.calls())
	assert.Equal(t, "E-2", proc.batches[0][1]["eventId"])
}

func TestProcess_MalformedPayloadIsDropped(t *testing.T) {
	proc := &recordingProcessor{}
	s, logs := newSubscriber(t, proc)

	s.process(context.Background(), "factory/F01/events", []byte(`{"not":"an array"}`))
	s.process(context.Background(), "factory/F01/events", []byte(`[{`))

	assert.Zero(t, proc.calls())
	assert.Equal(t, 2, logs.FilterMessage("mqtt payload malformed").FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestProcess_StoreFaultIsLoggedAtError(t *testing.T) {
	proc := &recordingProcessor{err: errors.New("database is locked")}
	s, logs := newSubscriber(t, proc)

	payload, err := json.Marshal(sampleBatch)
	require.NoError(t, err)
	s.process(context.Background(), "factory/F01/events", payload)

	assert.Equal(t, 1, logs.FilterMessage("mqtt batch failed").FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestProcess_ReconcilesIntoStore(t *testing.T) {
	st, err := store.Open(context.Background(), store.Options{Driver: store.DriverSQLite, Path: store.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	eng := reconcile.New(st, reconcile.Options{
		Now: func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) },
	})
	s, _ := newSubscriber(t, eng)

	payload, err := json.Marshal(sampleBatch)
	require.NoError(t, err)
	s.process(context.Background(), "factory/F01/events", payload)
	s.process(context.Background(), "factory/F01/events", payload)

	ev, err := st.GetEvent(context.Background(), "E-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, ev.DefectCount)

	totals, err := st.MachineTotals(context.Background(), "M-1",
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 2, totals.EventsCount)
}

func TestStop_IsIdempotentAndDropsLateMessages(t *testing.T) {
	proc := &recordingProcessor{}
	s, logs := newSubscriber(t, proc)

	s.Stop()
	s.Stop()

	s.HandleMessage(nil, fakeMessage{topic: "factory/F01/events", payload: []byte(`[]`)})
	assert.Zero(t, proc.calls())
	assert.Equal(t, 1, logs.FilterMessage("mqtt message dropped").Len())
}

func TestStart_UnreachableBroker(t *testing.T) {
	s, _ := newSubscriber(t, &recordingProcessor{})
	err := s.Start()
	assert.ErrorIs(t, err, ErrConnect)
}
