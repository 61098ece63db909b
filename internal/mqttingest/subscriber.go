// Package mqttingest feeds event batches published over MQTT into the
// reconciliation engine.
//
// Every message payload is one batch: a JSON array, or a CBOR array when the
// topic ends in "/cbor". Messages are handled on a bounded worker pool so a
// slow store never blocks the paho network loop.
package mqttingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/PratikDhanave/factory-events-service/internal/codec"
	"github.com/PratikDhanave/factory-events-service/internal/events"
	"github.com/PratikDhanave/factory-events-service/internal/models"
)

const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 30 * time.Second
	cborTopicSuffix = "/cbor"
)

// ErrConnect is returned when the broker cannot be reached.
var ErrConnect = errors.New("mqtt connect failed")

// BatchProcessor reconciles one decoded batch atomically.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, raws []events.Raw) (models.BatchResult, error)
}

// Options configures the subscriber.
type Options struct {
	Broker   string
	Topic    string
	ClientID string
	QoS      byte
	Workers  int
	Logger   *zap.Logger
}

// Subscriber owns one paho client and the worker pool its messages run on.
type Subscriber struct {
	opts   Options
	proc   BatchProcessor
	client mqtt.Client
	pool   *ants.Pool
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New builds a subscriber. It does not connect until Start.
func New(proc BatchProcessor, opts Options) (*Subscriber, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("factory-events-%d", time.Now().UnixNano())
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Subscriber{opts: opts, proc: proc, log: log}

	pool, err := ants.NewPool(opts.Workers,
		ants.WithPanicHandler(func(p any) {
			log.Error("mqtt worker panic recovered", zap.Any("panic", p), zap.Stack("stack"))
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create mqtt worker pool: %w", err)
	}
	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(context.Background())

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", zap.Error(err))
		})
	s.client = mqtt.NewClient(co)

	return s, nil
}

// Start connects to the broker. The topic subscription is (re)established by
// the on-connect handler so it survives automatic reconnects.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("%w: %s: timed out", ErrConnect, s.opts.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrConnect, s.opts.Broker, err)
	}
	s.log.Info("mqtt connected",
		zap.String("broker", s.opts.Broker),
		zap.String("client_id", s.opts.ClientID),
	)
	return nil
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.opts.Topic, s.opts.QoS, s.HandleMessage)
	if token.WaitTimeout(connectTimeout) && token.Error() == nil {
		s.log.Info("mqtt subscribed", zap.String("topic", s.opts.Topic), zap.Uint8("qos", s.opts.QoS))
		return
	}
	s.log.Error("mqtt subscribe failed", zap.String("topic", s.opts.Topic), zap.Error(token.Error()))
}

// HandleMessage is the paho message callback. It copies the payload and
// queues the batch on the worker pool.
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	payload := append([]byte(nil), msg.Payload()...)

	err := s.pool.Submit(func() {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.process(s.ctx, topic, payload)
	})
	if err != nil {
		s.log.Warn("mqtt message dropped", zap.String("topic", topic), zap.Error(err))
	}
}

func (s *Subscriber) process(ctx context.Context, topic string, payload []byte) {
	contentType := codec.ContentTypeJSON
	if strings.HasSuffix(topic, cborTopicSuffix) {
		contentType = codec.ContentTypeCBOR
	}

	batch, err := codec.DecodeBatch(payload, contentType)
	if err != nil {
		s.log.Warn("mqtt payload malformed",
			zap.String("topic", topic),
			zap.Int("bytes", len(payload)),
			zap.Error(err),
		)
		return
	}

	res, err := s.proc.ProcessBatch(ctx, batch)
	if err != nil {
		s.log.Error("mqtt batch failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	s.log.Info("mqtt batch processed",
		zap.String("topic", topic),
		zap.Int("accepted", res.Accepted),
		zap.Int("deduped", res.Deduped),
		zap.Int("updated", res.Updated),
		zap.Int("rejected", res.Rejected),
	)
}

// Stop unsubscribes, disconnects and waits for queued batches to finish.
func (s *Subscriber) Stop() {
	s.once.Do(func() {
		if s.client.IsConnected() {
			s.client.Unsubscribe(s.opts.Topic).WaitTimeout(time.Second)
			s.client.Disconnect(250)
		}
		if err := s.pool.ReleaseTimeout(shutdownTimeout); err != nil {
			s.log.Warn("mqtt worker pool shutdown timeout", zap.Error(err))
		}
		s.cancel()
	})
}
