package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrDispatchUnavailable means the broker could not be reached for the
// current publish. The dispatcher keeps retrying the connection in the
// background; the caller decides whether the triggering operation fails.
var ErrDispatchUnavailable = errors.New("kafka: dispatch unavailable")

// ConnState is the dispatcher's broker-connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// DispatcherConfig configures the task dispatcher.
type DispatcherConfig struct {
	Brokers           []string
	Topic             string
	Partitions        int
	ReplicationFactor int
	MaxAttempts       int
	ReconnectBackoff  time.Duration
	DialTimeout       time.Duration
	Priority          int
}

// Dispatcher publishes durable work items to the analysis task topic. It owns
// the single shared broker connection: sends are serialized under a mutex, and
// a broker outage flips the state to disconnected and starts one background
// reconnect loop with a fixed backoff. An outage never crashes the process;
// only the publishes attempted while the broker is down fail.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *zap.Logger
	writer *kafkago.Writer

	mu           sync.Mutex
	state        ConnState
	reconnecting bool
	closed       chan struct{}
	closeOnce    sync.Once

	// Seams for tests; default to the kafka-go implementations.
	connectFn func(ctx context.Context) error
	sendFn    func(ctx context.Context, msg kafkago.Message) error
}

// NewDispatcher constructs a Dispatcher. No connection is attempted until the
// first Publish (or an explicit Connect).
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: logger,
		closed: make(chan struct{}),
		writer: &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafkago.Hash{},
			// RequireAll is the persistence guarantee: the broker acks only
			// once the message is replicated, so it survives broker restarts.
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  cfg.MaxAttempts,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
	d.connectFn = d.declareTopic
	d.sendFn = func(ctx context.Context, msg kafkago.Message) error {
		return d.writer.WriteMessages(ctx, msg)
	}
	return d
}

// State reports the current connection state.
func (d *Dispatcher) State() ConnState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Connect eagerly establishes the broker connection and declares the durable
// topic. Failure is not fatal: the reconnect loop takes over.
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateConnected {
		return nil
	}
	if err := d.connectLocked(ctx); err != nil {
		d.scheduleReconnectLocked()
		return fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	return nil
}

// Publish enqueues one durable message with optional headers. Called while
// disconnected it performs a synchronous connect-then-send; if that connect
// fails, the publish fails with ErrDispatchUnavailable and the background
// reconnect loop keeps trying for future publishes.
func (d *Dispatcher) Publish(ctx context.Context, key, value []byte, headers map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.closed:
		return fmt.Errorf("%w: dispatcher closed", ErrDispatchUnavailable)
	default:
	}

	if d.state != StateConnected {
		if err := d.connectLocked(ctx); err != nil {
			d.scheduleReconnectLocked()
			return fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
		}
	}

	msg := kafkago.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafkago.Header{
			{Key: "priority", Value: []byte(strconv.Itoa(d.cfg.Priority))},
		},
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	if err := d.sendFn(ctx, msg); err != nil {
		d.state = StateDisconnected
		d.scheduleReconnectLocked()
		return fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	return nil
}

// connectLocked transitions disconnected -> connecting -> connected. The
// caller holds d.mu.
func (d *Dispatcher) connectLocked(ctx context.Context) error {
	d.state = StateConnecting
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()
	if err := d.connectFn(ctx); err != nil {
		d.state = StateDisconnected
		return err
	}
	d.state = StateConnected
	return nil
}

// declareTopic ensures the durable task topic exists on the broker. It
// doubles as the connectivity probe.
func (d *Dispatcher) declareTopic(ctx context.Context) error {
	client := &kafkago.Client{Addr: kafkago.TCP(d.cfg.Brokers...)}
	resp, err := client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{
		Topics: []kafkago.TopicConfig{{
			Topic:             d.cfg.Topic,
			NumPartitions:     d.cfg.Partitions,
			ReplicationFactor: d.cfg.ReplicationFactor,
		}},
	})
	if err != nil {
		return fmt.Errorf("declare topic %q: %w", d.cfg.Topic, err)
	}
	if topicErr := resp.Errors[d.cfg.Topic]; topicErr != nil && !errors.Is(topicErr, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("declare topic %q: %w", d.cfg.Topic, topicErr)
	}
	return nil
}

// scheduleReconnectLocked starts the background reconnect loop unless one is
// already running. The caller holds d.mu, which is what prevents two loops
// from racing.
func (d *Dispatcher) scheduleReconnectLocked() {
	if d.reconnecting {
		return
	}
	select {
	case <-d.closed:
		return
	default:
	}
	d.reconnecting = true
	go d.reconnectLoop()
}

func (d *Dispatcher) reconnectLoop() {
	ticker := time.NewTicker(d.cfg.ReconnectBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-d.closed:
			d.mu.Lock()
			d.reconnecting = false
			d.mu.Unlock()
			return
		case <-ticker.C:
		}

		d.mu.Lock()
		if d.state == StateConnected {
			d.reconnecting = false
			d.mu.Unlock()
			return
		}
		err := d.connectLocked(context.Background())
		if err == nil {
			d.reconnecting = false
			d.mu.Unlock()
			if d.logger != nil {
				d.logger.Info("broker connection re-established")
			}
			return
		}
		d.mu.Unlock()
		if d.logger != nil {
			d.logger.Warn("broker reconnect failed, will retry",
				zap.Error(err),
				zap.Duration("backoff", d.cfg.ReconnectBackoff))
		}
	}
}

// Close stops the reconnect loop and flushes the writer.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.closed) })
	d.mu.Lock()
	d.state = StateDisconnected
	d.mu.Unlock()
	return d.writer.Close()
}
