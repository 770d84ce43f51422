package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/harborbot/internal/logging"
	"github.com/austindbirch/harborbot/internal/task"
)

// Config addresses nsqd and names the topics
type Config struct {
	NsqdTCPAddr      string
	LookupdHTTPAddrs []string
	Topic            string
	Channel          string
	DLQTopic         string
	MaxInFlight      int
	// MsgTimeout must exceed the task timeout so nsqd does not hand a
	// message to a second worker while the first is still running it.
	MsgTimeout time.Duration
	// RequeueDelay is used when a retry or dead-letter publish fails and the
	// original message is handed back.
	RequeueDelay time.Duration
}

func (c *Config) defaults() {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.DLQTopic == "" {
		c.DLQTopic = DefaultDLQTopic
	}
	if c.RequeueDelay <= 0 {
		c.RequeueDelay = 5 * time.Second
	}
}

// NSQ implements Publisher and Consumer on nsqd
type NSQ struct {
	cfg      Config
	producer *nsq.Producer
	logger   *logging.Logger
}

// NewNSQ creates the producer. Consumers are created per Consume call.
func NewNSQ(cfg Config, logger *logging.Logger) (*NSQ, error) {
	cfg.defaults()
	producer, err := nsq.NewProducer(cfg.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(logging.NSQLogger{L: logger}, nsq.LogLevelInfo)
	return &NSQ{cfg: cfg, producer: producer, logger: logger}, nil
}

// Ping checks the producer connection
func (b *NSQ) Ping() error { return b.producer.Ping() }

// Stop closes the producer
func (b *NSQ) Stop() { b.producer.Stop() }

// Publish implements Publisher
func (b *NSQ) Publish(ctx context.Context, env task.Envelope) error {
	body, err := task.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.ID, err)
	}
	return b.publish(ctx, b.cfg.Topic, 0, body)
}

// PublishDeadLetter writes a dead letter to the DLQ topic
func (b *NSQ) PublishDeadLetter(ctx context.Context, dl task.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return b.publish(ctx, b.cfg.DLQTopic, 0, body)
}

// publish waits for nsqd's response or ctx, whichever comes first. A publish
// abandoned on ctx may still land; consumers tolerate the duplicate.
func (b *NSQ) publish(ctx context.Context, topic string, delay time.Duration, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan *nsq.ProducerTransaction, 1)
	var err error
	if delay > 0 {
		err = b.producer.DeferredPublishAsync(topic, delay, body, done)
	} else {
		err = b.producer.PublishAsync(topic, body, done)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	case t := <-done:
		if t.Error != nil {
			return fmt.Errorf("publish to %s: %w", topic, t.Error)
		}
		return nil
	}
}

// Consume implements Consumer. Each unit is its own go-nsq handler goroutine.
// In-flight handlers run on a context detached from ctx so a shutdown lets
// them finish; their own task timeout bounds them.
func (b *NSQ) Consume(ctx context.Context, units int, h Handler) error {
	if units <= 0 {
		return errors.New("consume: units must be positive")
	}
	conf := nsq.NewConfig()
	conf.MaxInFlight = max(b.cfg.MaxInFlight, units)
	conf.MaxAttempts = 0 // attempts are counted on the envelope
	if b.cfg.MsgTimeout > 0 {
		conf.MsgTimeout = b.cfg.MsgTimeout
	}
	consumer, err := nsq.NewConsumer(b.cfg.Topic, b.cfg.Channel, conf)
	if err != nil {
		return fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(logging.NSQLogger{L: b.logger}, nsq.LogLevelInfo)

	handlerCtx := context.WithoutCancel(ctx)
	for unit := 0; unit < units; unit++ {
		consumer.AddHandler(&nsqHandler{broker: b, unit: unit, handler: h, ctx: handlerCtx})
	}

	// connecting directly to nsqd creates the channel up front
	if b.cfg.NsqdTCPAddr != "" {
		if err := consumer.ConnectToNSQD(b.cfg.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
	}
	if len(b.cfg.LookupdHTTPAddrs) > 0 {
		if err := consumer.ConnectToNSQLookupds(b.cfg.LookupdHTTPAddrs); err != nil {
			consumer.Stop()
			<-consumer.StopChan
			return fmt.Errorf("connect to lookupd: %w", err)
		}
	}

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}

type nsqHandler struct {
	broker  *NSQ
	unit    int
	handler Handler
	ctx     context.Context
}

func (n *nsqHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	log := n.broker.logger.Plain().WithField("unit", n.unit).WithField("nsq_id", string(m.ID[:]))

	env, err := task.Decode(m.Body)
	if err != nil && !errors.Is(err, task.ErrInvalidEnvelope) {
		// not an envelope at all; park the raw body
		if perr := n.broker.publish(n.ctx, n.broker.cfg.DLQTopic, 0, m.Body); perr != nil {
			log.WithError(perr).Error("dlq publish of undecodable message failed, requeueing")
			m.RequeueWithoutBackoff(n.broker.cfg.RequeueDelay)
			return nil
		}
		log.WithError(err).Error("undecodable message sent to dlq")
		m.Finish()
		return nil
	}

	n.handler.Handle(n.ctx, n.unit, &nsqMessage{m: m, env: env, broker: n.broker})
	if !m.HasResponded() {
		log.WithDelivery(env.DeliveryID).WithTask(string(env.Type)).Warn("message had no response, finishing")
		m.Finish()
	}
	return nil
}

type nsqMessage struct {
	m      *nsq.Message
	env    task.Envelope
	broker *NSQ
}

func (n *nsqMessage) Envelope() task.Envelope { return n.env }

func (n *nsqMessage) Ack() error {
	n.m.Finish()
	return nil
}

func (n *nsqMessage) Defer(delay time.Duration) error {
	n.m.RequeueWithoutBackoff(delay)
	return nil
}

func (n *nsqMessage) Retry(ctx context.Context, next task.Envelope, delay time.Duration) error {
	body, err := task.Encode(next)
	if err == nil {
		err = n.broker.publish(ctx, n.broker.cfg.Topic, delay, body)
	}
	if err != nil {
		n.m.RequeueWithoutBackoff(max(delay, n.broker.cfg.RequeueDelay))
		return fmt.Errorf("retry %s: %w", next.ID, err)
	}
	n.m.Finish()
	return nil
}

func (n *nsqMessage) DeadLetter(ctx context.Context, dl task.DeadLetter) error {
	if err := n.broker.PublishDeadLetter(ctx, dl); err != nil {
		n.m.RequeueWithoutBackoff(n.broker.cfg.RequeueDelay)
		return fmt.Errorf("dead letter %s: %w", dl.Envelope.ID, err)
	}
	n.m.Finish()
	return nil
}
