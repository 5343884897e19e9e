package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/maestroproject/maestro/internal/configuration"
)

// PulsarEventBus is the broker-backed EventBus. One topic exists per event
// kind; consumers use a shared subscription so that any number of process
// instances can split the load. Handler failures are logged and the
// message acked, since a deterministic bug would otherwise requeue forever.
type PulsarEventBus struct {
	client           pulsar.Client
	topicPrefix      string
	subscriptionName string
	backoffTime      time.Duration
	receiveTimeout   time.Duration

	mu        sync.Mutex
	producers map[EventKind]pulsar.Producer
	consumers []pulsar.Consumer
	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
}

func NewPulsarEventBus(config configuration.PulsarConfig) (*PulsarEventBus, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:               config.URL,
		ConnectionTimeout: config.ConnectionTimeout,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	backoffTime := config.BackoffTime
	if backoffTime == 0 {
		backoffTime = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PulsarEventBus{
		client:           client,
		topicPrefix:      config.TopicPrefix,
		subscriptionName: config.SubscriptionName,
		backoffTime:      backoffTime,
		receiveTimeout:   config.ReceiveTimeout,
		producers:        map[EventKind]pulsar.Producer{},
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

func (b *PulsarEventBus) topic(kind EventKind) string {
	return b.topicPrefix + string(kind)
}

func (b *PulsarEventBus) Publish(ctx context.Context, event *Event) error {
	producer, err := b.producerFor(event.Kind)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = producer.Send(ctx, &pulsar.ProducerMessage{
		Payload: payload,
		Key:     event.ScheduleID,
	})
	return errors.WithStack(err)
}

func (b *PulsarEventBus) producerFor(kind EventKind) (pulsar.Producer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if producer, ok := b.producers[kind]; ok {
		return producer, nil
	}
	producer, err := b.client.CreateProducer(pulsar.ProducerOptions{
		Topic: b.topic(kind),
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	b.producers[kind] = producer
	return producer, nil
}

func (b *PulsarEventBus) Subscribe(kind EventKind, handler EventHandler) error {
	consumer, err := b.client.Subscribe(pulsar.ConsumerOptions{
		Topic:            b.topic(kind),
		SubscriptionName: b.subscriptionName,
		Type:             pulsar.Shared,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	b.mu.Lock()
	b.consumers = append(b.consumers, consumer)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consumeLoop(consumer, kind, handler)
	return nil
}

// receiveContext bounds a single Receive call when a receive timeout is
// configured. An expired receive is an idle poll, not an error; it lets
// the loop re-check for shutdown instead of blocking indefinitely.
func (b *PulsarEventBus) receiveContext() (context.Context, context.CancelFunc) {
	if b.receiveTimeout <= 0 {
		return b.ctx, func() {}
	}
	return context.WithTimeout(b.ctx, b.receiveTimeout)
}

func (b *PulsarEventBus) consumeLoop(consumer pulsar.Consumer, kind EventKind, handler EventHandler) {
	defer b.wg.Done()
	for b.ctx.Err() == nil {
		receiveCtx, cancel := b.receiveContext()
		msg, err := consumer.Receive(receiveCtx)
		cancel()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			if receiveCtx.Err() != nil {
				continue
			}
			log.WithError(err).WithField("kind", kind).Error("receiving from pulsar")
			time.Sleep(b.backoffTime)
			continue
		}
		event := &Event{}
		if err := json.Unmarshal(msg.Payload(), event); err != nil {
			// Not decodable now, won't be decodable on redelivery either.
			log.WithError(err).WithField("kind", kind).Error("dropping malformed event")
			consumer.Ack(msg)
			continue
		}
		if err := handler(b.ctx, event); err != nil {
			log.WithError(err).
				WithField("kind", kind).
				WithField("scheduleId", event.ScheduleID).
				Error("event handler failed, dropping event")
		}
		consumer.Ack(msg)
	}
}

func (b *PulsarEventBus) Close() error {
	b.cancel()
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, producer := range b.producers {
		producer.Close()
	}
	for _, consumer := range b.consumers {
		consumer.Close()
	}
	b.client.Close()
	return nil
}
