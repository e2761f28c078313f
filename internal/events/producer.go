package events

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Writer is the interface to be implemented by the underlying writer.
type Writer interface {
	Write(ctx context.Context, topic string, m Message) error
	Close(ctx context.Context) error
}

// EventProducer is a wrapper around a Writer with the buffer.
// It has a buffer to store pending events to not block the caller if the writer takes time to write the event.
type EventProducer struct {
	buffer           *buffer
	bufferSize       int
	startConsumingCh chan any
	doneCh           chan any
	stoppedCh        chan any
	closeOnce        sync.Once
	writer           Writer
	topic            string
	source           string
}

func NewEventProducer(w Writer, opts ...ProducerOptions) *EventProducer {
	ep := &EventProducer{
		startConsumingCh: make(chan any, 1),
		doneCh:           make(chan any),
		stoppedCh:        make(chan any),
		writer:           w,
		topic:            defaultTopic,
		source:           defaultSource,
	}

	for _, o := range opts {
		o(ep)
	}
	ep.buffer = newBuffer(ep.bufferSize)

	go ep.run()
	return ep
}

func (ep *EventProducer) Write(ctx context.Context, kind string, body io.Reader) error {
	d, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	if dropped := ep.buffer.Push(&message{Kind: kind, Data: d}); dropped {
		zap.S().Named("event producer").Warnw("notification buffer full, dropped the oldest notification", "dropped_total", ep.buffer.Dropped())
	}

	// unblock the producer and start sending messages
	select {
	case ep.startConsumingCh <- struct{}{}:
	default:
	}

	return nil
}

// Publish serializes v as json and writes it.
func (ep *EventProducer) Publish(ctx context.Context, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ep.Write(ctx, kind, bytes.NewReader(data))
}

// Close stops the background sender once the pending messages were written.
func (ep *EventProducer) Close() error {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(closeCtx)
	g.Go(func() error {
		ep.closeOnce.Do(func() { close(ep.doneCh) })
		select {
		case <-ep.stoppedCh:
		case <-ctx.Done():
			return ctx.Err()
		}
		return ep.writer.Close(ctx)
	})
	if err := g.Wait(); err != nil {
		zap.S().Errorf("event producer closed with error: %s", err)
		return err
	}

	zap.S().Named("event producer").Info("event producer closed")

	return nil
}

func (ep *EventProducer) run() {
	defer close(ep.stoppedCh)

	for {
		msg := ep.buffer.Pop()
		if msg == nil {
			select {
			case <-ep.startConsumingCh:
				continue
			case <-ep.doneCh:
				return
			}
		}

		m := Message{
			ID:     uuid.NewString(),
			Source: ep.source,
			Kind:   msg.Kind,
			Time:   time.Now().UTC(),
			Data:   json.RawMessage(msg.Data),
		}
		if !json.Valid(msg.Data) {
			raw, _ := json.Marshal(string(msg.Data))
			m.Data = raw
		}

		if err := ep.writer.Write(context.TODO(), ep.topic, m); err != nil {
			zap.S().Named("event producer").Errorw("failed to send message", "error", err, "id", m.ID, "kind", m.Kind)
		}
	}
}
