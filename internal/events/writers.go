package events

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"
)

// LogWriter logs every notification. It is the writer used when no sink is configured.
type LogWriter struct{}

func (LogWriter) Write(_ context.Context, topic string, m Message) error {
	zap.S().Named("notifications").Infow("notification", "id", m.ID, "kind", m.Kind, "topic", topic, "data", string(m.Data))
	return nil
}

func (LogWriter) Close(_ context.Context) error {
	return nil
}

// JSONLinesWriter appends one json document per notification to w.
type JSONLinesWriter struct {
	lock sync.Mutex
	enc  *json.Encoder
	w    io.Writer
}

func NewJSONLinesWriter(w io.Writer) *JSONLinesWriter {
	return &JSONLinesWriter{enc: json.NewEncoder(w), w: w}
}

type topicMessage struct {
	Topic string `json:"topic"`
	Message
}

func (j *JSONLinesWriter) Write(_ context.Context, topic string, m Message) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.enc.Encode(topicMessage{Topic: topic, Message: m})
}

func (j *JSONLinesWriter) Close(_ context.Context) error {
	if c, ok := j.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
