package events

import (
	"encoding/json"
	"time"
)

const (
	JobMessageKind     string = "orchestrator.events.job"
	ProductMessageKind string = "orchestrator.events.product"
	defaultTopic       string = "orchestrator.events"
	defaultSource      string = "orchestrator"
)

// Message is the envelope handed to the writers.
type Message struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Kind   string          `json:"kind"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
}

type JobEvent struct {
	JobID       uint   `json:"job_id"`
	ProcessorID uint   `json:"processor_id"`
	SiteID      uint   `json:"site_id"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type ProductEvent struct {
	ProductID   uint   `json:"product_id"`
	ProductType string `json:"product_type"`
	JobID       *uint  `json:"job_id,omitempty"`
	SiteID      uint   `json:"site_id"`
	Path        string `json:"path"`
}
