package client

import (
	"fmt"
	"time"
)

const (
	defaultBatchSize = 100
	defaultExpiresIn = 30 * time.Second
)

// ConsumerOptions tune how a listener or iterator pulls from its consumer.
type ConsumerOptions struct {
	// BatchSize is the number of messages asked for by each pull.
	BatchSize int `yaml:"batch_size"`
	// RepullAt is the in-flight count at or below which the next pull is
	// sent. Zero waits for the batch to be fully consumed.
	RepullAt int `yaml:"repull_at"`
	// MaxBytes caps the bytes of a single pull. Zero means unbounded.
	MaxBytes int `yaml:"max_bytes"`
	// ExpiresIn is how long the server keeps a pull open. Zero selects
	// the default, a negative value disables expiry.
	ExpiresIn     time.Duration `yaml:"expires_in"`
	IdleHeartbeat time.Duration `yaml:"idle_heartbeat"`
	QueueCapacity int           `yaml:"queue_capacity"`

	ErrHandler ErrHandler `yaml:"-"`
}

func (o *ConsumerOptions) ValidateAndSetDefaults() error {
	if o.BatchSize == 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.BatchSize < 0 {
		return validationErr("batch size must be positive")
	}
	if o.RepullAt < 0 || o.RepullAt >= o.BatchSize {
		return validationErr(fmt.Sprintf("repull at %d must be in [0, %d)", o.RepullAt, o.BatchSize))
	}
	if o.MaxBytes < 0 {
		return validationErr("max bytes must not be negative")
	}
	if o.ExpiresIn == 0 {
		o.ExpiresIn = defaultExpiresIn
	}
	if o.IdleHeartbeat < 0 {
		return validationErr("idle heartbeat must not be negative")
	}
	if o.IdleHeartbeat > 0 {
		if o.ExpiresIn < 0 {
			return validationErr("idle heartbeat requires expiry")
		}
		if 2*o.IdleHeartbeat > o.ExpiresIn {
			return validationErr("idle heartbeat must not exceed half of expiry")
		}
	}
	if o.QueueCapacity < 0 {
		return validationErr("queue capacity must not be negative")
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = o.BatchSize
	}

	return nil
}

type DeliverPolicy string

const (
	DeliverAll             DeliverPolicy = "all"
	DeliverLast            DeliverPolicy = "last"
	DeliverNew             DeliverPolicy = "new"
	DeliverByStartSequence DeliverPolicy = "by_start_sequence"
	DeliverByStartTime     DeliverPolicy = "by_start_time"
	DeliverLastPerSubject  DeliverPolicy = "last_per_subject"
)

type AckPolicy string

const (
	AckNonePolicy     AckPolicy = "none"
	AckAllPolicy      AckPolicy = "all"
	AckExplicitPolicy AckPolicy = "explicit"
)

type ReplayPolicy string

const (
	ReplayInstant  ReplayPolicy = "instant"
	ReplayOriginal ReplayPolicy = "original"
)

// ConsumerConfig is sent to the server when a consumer is created.
type ConsumerConfig struct {
	Name               string        `json:"name,omitempty" yaml:"name"`
	Durable            string        `json:"durable_name,omitempty" yaml:"durable"`
	Description        string        `json:"description,omitempty" yaml:"description"`
	DeliverPolicy      DeliverPolicy `json:"deliver_policy" yaml:"deliver_policy"`
	OptStartSeq        uint64        `json:"opt_start_seq,omitempty" yaml:"opt_start_seq"`
	OptStartTime       *time.Time    `json:"opt_start_time,omitempty" yaml:"opt_start_time"`
	AckPolicy          AckPolicy     `json:"ack_policy" yaml:"ack_policy"`
	AckWait            time.Duration `json:"ack_wait,omitempty" yaml:"ack_wait"`
	MaxDeliver         int           `json:"max_deliver,omitempty" yaml:"max_deliver"`
	FilterSubject      string        `json:"filter_subject,omitempty" yaml:"filter_subject"`
	FilterSubjects     []string      `json:"filter_subjects,omitempty" yaml:"filter_subjects"`
	ReplayPolicy       ReplayPolicy  `json:"replay_policy" yaml:"replay_policy"`
	MaxWaiting         int           `json:"max_waiting,omitempty" yaml:"max_waiting"`
	MaxAckPending      int           `json:"max_ack_pending,omitempty" yaml:"max_ack_pending"`
	InactiveThreshold  time.Duration `json:"inactive_threshold,omitempty" yaml:"inactive_threshold"`
	MaxRequestBatch    int           `json:"max_batch,omitempty" yaml:"max_batch"`
	MaxRequestMaxBytes int           `json:"max_bytes,omitempty" yaml:"max_bytes"`
}

func (c *ConsumerConfig) SetDefaults() {
	if c.DeliverPolicy == "" {
		c.DeliverPolicy = DeliverAll
	}
	if c.AckPolicy == "" {
		c.AckPolicy = AckExplicitPolicy
	}
	if c.ReplayPolicy == "" {
		c.ReplayPolicy = ReplayInstant
	}
	if c.Name == "" {
		c.Name = c.Durable
	}
}
