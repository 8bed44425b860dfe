package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ValerySidorin/natsflow/internal/observability"
	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultAPIPrefix = "$JS.API."

	apiConsumerCreateT  = "CONSUMER.CREATE.%s"
	apiConsumerCreateNT = "CONSUMER.CREATE.%s.%s"
	apiConsumerInfoT    = "CONSUMER.INFO.%s.%s"
	apiStreamInfoT      = "STREAM.INFO.%s"
	apiRequestNextT     = "CONSUMER.MSG.NEXT.%s.%s"
)

// JetStream is the durable stream API of a connection.
type JetStream struct {
	conn   *Conn
	prefix string
	l      *slog.Logger
}

type JetStreamOption func(js *JetStream)

func WithAPIPrefix(prefix string) JetStreamOption {
	return func(js *JetStream) {
		if !strings.HasSuffix(prefix, ".") {
			prefix += "."
		}
		js.prefix = prefix
	}
}

func WithDomain(domain string) JetStreamOption {
	return func(js *JetStream) {
		if domain != "" {
			js.prefix = "$JS." + domain + ".API."
		}
	}
}

func (c *Conn) JetStream(opts ...JetStreamOption) *JetStream {
	js := &JetStream{
		conn:   c,
		prefix: defaultAPIPrefix,
		l:      c.l,
	}
	for _, opt := range opts {
		opt(js)
	}
	return js
}

func (js *JetStream) apiSubject(s string) string {
	return js.prefix + s
}

type apiResponse struct {
	Type  string    `json:"type"`
	Error *APIError `json:"error,omitempty"`
}

func (r *apiResponse) apiErr() error {
	if r.Error != nil {
		return r.Error
	}
	return nil
}

type apiResult interface {
	apiErr() error
}

func (js *JetStream) apiRequest(ctx context.Context, subj string, req any, resp apiResult) (err error) {
	ctx, end := observability.StartSpan(ctx, "natsflow.jetstream_api", attribute.String("subject", subj))
	defer func() { end(err) }()

	var body []byte
	if req != nil {
		if body, err = sonic.Marshal(req); err != nil {
			return fmt.Errorf("marshal %s request: %w", subj, err)
		}
	}

	m, err := js.conn.Request(ctx, js.apiSubject(subj), body)
	if err != nil {
		if observability.MetricsEnabled() {
			observability.IncError("jetstream_api")
		}
		return fmt.Errorf("jetstream api %s: %w", subj, err)
	}

	if err := sonic.Unmarshal(m.Data(), resp); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", subj, err)
	}
	return resp.apiErr()
}

type SequenceInfo struct {
	Consumer uint64     `json:"consumer_seq"`
	Stream   uint64     `json:"stream_seq"`
	Last     *time.Time `json:"last_active,omitempty"`
}

type ConsumerInfo struct {
	Stream         string         `json:"stream_name"`
	Name           string         `json:"name"`
	Created        time.Time      `json:"created"`
	Config         ConsumerConfig `json:"config"`
	Delivered      SequenceInfo   `json:"delivered"`
	AckFloor       SequenceInfo   `json:"ack_floor"`
	NumAckPending  int            `json:"num_ack_pending"`
	NumRedelivered int            `json:"num_redelivered"`
	NumWaiting     int            `json:"num_waiting"`
	NumPending     uint64         `json:"num_pending"`
}

type createConsumerRequest struct {
	Stream string          `json:"stream_name"`
	Config *ConsumerConfig `json:"config"`
}

type consumerResponse struct {
	apiResponse
	ConsumerInfo
}

// CreateConsumer creates the consumer or binds to an existing one with the
// same configuration.
func (js *JetStream) CreateConsumer(ctx context.Context, stream string, cfg ConsumerConfig) (*ConsumerInfo, error) {
	if err := validateStreamName(stream); err != nil {
		return nil, err
	}
	cfg.SetDefaults()

	subj := fmt.Sprintf(apiConsumerCreateT, stream)
	if cfg.Name != "" {
		if err := validateConsumerName(cfg.Name); err != nil {
			return nil, err
		}
		subj = fmt.Sprintf(apiConsumerCreateNT, stream, cfg.Name)
	}

	var resp consumerResponse
	if err := js.apiRequest(ctx, subj, createConsumerRequest{Stream: stream, Config: &cfg}, &resp); err != nil {
		return nil, err
	}
	return &resp.ConsumerInfo, nil
}

func (js *JetStream) ConsumerInfo(ctx context.Context, stream, name string) (*ConsumerInfo, error) {
	if err := validateStreamName(stream); err != nil {
		return nil, err
	}
	if err := validateConsumerName(name); err != nil {
		return nil, err
	}

	var resp consumerResponse
	if err := js.apiRequest(ctx, fmt.Sprintf(apiConsumerInfoT, stream, name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.ConsumerInfo, nil
}

type StreamConfig struct {
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Subjects     []string      `json:"subjects,omitempty"`
	Retention    string        `json:"retention"`
	MaxConsumers int           `json:"max_consumers"`
	MaxMsgs      int64         `json:"max_msgs"`
	MaxBytes     int64         `json:"max_bytes"`
	MaxAge       time.Duration `json:"max_age"`
	MaxMsgSize   int32         `json:"max_msg_size,omitempty"`
	Storage      string        `json:"storage"`
	Replicas     int           `json:"num_replicas"`
}

// StreamState is a point in time view of what a stream holds.
type StreamState struct {
	Msgs        uint64          `json:"messages"`
	Bytes       uint64          `json:"bytes"`
	FirstSeq    uint64          `json:"first_seq"`
	FirstTime   time.Time       `json:"first_ts"`
	LastSeq     uint64          `json:"last_seq"`
	LastTime    time.Time       `json:"last_ts"`
	Consumers   int             `json:"consumer_count"`
	Deleted     []uint64        `json:"deleted,omitempty"`
	NumDeleted  int             `json:"num_deleted"`
	NumSubjects uint64          `json:"num_subjects"`
	Lost        *LostStreamData `json:"lost,omitempty"`
}

// LostStreamData lists messages the server could not recover.
type LostStreamData struct {
	Msgs  []uint64 `json:"msgs"`
	Bytes uint64   `json:"bytes"`
}

type StreamInfo struct {
	Config  StreamConfig `json:"config"`
	Created time.Time    `json:"created"`
	State   StreamState  `json:"state"`
}

type streamInfoResponse struct {
	apiResponse
	StreamInfo
}

func (js *JetStream) StreamInfo(ctx context.Context, stream string) (*StreamInfo, error) {
	if err := validateStreamName(stream); err != nil {
		return nil, err
	}

	var resp streamInfoResponse
	if err := js.apiRequest(ctx, fmt.Sprintf(apiStreamInfoT, stream), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.StreamInfo, nil
}

type PubAck struct {
	Stream    string `json:"stream"`
	Sequence  uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

type pubAckResponse struct {
	apiResponse
	PubAck
}

func (js *JetStream) Publish(ctx context.Context, subject string, data []byte) (*PubAck, error) {
	m, err := NewMsg(subject, "", nil, data)
	if err != nil {
		return nil, err
	}
	return js.PublishMsg(ctx, m)
}

// PublishMsg publishes m and waits for the stream to store it.
func (js *JetStream) PublishMsg(ctx context.Context, m *Msg) (*PubAck, error) {
	ctx, end := observability.StartSpan(ctx, "natsflow.jetstream_publish", attribute.String("subject", m.subject))

	resp, err := js.conn.RequestMsg(ctx, m)
	if err != nil {
		end(err)
		if errors.Is(err, ErrNoResponders) {
			return nil, fmt.Errorf("no stream for %s: %w", m.subject, err)
		}
		return nil, err
	}

	var ack pubAckResponse
	if err := sonic.Unmarshal(resp.Data(), &ack); err != nil {
		end(err)
		return nil, fmt.Errorf("unmarshal pub ack: %w", err)
	}
	if err := ack.apiErr(); err != nil {
		end(err)
		return nil, err
	}

	end(nil)
	return &ack.PubAck, nil
}

func validateStreamName(name string) error {
	if name == "" || strings.ContainsAny(name, ".*> \t\r\n") {
		return validationErr(fmt.Sprintf("invalid stream name %q", name))
	}
	return nil
}

func validateConsumerName(name string) error {
	if name == "" || strings.ContainsAny(name, ".*> \t\r\n") {
		return validationErr(fmt.Sprintf("invalid consumer name %q", name))
	}
	return nil
}
