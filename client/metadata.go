package client

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SequencePair struct {
	Consumer uint64
	Stream   uint64
}

// Metadata is carried in the reply subject of every stream message.
type Metadata struct {
	Sequence     SequencePair
	NumDelivered uint64
	NumPending   uint64
	Timestamp    time.Time
	Stream       string
	Consumer     string
	Domain       string
}

const (
	ackTokensV1 = 9
	ackTokensV2 = 11

	ackDomainNone = "_"
)

// Metadata parses the reply subject once and caches the result.
func (m *Msg) Metadata() (*Metadata, error) {
	if m.kind != KindStream {
		return nil, ErrNotJSMessage
	}
	if m.meta != nil {
		return m.meta, nil
	}

	meta, err := parseMetadata(m.reply)
	if err != nil {
		return nil, err
	}
	m.meta = meta
	return meta, nil
}

// parseMetadata accepts both
// $JS.ACK.<stream>.<consumer>.<delivered>.<sseq>.<dseq>.<ts>.<pending> and
// $JS.ACK.<domain>.<account hash>.<stream>.<consumer>.<delivered>.<sseq>.<dseq>.<ts>.<pending>[.<token>].
func parseMetadata(reply string) (*Metadata, error) {
	tokens := strings.Split(reply, ".")
	if len(tokens) < ackTokensV1 || tokens[0] != "$JS" || tokens[1] != "ACK" {
		return nil, fmt.Errorf("reply %q: %w", reply, ErrNotJSMessage)
	}

	meta := &Metadata{}
	switch {
	case len(tokens) == ackTokensV1:
		tokens = tokens[2:]
	case len(tokens) >= ackTokensV2:
		if tokens[2] != ackDomainNone {
			meta.Domain = tokens[2]
		}
		tokens = tokens[4:]
	default:
		return nil, fmt.Errorf("reply %q: %w", reply, ErrNotJSMessage)
	}

	meta.Stream = tokens[0]
	meta.Consumer = tokens[1]

	nums := make([]uint64, 5)
	for i := range nums {
		n, err := strconv.ParseUint(tokens[2+i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("reply %q token %q: %w", reply, tokens[2+i], ErrNotJSMessage)
		}
		nums[i] = n
	}

	meta.NumDelivered = nums[0]
	meta.Sequence.Stream = nums[1]
	meta.Sequence.Consumer = nums[2]
	meta.Timestamp = time.Unix(0, int64(nums[3]))
	meta.NumPending = nums[4]
	return meta, nil
}
