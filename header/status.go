package header

import (
	"fmt"
	"strings"
)

// Well known status codes sent by the server in place of a payload.
const (
	StatusIdleHeartbeat  = 100
	StatusBadRequest     = 400
	StatusNoMessages     = 404
	StatusRequestTimeout = 408
	StatusConflict       = 409
	StatusNoResponders   = 503
)

// Header names the server attaches to status frames and stream messages.
const (
	PendingMessages = "Nats-Pending-Messages"
	PendingBytes    = "Nats-Pending-Bytes"
	MsgID           = "Nats-Msg-Id"
)

const flowControlDesc = "FlowControl"

// Status is the inline status line of an incoming header block, e.g.
// "NATS/1.0 503 No Responders".
type Status struct {
	Code        int
	Description string
}

func (s *Status) IsHeartbeat() bool {
	return s.Code == StatusIdleHeartbeat && !s.IsFlowControl()
}

func (s *Status) IsFlowControl() bool {
	return s.Code == StatusIdleHeartbeat && strings.Contains(s.Description, flowControlDesc)
}

func (s *Status) IsNoResponders() bool {
	return s.Code == StatusNoResponders
}

func (s *Status) IsRequestTimeout() bool {
	return s.Code == StatusRequestTimeout
}

func (s *Status) IsNoMessages() bool {
	return s.Code == StatusNoMessages
}

func (s *Status) String() string {
	if s.Description == "" {
		return fmt.Sprintf("%d", s.Code)
	}
	return fmt.Sprintf("%d %s", s.Code, s.Description)
}
