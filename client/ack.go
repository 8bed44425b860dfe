package client

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

type AckKind uint8

const (
	AckNone AckKind = iota
	AckAck
	AckNak
	AckProgress
	AckTerm
)

var ackBodies = [...][]byte{
	AckAck:      []byte("+ACK"),
	AckNak:      []byte("-NAK"),
	AckProgress: []byte("+WPI"),
	AckTerm:     []byte("+TERM"),
}

func (k AckKind) String() string {
	switch k {
	case AckAck:
		return "ack"
	case AckNak:
		return "nak"
	case AckProgress:
		return "in_progress"
	case AckTerm:
		return "term"
	default:
		return "none"
	}
}

// terminal acks settle a message; progress may be sent any number of times.
func (k AckKind) terminal() bool {
	return k == AckAck || k == AckNak || k == AckTerm
}

// acker delivers acknowledgments for the messages it injected itself into.
type acker interface {
	publishAck(reply string, body []byte) error
	requestAck(ctx context.Context, reply string, body []byte) error
	ackRecorded(kind AckKind)
}

type ackFunc func(m *Msg, kind AckKind, body []byte, timeout time.Duration) error

func noAck(*Msg, AckKind, []byte, time.Duration) error { return nil }

var ackTable = [...]ackFunc{
	KindPublish:  noAck,
	KindProtocol: noAck,
	KindPlain:    noAck,
	KindStatus:   noAck,
	KindStream:   streamAck,
}

// streamAck sends body to the reply subject of a stream message. A positive
// timeout waits for the server to confirm. The ack mutex is not held while
// sending; an in-flight terminal ack blocks further acks.
func streamAck(m *Msg, kind AckKind, body []byte, timeout time.Duration) error {
	m.ackMu.Lock()
	if m.lastAck.terminal() || m.sendingAck.terminal() {
		prev := m.lastAck
		if m.sendingAck.terminal() {
			prev = m.sendingAck
		}
		m.ackMu.Unlock()
		return fmt.Errorf("%s after %s: %w", kind, prev, ErrMsgAlreadyAcked)
	}
	if m.acker == nil {
		m.ackMu.Unlock()
		return fmt.Errorf("no connection bound: %w", ErrNotJSMessage)
	}
	m.sendingAck = kind
	m.ackMu.Unlock()

	var err error
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = m.acker.requestAck(ctx, m.reply, body)
		cancel()
	} else {
		err = m.acker.publishAck(m.reply, body)
	}

	m.ackMu.Lock()
	m.sendingAck = AckNone
	if err == nil {
		m.lastAck = kind
	}
	m.ackMu.Unlock()

	if err != nil {
		return fmt.Errorf("%s: %w", kind, err)
	}
	m.acker.ackRecorded(kind)
	return nil
}

func (m *Msg) ack(kind AckKind, body []byte, timeout time.Duration) error {
	return ackTable[m.kind](m, kind, body, timeout)
}

// Ack acknowledges a stream message. It is a no-op for other kinds.
func (m *Msg) Ack() error {
	return m.ack(AckAck, ackBodies[AckAck], 0)
}

// AckSync acknowledges and waits for the server to confirm.
func (m *Msg) AckSync(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return m.ack(AckAck, ackBodies[AckAck], timeout)
}

func (m *Msg) Nak() error {
	return m.ack(AckNak, ackBodies[AckNak], 0)
}

// NakWithDelay asks the server to redeliver no sooner than d.
func (m *Msg) NakWithDelay(d time.Duration) error {
	body := make([]byte, 0, 32)
	body = append(body, ackBodies[AckNak]...)
	body = append(body, ` {"delay":`...)
	body = strconv.AppendInt(body, int64(d), 10)
	body = append(body, '}')
	return m.ack(AckNak, body, 0)
}

// InProgress resets the redelivery timer of the message.
func (m *Msg) InProgress() error {
	return m.ack(AckProgress, ackBodies[AckProgress], 0)
}

func (m *Msg) Term() error {
	return m.ack(AckTerm, ackBodies[AckTerm], 0)
}

// LastAck returns the most recent acknowledgment sent for the message.
func (m *Msg) LastAck() AckKind {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.lastAck
}
