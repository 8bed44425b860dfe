package client

import (
	"strconv"
	"sync"
)

type subscription struct {
	sid     uint64
	subject string
	cb      func(*Msg)
	onClose func(error)
}

// Subscription is a plain subscription whose callback runs on the
// connection's read loop.
type Subscription struct {
	conn *Conn
	sub  *subscription
	once sync.Once
}

func (c *Conn) Subscribe(subject string, cb func(*Msg)) (*Subscription, error) {
	s, err := c.subscribe(subject, cb, nil)
	if err != nil {
		return nil, err
	}
	return &Subscription{conn: c, sub: s}, nil
}

func (s *Subscription) Subject() string {
	return s.sub.subject
}

func (s *Subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.conn.unsubscribe(s.sub)
	})
	return err
}

func (c *Conn) subscribe(subject string, cb func(*Msg), onClose func(error)) (*subscription, error) {
	if c.closed.Load() {
		return nil, ErrConnClosed
	}
	if err := ValidateSubject(subject, true); err != nil {
		return nil, err
	}

	c.subsMu.Lock()
	c.ssid++
	s := &subscription{
		sid:     c.ssid,
		subject: subject,
		cb:      cb,
		onClose: onClose,
	}
	c.subs[s.sid] = s
	c.subsMu.Unlock()

	c.sendProto(newProtocolMsg("SUB " + subject + " " + strconv.FormatUint(s.sid, 10)))
	return s, nil
}

func (c *Conn) unsubscribe(s *subscription) error {
	c.subsMu.Lock()
	_, ok := c.subs[s.sid]
	delete(c.subs, s.sid)
	c.subsMu.Unlock()

	if !ok || c.closed.Load() {
		return nil
	}

	c.sendProto(newProtocolMsg("UNSUB " + strconv.FormatUint(s.sid, 10)))
	return nil
}
