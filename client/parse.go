package client

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/ValerySidorin/natsflow/header"
)

var (
	opMsg  = []byte("MSG")
	opHMsg = []byte("HMSG")
	opPing = []byte("PING")
	opPong = []byte("PONG")
	opOK   = []byte("+OK")
	opErr  = []byte("-ERR")
	opInfo = []byte("INFO")
)

// parse consumes bytes read from the socket. Frames may be split across
// any number of calls.
func (c *Conn) parse(buf []byte) error {
	var (
		i int
		b byte
	)

	for i = 0; i < len(buf); i++ {
		b = buf[i]

		switch c.ps.state {
		case OP_START, OP_CONTROL_LINE:
			c.ps.state = OP_CONTROL_LINE

			toCopy := len(buf) - i
			end := bytes.IndexByte(buf[i:], '\n')
			if end >= 0 {
				toCopy = end
			}

			if len(c.ps.argBuf)+toCopy > c.maxControlLine {
				return fmt.Errorf("read %d bytes: %w", len(c.ps.argBuf)+toCopy, ErrMaxControlLine)
			}
			c.ps.argBuf = append(c.ps.argBuf, buf[i:i+toCopy]...)

			if end < 0 {
				return nil
			}
			i += end

			line := bytes.TrimSuffix(c.ps.argBuf, []byte("\r"))
			if err := c.processControlLine(line); err != nil {
				return err
			}
			c.ps.argBuf = c.ps.argBuf[:0]
		case OP_MSG_PAYLOAD:
			toCopy := c.ps.ma.size - len(c.ps.payloadBuf)
			avail := len(buf) - i

			if avail < toCopy {
				toCopy = avail
			}

			c.ps.payloadBuf = append(c.ps.payloadBuf, buf[i:i+toCopy]...)
			i = (i + toCopy) - 1

			if len(c.ps.payloadBuf) >= c.ps.ma.size {
				c.ps.state = OP_MSG_END
			}
		case OP_MSG_END:
			switch b {
			case '\r':
			case '\n':
				c.processMsg()
				c.ps.payloadBuf, c.ps.ma, c.ps.state = nil, msgArg{}, OP_START
			default:
				return fmt.Errorf("unexpected %q after payload: %w", b, ErrParseProto)
			}
		default:
			return ErrParseProto
		}
	}

	return nil
}

func (c *Conn) processControlLine(line []byte) error {
	op, args, _ := bytes.Cut(line, []byte(" "))
	args = bytes.TrimSpace(args)

	switch {
	case bytes.EqualFold(op, opMsg):
		if err := c.processMsgArgs(args, false); err != nil {
			return err
		}
		c.ps.ma.ctrlLen = len(line)
	case bytes.EqualFold(op, opHMsg):
		if err := c.processMsgArgs(args, true); err != nil {
			return err
		}
		c.ps.ma.ctrlLen = len(line)
	case bytes.EqualFold(op, opPing):
		c.sendProto(pongProto)
	case bytes.EqualFold(op, opPong):
		c.processPong()
	case bytes.EqualFold(op, opOK):
	case bytes.EqualFold(op, opErr):
		c.processErr(string(bytes.Trim(args, "'")))
	case bytes.EqualFold(op, opInfo):
		if err := c.processInfo(args); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown op %q: %w", op, ErrParseProto)
	}

	return nil
}

// processMsgArgs parses
// MSG <subject> <sid> [reply] <size> and
// HMSG <subject> <sid> [reply] <hdr size> <total size>.
func (c *Conn) processMsgArgs(args []byte, withHeader bool) error {
	fields := bytes.Fields(args)

	n := 3
	if withHeader {
		n = 4
	}
	if len(fields) != n && len(fields) != n+1 {
		return fmt.Errorf("msg args %q: %w", args, ErrParseProto)
	}

	ma := msgArg{
		subject: string(fields[0]),
		hdr:     0,
	}

	sid, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return fmt.Errorf("sid %q: %w", fields[1], ErrParseProto)
	}
	ma.sid = sid

	rest := fields[2:]
	if len(fields) == n+1 {
		ma.reply = string(fields[2])
		rest = fields[3:]
	}

	if withHeader {
		if ma.hdr, err = strconv.Atoi(string(rest[0])); err != nil || ma.hdr < 0 {
			return fmt.Errorf("header size %q: %w", rest[0], ErrParseProto)
		}
		rest = rest[1:]
	}
	if ma.size, err = strconv.Atoi(string(rest[0])); err != nil || ma.size < ma.hdr {
		return fmt.Errorf("size %q: %w", rest[0], ErrParseProto)
	}

	c.ps.ma = ma
	c.ps.payloadBuf = make([]byte, 0, ma.size)
	if ma.size == 0 {
		c.ps.state = OP_MSG_END
	} else {
		c.ps.state = OP_MSG_PAYLOAD
	}
	return nil
}

// processMsg hands a complete frame to its subscription. Frames with a
// malformed header block are dropped.
func (c *Conn) processMsg() {
	ma := c.ps.ma
	payload := c.ps.payloadBuf

	var (
		hdr    *header.Header
		status *header.Status
		err    error
	)
	if ma.hdr > 0 {
		hdr, status, err = header.Decode(payload[:ma.hdr], ma.hdr)
		if err != nil {
			c.l.Error("decode header", "subject", ma.subject, "sid", ma.sid, "err", err)
			return
		}
	}

	c.subsMu.RLock()
	sub, ok := c.subs[ma.sid]
	c.subsMu.RUnlock()
	if !ok {
		return
	}

	m := newIncomingMsg(ma.subject, ma.reply, ma.sid, ma.ctrlLen, hdr, status, payload[ma.hdr:])
	m.acker = c
	sub.cb(m)
}
