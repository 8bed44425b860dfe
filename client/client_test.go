package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValerySidorin/natsflow/client"
	"github.com/ValerySidorin/natsflow/header"
	"github.com/ValerySidorin/natsflow/test"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, url string) *client.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, url, client.WithName("natsflow-test"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestConnect(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	conn := connect(t, ns.ClientURL())

	assert.NotEmpty(t, conn.ServerVersion())
	assert.True(t, conn.HeadersSupported())
	assert.Positive(t, conn.MaxPayload())
	assert.NoError(t, conn.Flush(context.Background()))

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.ErrorIs(t, conn.Publish("foo", nil), client.ErrConnClosed)
}

func TestConnect_Refused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Connect(ctx, "127.0.0.1:1")
	assert.ErrorIs(t, err, client.ErrTransport)
}

func TestPublishSubscribe(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	conn := connect(t, ns.ClientURL())
	nc := test.Connect(t, ns.ClientURL())

	t.Run("to nats.go", func(t *testing.T) {
		sub, err := nc.SubscribeSync("interop.in")
		require.NoError(t, err)
		require.NoError(t, nc.Flush())

		h := header.New()
		require.NoError(t, h.Add("Trace-Id", "abc"))
		m, err := client.NewMsg("interop.in", "", h, []byte("hello"))
		require.NoError(t, err)
		require.NoError(t, conn.PublishMsg(m))

		got, err := sub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got.Data))
		assert.Equal(t, "abc", got.Header.Get("Trace-Id"))
	})

	t.Run("from nats.go", func(t *testing.T) {
		received := make(chan *client.Msg, 1)
		sub, err := conn.Subscribe("interop.out", func(m *client.Msg) {
			received <- m
		})
		require.NoError(t, err)
		require.NoError(t, conn.Flush(context.Background()))

		out := nats.NewMsg("interop.out")
		out.Header.Set("Key", "value")
		out.Data = []byte("world")
		require.NoError(t, nc.PublishMsg(out))

		select {
		case m := <-received:
			assert.Equal(t, "world", string(m.Data()))
			assert.Equal(t, "value", m.Header().Get("Key"))
			assert.Equal(t, client.KindPlain, m.Kind())
		case <-time.After(5 * time.Second):
			t.Fatal("message not received")
		}

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, sub.Unsubscribe())
	})
}

func TestRequest(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	conn := connect(t, ns.ClientURL())
	nc := test.Connect(t, ns.ClientURL())

	_, err := nc.Subscribe("echo", func(m *nats.Msg) {
		_ = m.Respond(append([]byte("echo: "), m.Data...))
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := conn.Request(ctx, "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "echo: ping", string(resp.Data()))

	_, err = conn.Request(ctx, "nobody.home", nil)
	assert.ErrorIs(t, err, client.ErrNoResponders)
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("order-%02d", i+1))
	}
	return out
}

func TestJetStream_Iterator(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	test.CreateStream(t, ns.ClientURL(), "ORDERS", "orders.>")
	test.Publish(t, ns.ClientURL(), "orders.new", payloads(20)...)

	conn := connect(t, ns.ClientURL())
	js := conn.JetStream()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	it, err := js.CreateIterator(ctx, "ORDERS", client.ConsumerConfig{Durable: "worker"}, client.ConsumerOptions{
		BatchSize: 10,
		RepullAt:  5,
		ExpiresIn: 2 * time.Second,
	})
	require.NoError(t, err)

	for i, want := range payloads(20) {
		m, err := it.NextMsg(5 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, m, "message %d", i+1)
		assert.Equal(t, string(want), string(m.Data()))
		assert.True(t, m.IsJetStream())

		meta, err := m.Metadata()
		require.NoError(t, err)
		assert.Equal(t, "ORDERS", meta.Stream)
		assert.Equal(t, uint64(i+1), meta.Sequence.Stream)

		require.NoError(t, m.Ack())
	}

	stats := it.Stats()
	assert.GreaterOrEqual(t, stats.Pulls, uint64(2))
	assert.Equal(t, uint64(20), stats.Acked)

	info, err := it.ConsumerInfo(ctx)
	require.NoError(t, err)
	assert.Greater(t, info.Delivered.Consumer, uint64(10))
	assert.Equal(t, "worker", info.Name)

	m, err := it.NextMsg(100 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, m)

	require.NoError(t, it.Unsubscribe())
	require.NoError(t, it.Unsubscribe())
}

func TestJetStream_Listener(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	test.CreateStream(t, ns.ClientURL(), "ORDERS", "orders.>")
	test.Publish(t, ns.ClientURL(), "orders.new", payloads(20)...)

	conn := connect(t, ns.ClientURL())
	js := conn.JetStream()

	var (
		mu  sync.Mutex
		got []string
	)
	handler := func(m *client.Msg) {
		if err := m.AckSync(5 * time.Second); err != nil {
			t.Errorf("ack: %v", err)
		}
		mu.Lock()
		got = append(got, string(m.Data()))
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	l, err := js.CreateListener(ctx, "ORDERS", client.ConsumerConfig{Durable: "listener"}, handler, client.ConsumerOptions{
		BatchSize: 10,
		RepullAt:  5,
		ExpiresIn: 2 * time.Second,
		ErrHandler: func(err error) {
			t.Errorf("unexpected consumer error: %v", err)
		},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, 10*time.Second, 10*time.Millisecond)

	mu.Lock()
	var want []string
	for _, p := range payloads(20) {
		want = append(want, string(p))
	}
	assert.Equal(t, want, got)
	mu.Unlock()

	info, err := l.ConsumerInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), info.AckFloor.Stream)

	require.NoError(t, l.Unsubscribe())
}

func TestJetStream_Publish(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	test.CreateStream(t, ns.ClientURL(), "EVENTS", "events.>")

	conn := connect(t, ns.ClientURL())
	js := conn.JetStream()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 1; i <= 3; i++ {
		ack, err := js.Publish(ctx, "events.created", []byte("e"))
		require.NoError(t, err)
		assert.Equal(t, "EVENTS", ack.Stream)
		assert.Equal(t, uint64(i), ack.Sequence)
	}

	info, err := js.StreamInfo(ctx, "EVENTS")
	require.NoError(t, err)
	assert.Equal(t, "EVENTS", info.Config.Name)
	assert.Equal(t, uint64(3), info.State.Msgs)
	assert.Equal(t, uint64(3), info.State.LastSeq)
	assert.Nil(t, info.State.Lost)

	_, err = js.Publish(ctx, "nowhere", []byte("e"))
	assert.ErrorIs(t, err, client.ErrNoResponders)
}

func TestJetStream_APIErrors(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	test.CreateStream(t, ns.ClientURL(), "ORDERS", "orders.>")

	conn := connect(t, ns.ClientURL())
	js := conn.JetStream()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := js.ConsumerInfo(ctx, "ORDERS", "missing")
	assert.ErrorIs(t, err, client.ErrConsumerNotFound)

	_, err = js.StreamInfo(ctx, "MISSING")
	assert.ErrorIs(t, err, client.ErrStreamNotFound)

	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.Code)

	_, err = js.CreateIterator(ctx, "bad.name", client.ConsumerConfig{}, client.ConsumerOptions{})
	assert.ErrorIs(t, err, client.ErrValidation)
}

func TestJetStream_PullExceedsMaxRequestBatch(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	test.CreateStream(t, ns.ClientURL(), "ORDERS", "orders.>")
	test.Publish(t, ns.ClientURL(), "orders.new", payloads(3)...)

	conn := connect(t, ns.ClientURL())
	js := conn.JetStream()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	it, err := js.CreateIterator(ctx, "ORDERS", client.ConsumerConfig{Durable: "capped", MaxRequestBatch: 5}, client.ConsumerOptions{
		BatchSize: 10,
	})
	require.NoError(t, err)

	m, err := it.NextMsg(5 * time.Second)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, client.ErrPullRejected)
	assert.ErrorIs(t, err, client.ErrConsumerClosed)

	assert.Never(t, func() bool {
		return it.Stats().Pulls > 1
	}, 200*time.Millisecond, 20*time.Millisecond)

	m, err = it.NextMsg(50 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, m)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestPublish_Metrics(t *testing.T) {
	ns := test.RunJetStreamServer(t)
	reg := prometheus.NewRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, ns.ClientURL(), client.WithMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msgs := counterValue(t, reg, "natsflow_published_messages_total")
	bytes := counterValue(t, reg, "natsflow_published_bytes_total")

	for range 3 {
		require.NoError(t, conn.Publish("metrics.test", []byte("0123456789")))
	}
	require.NoError(t, conn.Flush(ctx))

	assert.Equal(t, float64(3), counterValue(t, reg, "natsflow_published_messages_total")-msgs)
	assert.Equal(t, float64(3*len("PUB metrics.test 10\r\n0123456789\r\n")),
		counterValue(t, reg, "natsflow_published_bytes_total")-bytes)
}
