// Package test runs an embedded NATS server with JetStream for integration
// tests and prepares streams with the reference nats.go client.
package test

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func RunJetStreamServer(t testing.TB) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	require.NoError(t, err, "nats: new server")

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats: not ready for connections")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

// Connect opens a nats.go connection closed with the test.
func Connect(t testing.TB, url string) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func CreateStream(t testing.TB, url, name string, subjects ...string) {
	t.Helper()

	js, err := Connect(t, url).JetStream()
	require.NoError(t, err)

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.MemoryStorage,
	})
	require.NoError(t, err)
}

// Publish stores every payload in the stream bound to subject.
func Publish(t testing.TB, url, subject string, payloads ...[]byte) {
	t.Helper()

	js, err := Connect(t, url).JetStream()
	require.NoError(t, err)

	for _, p := range payloads {
		_, err := js.Publish(subject, p)
		require.NoError(t, err)
	}
}
