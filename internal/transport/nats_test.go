package transport

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
)

func withNatsServer(t *testing.T, action func(config NatsConfig)) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	server := natsserver.RunServer(&opts)
	defer server.Shutdown()

	action(NatsConfig{
		Servers:       []string{server.ClientURL()},
		SubjectPrefix: "test.peer",
		ConnTimeout:   time.Second,
	})
}

func TestNatsTransport_SendAndReceive(t *testing.T) {
	withNatsServer(t, func(config NatsConfig) {
		validator, err := NewNatsTransport("validator-1", config)
		require.NoError(t, err)
		defer validator.Close()
		worker, err := NewNatsTransport("worker-1", config)
		require.NoError(t, err)
		defer worker.Close()

		rec := &recorder{}
		require.NoError(t, worker.Listen(rec.handle))

		require.NoError(t, validator.Send(context.Background(), "worker-1", []byte(`JOBOFFER{"module_id":"m1"}`)))

		assert.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, received{from: "validator-1", data: `JOBOFFER{"module_id":"m1"}`}, rec.get()[0])
		assert.Error(t, worker.Listen(rec.handle))
	})
}

func TestNatsTransport_RejectsInvalidPeerIds(t *testing.T) {
	withNatsServer(t, func(config NatsConfig) {
		_, err := NewNatsTransport("bad.id", config)
		assert.True(t, nodeerrors.IsInvalidArgument(err))

		transport, err := NewNatsTransport("validator-1", config)
		require.NoError(t, err)
		defer transport.Close()
		err = transport.Send(context.Background(), "worker.>", []byte("x"))
		assert.True(t, nodeerrors.IsInvalidArgument(err))
	})
}

func TestNatsTransport_SendWithCancelledContext(t *testing.T) {
	withNatsServer(t, func(config NatsConfig) {
		transport, err := NewNatsTransport("validator-1", config)
		require.NoError(t, err)
		defer transport.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, transport.Send(ctx, "worker-1", []byte("x")), context.Canceled)
	})
}
