package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

type received struct {
	from api.PeerId
	data string
}

type recorder struct {
	mu       sync.Mutex
	messages []received
}

func (r *recorder) handle(from api.PeerId, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, received{from: from, data: string(data)})
	return nil
}

func (r *recorder) get() []received {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]received(nil), r.messages...)
}

func TestMemoryTransport_DeliversInOrder(t *testing.T) {
	network := NewMemoryNetwork()
	a, err := network.Join("a")
	require.NoError(t, err)
	b, err := network.Join("b")
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	rec := &recorder{}
	require.NoError(t, b.Listen(rec.handle))

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(context.Background(), "b", []byte(msg)))
	}

	assert.Eventually(t, func() bool { return len(rec.get()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []received{{"a", "one"}, {"a", "two"}, {"a", "three"}}, rec.get())
}

func TestMemoryTransport_BuffersUntilListening(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Join("a")
	b, _ := network.Join("b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(context.Background(), "b", []byte("early")))

	rec := &recorder{}
	require.NoError(t, b.Listen(rec.handle))
	assert.Eventually(t, func() bool { return len(rec.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Error(t, b.Listen(rec.handle))
}

func TestMemoryTransport_UnknownPeer(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Join("a")
	defer a.Close()

	err := a.Send(context.Background(), "ghost", []byte("hello"))
	assert.True(t, nodeerrors.IsNotFound(err))
}

func TestMemoryTransport_JoinTwice(t *testing.T) {
	network := NewMemoryNetwork()
	_, err := network.Join("a")
	require.NoError(t, err)
	_, err = network.Join("a")
	assert.True(t, nodeerrors.IsAlreadyExists(err))
}

func TestMemoryTransport_ClosedPeerLeavesNetwork(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Join("a")
	b, _ := network.Join("b")
	defer a.Close()

	require.NoError(t, b.Close())
	err := a.Send(context.Background(), "b", []byte("hello"))
	assert.True(t, nodeerrors.IsNotFound(err))
}

func TestMemoryTransport_HandlerErrorsDoNotStopDelivery(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Join("a")
	b, _ := network.Join("b")
	defer a.Close()
	defer b.Close()

	rec := &recorder{}
	require.NoError(t, b.Listen(func(from api.PeerId, data []byte) error {
		_ = rec.handle(from, data)
		return errors.New("handler failed")
	}))
	require.NoError(t, a.Send(context.Background(), "b", []byte("one")))
	require.NoError(t, a.Send(context.Background(), "b", []byte("two")))
	assert.Eventually(t, func() bool { return len(rec.get()) == 2 }, time.Second, 5*time.Millisecond)
}
