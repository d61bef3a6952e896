package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

const memoryInboxSize = 1024

// MemoryNetwork connects MemoryTransports within one process.
type MemoryNetwork struct {
	mu    sync.RWMutex
	peers map[api.PeerId]*MemoryTransport
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[api.PeerId]*MemoryTransport)}
}

// Join attaches a new transport with the given id to the network.
func (n *MemoryNetwork) Join(id api.PeerId) (*MemoryTransport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.peers[id]; ok {
		return nil, errors.WithStack(&nodeerrors.ErrAlreadyExists{Type: "peer", Value: string(id)})
	}
	t := &MemoryTransport{
		id:      id,
		network: n,
		inbox:   make(chan envelope, memoryInboxSize),
		done:    make(chan struct{}),
	}
	n.peers[id] = t
	return t, nil
}

func (n *MemoryNetwork) leave(id api.PeerId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *MemoryNetwork) lookup(id api.PeerId) (*MemoryTransport, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	t, ok := n.peers[id]
	return t, ok
}

type envelope struct {
	from api.PeerId
	data []byte
}

// MemoryTransport delivers each peer's inbound messages sequentially from a buffered inbox.
type MemoryTransport struct {
	id       api.PeerId
	network  *MemoryNetwork
	inbox    chan envelope
	done     chan struct{}
	closeOne sync.Once
	listen   sync.Once
	wg       sync.WaitGroup
}

func (t *MemoryTransport) LocalId() api.PeerId {
	return t.id
}

func (t *MemoryTransport) Send(ctx context.Context, to api.PeerId, data []byte) error {
	target, ok := t.network.lookup(to)
	if !ok {
		return errors.WithStack(&nodeerrors.ErrNotFound{Type: "peer", Value: string(to)})
	}
	msg := envelope{from: t.id, data: append([]byte(nil), data...)}
	select {
	case target.inbox <- msg:
		return nil
	case <-target.done:
		return errors.WithStack(&nodeerrors.ErrNotFound{Type: "peer", Value: string(to), Message: "transport closed"})
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (t *MemoryTransport) Listen(handler Handler) error {
	started := false
	t.listen.Do(func() {
		started = true
		t.wg.Add(1)
		go t.deliver(handler)
	})
	if !started {
		return errors.Errorf("transport %s is already listening", t.id)
	}
	return nil
}

func (t *MemoryTransport) deliver(handler Handler) {
	defer t.wg.Done()
	for {
		select {
		case msg := <-t.inbox:
			if err := handler(msg.from, msg.data); err != nil {
				log.WithError(err).WithFields(log.Fields{"peer": t.id, "from": msg.from}).Warn("failed to handle message")
			}
		case <-t.done:
			return
		}
	}
}

func (t *MemoryTransport) Close() error {
	t.closeOne.Do(func() {
		t.network.leave(t.id)
		close(t.done)
	})
	t.wg.Wait()
	return nil
}
