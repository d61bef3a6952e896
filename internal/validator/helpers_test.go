package validator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/pkg/api"
)

type sentMessage struct {
	to      api.PeerId
	tag     api.Tag
	payload any
}

// fakeSender records messages and lets tests react to them synchronously.
type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	err    error
	onSend func(to api.PeerId, tag api.Tag, payload any)
}

func (s *fakeSender) Send(_ context.Context, to api.PeerId, tag api.Tag, payload any) error {
	s.mu.Lock()
	err := s.err
	if err == nil {
		s.sent = append(s.sent, sentMessage{to: to, tag: tag, payload: payload})
	}
	onSend := s.onSend
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(to, tag, payload)
	}
	return nil
}

func (s *fakeSender) messages(tag api.Tag) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []sentMessage
	for _, m := range s.sent {
		if m.tag == tag {
			result = append(result, m)
		}
	}
	return result
}

// fakePeers serves a fixed directory and counts stats refreshes.
type fakePeers struct {
	mu        sync.Mutex
	peers     []*directory.PeerRecord
	evicted   map[api.PeerId]bool
	refreshes int
}

func (p *fakePeers) Snapshot() []*directory.PeerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]*directory.PeerRecord, len(p.peers))
	for i, peer := range p.peers {
		record := *peer
		snapshot[i] = &record
	}
	return snapshot
}

func (p *fakePeers) Lookup(id api.PeerId) (*directory.PeerRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.evicted[id] {
		return nil, errors.WithStack(&nodeerrors.ErrNotFound{Type: "peer", Value: string(id)})
	}
	for _, peer := range p.peers {
		if peer.Id == id {
			record := *peer
			return &record, nil
		}
	}
	return nil, errors.WithStack(&nodeerrors.ErrNotFound{Type: "peer", Value: string(id)})
}

func (p *fakePeers) RefreshStats(context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
}

func worker(id api.PeerId, memory int64, training bool) *directory.PeerRecord {
	return &directory.PeerRecord{
		Id:    id,
		Role:  api.RoleWorker,
		Stats: &api.WorkerStats{Memory: memory, Training: training},
	}
}

func testMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
