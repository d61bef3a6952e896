// Package node implements the behaviour shared by every peer: addressing other peers through a
// transport, keeping the peer directory up to date, and the general message table (HELLO,
// STATREQ, STATS) that role specific dispatchers fall back to.
package node

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/pkg/api"
)

// StatsProvider reports the current stats of the local node. Only workers have one.
type StatsProvider func() api.WorkerStats

type Node struct {
	id        api.PeerId
	role      api.Role
	directory *directory.Directory
	transport transport.Transport
	stats     StatsProvider
	log       *log.Entry
}

func NewNode(role api.Role, t transport.Transport, dir *directory.Directory) *Node {
	return &Node{
		id:        t.LocalId(),
		role:      role,
		directory: dir,
		transport: t,
		log:       log.WithFields(log.Fields{"peer": t.LocalId(), "role": role}),
	}
}

// WithStatsProvider makes the node answer STATREQ messages.
func (n *Node) WithStatsProvider(stats StatsProvider) *Node {
	n.stats = stats
	return n
}

func (n *Node) Id() api.PeerId {
	return n.id
}

func (n *Node) Role() api.Role {
	return n.role
}

func (n *Node) Directory() *directory.Directory {
	return n.directory
}

func (n *Node) Log() *log.Entry {
	return n.log
}

func (n *Node) Snapshot() []*directory.PeerRecord {
	return n.directory.Snapshot()
}

func (n *Node) Lookup(id api.PeerId) (*directory.PeerRecord, error) {
	return n.directory.Lookup(id)
}

// Send encodes payload behind tag and sends it to peer to.
func (n *Node) Send(ctx context.Context, to api.PeerId, tag api.Tag, payload any) error {
	data, err := api.Encode(tag, payload)
	if err != nil {
		return err
	}
	if err := n.transport.Send(ctx, to, data); err != nil {
		return errors.WithMessagef(err, "sending %s to %s", tag, to)
	}
	return nil
}

// Listen starts delivering inbound messages to handle. Messages that handle does not recognise
// are dropped with a debug log.
func (n *Node) Listen(handle func(from api.PeerId, data []byte) (bool, error)) error {
	return n.transport.Listen(func(from api.PeerId, data []byte) error {
		handled, err := handle(from, data)
		if err != nil {
			return err
		}
		if !handled {
			n.log.WithField("from", from).Debugf("dropping unrecognised message of %d bytes", len(data))
		}
		return nil
	})
}

// Announce says hello to each of peers so they learn this node's role.
func (n *Node) Announce(ctx context.Context, peers []api.PeerId) {
	for _, peer := range peers {
		if peer == n.id {
			continue
		}
		if err := n.Send(ctx, peer, api.TagHello, api.Hello{Role: n.role}); err != nil {
			n.log.WithError(err).Warnf("failed to announce to %s", peer)
		}
	}
}

// RefreshStats asks every known worker for fresh stats. Replies arrive asynchronously; failures
// are logged and otherwise ignored.
func (n *Node) RefreshStats(ctx context.Context) {
	for _, worker := range n.directory.PeersWithRole(api.RoleWorker) {
		if err := n.Send(ctx, worker, api.TagStatsRequest, nil); err != nil {
			n.log.WithError(err).Debugf("failed to request stats from %s", worker)
		}
	}
}

// HandleMessage processes the messages every node understands. It returns false for any other
// tag so that role specific dispatchers can chain onto it.
func (n *Node) HandleMessage(from api.PeerId, data []byte) (bool, error) {
	tag, payload, ok := api.Split(data)
	if !ok {
		return false, nil
	}
	switch tag {
	case api.TagHello:
		return true, n.handleHello(from, payload)
	case api.TagStatsRequest:
		return true, n.handleStatsRequest(from)
	case api.TagStats:
		return true, n.handleStats(from, payload)
	default:
		return false, nil
	}
}

func (n *Node) handleHello(from api.PeerId, payload []byte) error {
	var hello api.Hello
	if err := api.Decode(api.TagHello, payload, &hello); err != nil {
		return err
	}
	if !hello.Role.IsValid() {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{Name: "role", Value: string(hello.Role)})
	}
	if n.directory.Register(from, hello.Role) {
		n.log.WithField("from", from).Infof("registered %s", hello.Role)
	}
	if hello.Reply {
		return nil
	}
	return n.Send(context.Background(), from, api.TagHello, api.Hello{Role: n.role, Reply: true})
}

func (n *Node) handleStatsRequest(from api.PeerId) error {
	if n.stats == nil {
		n.log.WithField("from", from).Debug("ignoring stats request, node has no stats")
		return nil
	}
	return n.Send(context.Background(), from, api.TagStats, n.stats())
}

func (n *Node) handleStats(from api.PeerId, payload []byte) error {
	var stats api.WorkerStats
	if err := api.Decode(api.TagStats, payload, &stats); err != nil {
		return err
	}
	err := n.directory.UpdateStats(from, stats)
	if nodeerrors.IsNotFound(err) {
		n.log.WithField("from", from).Debug("ignoring stats from unregistered peer")
		return nil
	}
	return err
}
