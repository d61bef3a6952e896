package validator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/tensorlink/validator/internal/common/nodecontext"
	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

// Sender delivers a tagged payload to a peer.
type Sender interface {
	Send(ctx context.Context, to api.PeerId, tag api.Tag, payload any) error
}

// OfferKey identifies one outstanding module offer. Including the recruitment id keeps two
// recruitments of the same job apart.
type OfferKey struct {
	RecruitmentId string
	ModuleId      string
}

func (k OfferKey) String() string {
	return k.RecruitmentId + "/" + k.ModuleId
}

type OfferOutcome string

const (
	OfferAccepted OfferOutcome = "accepted"
	OfferTimedOut OfferOutcome = "timed_out"
	// OfferUndeliverable means the offer never left the validator.
	OfferUndeliverable OfferOutcome = "undeliverable"
	// OfferCancelled means the recruitment was abandoned before the offer timed out.
	OfferCancelled OfferOutcome = "cancelled"
)

type OfferResult struct {
	Key     OfferKey
	Peer    api.PeerId
	Outcome OfferOutcome
	Err     error
}

// Outcomes of this many recently finished offers are kept to explain late replies.
const finishedOffersSize = 4096

type pendingOffer struct {
	peer     api.PeerId
	resolved bool
	accepted chan struct{}
}

// Correlator matches worker acceptances to the offers waiting for them. Every call to Send
// owns one entry of the pending table for exactly as long as it runs.
type Correlator struct {
	mu      sync.Mutex
	pending map[OfferKey]*pendingOffer
	// OfferKey -> OfferOutcome
	finished *lru.Cache
	sender   Sender
	timeout time.Duration
	clock   clock.Clock
	metrics *Metrics
}

func NewCorrelator(sender Sender, timeout time.Duration, clk clock.Clock, metrics *Metrics) *Correlator {
	finished, err := lru.New(finishedOffersSize)
	if err != nil {
		panic(err)
	}
	return &Correlator{
		pending:  make(map[OfferKey]*pendingOffer),
		finished: finished,
		sender:   sender,
		timeout:  timeout,
		clock:    clk,
		metrics:  metrics,
	}
}

// Send offers a module to peer and blocks until the peer accepts, the offer times out or ctx is
// done. The offer is removed from the pending table before Send returns.
func (c *Correlator) Send(ctx *nodecontext.Context, peer api.PeerId, offer api.ModuleOffer) OfferResult {
	key := OfferKey{RecruitmentId: offer.RecruitmentId, ModuleId: offer.ModuleId}
	result := OfferResult{Key: key, Peer: peer}

	pending, err := c.register(key, peer)
	if err != nil {
		result.Outcome = OfferUndeliverable
		result.Err = err
		return c.finish(ctx, result)
	}

	// The timeout runs from the moment the offer is sent.
	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	if err := c.sender.Send(ctx, peer, api.TagJobOffer, offer); err != nil {
		c.remove(key)
		result.Outcome = OfferUndeliverable
		result.Err = err
		return c.finish(ctx, result)
	}

	select {
	case <-pending.accepted:
		c.remove(key)
		result.Outcome = OfferAccepted
	case <-timer.C():
		result.Outcome = c.expire(key, pending, OfferTimedOut)
	case <-ctx.Done():
		result.Outcome = c.expire(key, pending, OfferCancelled)
		if result.Outcome == OfferCancelled {
			result.Err = errors.WithStack(ctx.Err())
		}
	}
	return c.finish(ctx, result)
}

// Resolve records that from accepted the offer identified by reply. It returns false if no such
// offer is pending, if it was made to a different peer, or if it was already accepted.
func (c *Correlator) Resolve(from api.PeerId, reply api.OfferReply) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[OfferKey{RecruitmentId: reply.RecruitmentId, ModuleId: reply.ModuleId}]
	if !ok || pending.peer != from || pending.resolved {
		return false
	}
	pending.resolved = true
	close(pending.accepted)
	return true
}

// Finished returns the outcome of a recently finished offer.
func (c *Correlator) Finished(key OfferKey) (OfferOutcome, bool) {
	outcome, ok := c.finished.Get(key)
	if !ok {
		return "", false
	}
	return outcome.(OfferOutcome), true
}

// Pending returns the number of offers waiting for a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// IsPending reports whether key is waiting for a reply.
func (c *Correlator) IsPending(key OfferKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

func (c *Correlator) register(key OfferKey, peer api.PeerId) (*pendingOffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[key]; ok {
		return nil, errors.WithStack(&nodeerrors.ErrAlreadyExists{Type: "offer", Value: key.String()})
	}
	pending := &pendingOffer{peer: peer, accepted: make(chan struct{})}
	c.pending[key] = pending
	return pending, nil
}

func (c *Correlator) remove(key OfferKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// expire removes the offer. An acceptance that was recorded before the lock was taken still
// wins.
func (c *Correlator) expire(key OfferKey, pending *pendingOffer, outcome OfferOutcome) OfferOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, key)
	if pending.resolved {
		return OfferAccepted
	}
	return outcome
}

func (c *Correlator) finish(ctx *nodecontext.Context, result OfferResult) OfferResult {
	c.finished.Add(result.Key, result.Outcome)
	c.metrics.recordOffer(result.Outcome)
	entry := ctx.Log.WithField("offer", result.Key.String()).WithField("worker", result.Peer)
	if result.Err != nil {
		entry = entry.WithError(result.Err)
	}
	entry.Debugf("module offer %s", result.Outcome)
	return result
}
