package validator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/tensorlink/validator/internal/common/nodecontext"
	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/store"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/internal/validator/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

type inbound struct {
	from api.PeerId
	data []byte
}

// peer is a raw participant on the memory network that records what it receives.
type peer struct {
	transport *transport.MemoryTransport
	received  chan inbound
}

func joinPeer(t *testing.T, network *transport.MemoryNetwork, id api.PeerId) *peer {
	tr, err := network.Join(id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	p := &peer{transport: tr, received: make(chan inbound, 100)}
	require.NoError(t, tr.Listen(func(from api.PeerId, data []byte) error {
		p.received <- inbound{from: from, data: data}
		return nil
	}))
	return p
}

func (p *peer) send(t *testing.T, to api.PeerId, tag api.Tag, payload any) {
	data, err := api.Encode(tag, payload)
	require.NoError(t, err)
	require.NoError(t, p.transport.Send(context.Background(), to, data))
}

// await returns the payload of the next message tagged tag, skipping anything else.
func (p *peer) await(t *testing.T, tag api.Tag) []byte {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-p.received:
			got, payload, ok := api.Split(msg.data)
			if ok && got == tag {
				return payload
			}
		case <-deadline:
			t.Fatalf("no %s message received", tag)
			return nil
		}
	}
}

type validatorFixture struct {
	validator *Validator
	node      *node.Node
	network   *transport.MemoryNetwork
	jobs      *memoryJobs
	registry  *prometheus.Registry
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	network := transport.NewMemoryNetwork()
	tr, err := network.Join("v1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	n := node.NewNode(api.RoleValidator, tr, directory.NewDirectory(0))
	jobs := &memoryJobs{}
	registry := prometheus.NewRegistry()
	config := configuration.ValidatorConfig{
		NodeId:      "v1",
		Recruitment: testRecruitmentConfig,
	}
	v := NewValidator(config, n, jobs, registry, clock.RealClock{})
	return &validatorFixture{validator: v, node: n, network: network, jobs: jobs, registry: registry}
}

func frame(t *testing.T, tag api.Tag, payload any) []byte {
	data, err := api.Encode(tag, payload)
	require.NoError(t, err)
	return data
}

func TestHandleMessage_JobRequestFromWorkerIsRejected(t *testing.T) {
	f := newValidatorFixture(t)
	f.node.Directory().Register("w1", api.RoleWorker)

	handled, err := f.validator.HandleMessage("w1", frame(t, api.TagJobRequest, testJob("J1", 4)))
	assert.True(t, handled)
	var unexpected *nodeerrors.ErrUnexpectedSender
	assert.ErrorAs(t, err, &unexpected)
	assert.Zero(t, f.validator.queue.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.validator.metrics.messageErrors.WithLabelValues(string(api.TagJobRequest))))
}

func TestHandleMessage_JobRequestIsQueued(t *testing.T) {
	f := newValidatorFixture(t)
	job := testJob("J1", 4)
	job.Author = ""

	handled, err := f.validator.HandleMessage("user1", frame(t, api.TagJobRequest, job))
	require.NoError(t, err)
	assert.True(t, handled)
	require.Equal(t, 1, f.validator.queue.Len())

	queued := <-f.validator.queue.jobs
	assert.Equal(t, api.PeerId("user1"), queued.Author, "author defaults to the sender")
}

func TestHandleMessage_InvalidJobRequestIsAnswered(t *testing.T) {
	f := newValidatorFixture(t)
	user := joinPeer(t, f.network, "user1")

	tests := map[string]*api.Job{
		"no modules":     {Id: "J1"},
		"foreign author": {Id: "J1", Author: "someone-else", Distribution: []api.Module{{Id: "m1", Size: 1}}},
	}
	for name, job := range tests {
		t.Run(name, func(t *testing.T) {
			handled, err := f.validator.HandleMessage("user1", frame(t, api.TagJobRequest, job))
			assert.True(t, handled)
			assert.True(t, nodeerrors.IsInvalidArgument(err))

			var assignment api.Assignment
			require.NoError(t, api.Decode(api.TagJobAssignment, user.await(t, api.TagJobAssignment), &assignment))
			assert.Equal(t, api.AssignmentRejected, assignment.Status)
			assert.Equal(t, "J1", assignment.JobId)
			assert.NotEmpty(t, assignment.Message)
		})
	}
	assert.Zero(t, f.validator.queue.Len())
}

func TestHandleMessage_MalformedJobRequest(t *testing.T) {
	f := newValidatorFixture(t)

	handled, err := f.validator.HandleMessage("user1", []byte(string(api.TagJobRequest)+"{not json"))
	assert.True(t, handled)
	assert.True(t, nodeerrors.IsInvalidArgument(err))
}

func TestHandleMessage_FullQueueRejectsJob(t *testing.T) {
	f := newValidatorFixture(t)
	user := joinPeer(t, f.network, "user1")
	for i := 0; i < testRecruitmentConfig.QueueSize; i++ {
		require.NoError(t, f.validator.queue.Submit(testJob("filler", 1)))
	}

	handled, err := f.validator.HandleMessage("user1", frame(t, api.TagJobRequest, testJob("J1", 4)))
	assert.True(t, handled)
	assert.NoError(t, err)

	var assignment api.Assignment
	require.NoError(t, api.Decode(api.TagJobAssignment, user.await(t, api.TagJobAssignment), &assignment))
	assert.Equal(t, api.AssignmentRejected, assignment.Status)
}

func TestHandleMessage_AcceptResolvesPendingOffer(t *testing.T) {
	f := newValidatorFixture(t)
	f.node.Directory().Register("w1", api.RoleWorker)
	f.node.Directory().Register("user1", api.RoleUser)
	offer := api.ModuleOffer{RecruitmentId: "r1", JobId: "J1", ModuleId: "m1", ModuleSize: 1}
	pending, err := f.validator.correlator.register(OfferKey{RecruitmentId: "r1", ModuleId: "m1"}, "w1")
	require.NoError(t, err)

	_, err = f.validator.HandleMessage("user1", frame(t, api.TagAcceptJob, offer.Reply()))
	var unexpected *nodeerrors.ErrUnexpectedSender
	assert.ErrorAs(t, err, &unexpected)
	assert.False(t, pending.resolved)

	handled, err := f.validator.HandleMessage("w1", frame(t, api.TagAcceptJob, offer.Reply()))
	require.NoError(t, err)
	assert.True(t, handled)
	select {
	case <-pending.accepted:
	default:
		t.Fatal("acceptance did not reach the pending offer")
	}
}

func TestHandleMessage_DeclineKeepsOfferPending(t *testing.T) {
	f := newValidatorFixture(t)
	f.node.Directory().Register("w1", api.RoleWorker)
	key := OfferKey{RecruitmentId: "r1", ModuleId: "m1"}
	_, err := f.validator.correlator.register(key, "w1")
	require.NoError(t, err)

	handled, err := f.validator.HandleMessage("w1", frame(t, api.TagDeclineJob, api.OfferReply{RecruitmentId: "r1", ModuleId: "m1"}))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.True(t, f.validator.correlator.IsPending(key))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.validator.metrics.declines))
}

func TestHandleMessage_FallsBackToNode(t *testing.T) {
	f := newValidatorFixture(t)
	joinPeer(t, f.network, "w1")

	handled, err := f.validator.HandleMessage("w1", frame(t, api.TagHello, api.Hello{Role: api.RoleWorker, Reply: true}))
	require.NoError(t, err)
	assert.True(t, handled)
	record, err := f.node.Lookup("w1")
	require.NoError(t, err)
	assert.Equal(t, api.RoleWorker, record.Role)

	handled, err = f.validator.HandleMessage("w1", []byte("GOSSIP{}"))
	assert.NoError(t, err)
	assert.False(t, handled)
}

func TestValidator_RecruitsOverNetwork(t *testing.T) {
	f := newValidatorFixture(t)
	user := joinPeer(t, f.network, "user1")
	w1 := joinPeer(t, f.network, "w1")
	w2 := joinPeer(t, f.network, "w2")

	ctx, cancel := nodecontext.WithCancel(nodecontext.Background())
	done := make(chan error, 1)
	go func() { done <- f.validator.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	for _, w := range []*peer{w1, w2} {
		w.send(t, "v1", api.TagHello, api.Hello{Role: api.RoleWorker, Reply: true})
		w.send(t, "v1", api.TagStats, api.WorkerStats{Memory: 8, Training: true})
	}
	require.Eventually(t, func() bool {
		for _, p := range f.node.Snapshot() {
			if !p.CanHost(4) {
				return false
			}
		}
		return len(f.node.Snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	user.send(t, "v1", api.TagJobRequest, testJob("J1", 4, 4))

	// w1 accepts, w2 declines.
	var offer api.ModuleOffer
	require.NoError(t, api.Decode(api.TagJobOffer, w1.await(t, api.TagJobOffer), &offer))
	assert.Equal(t, "m1", offer.ModuleId)
	w1.send(t, "v1", api.TagAcceptJob, offer.Reply())
	require.NoError(t, api.Decode(api.TagJobOffer, w2.await(t, api.TagJobOffer), &offer))
	assert.Equal(t, "m2", offer.ModuleId)
	w2.send(t, "v1", api.TagDeclineJob, offer.Reply())

	var assignment api.Assignment
	require.NoError(t, api.Decode(api.TagJobAssignment, user.await(t, api.TagJobAssignment), &assignment))
	assert.Equal(t, api.AssignmentPartial, assignment.Status)
	assert.Equal(t, []api.ModuleAssignment{
		{ModuleId: "m1", WorkerId: "w1"},
		{ModuleId: "m2", Reason: ReasonTimedOut},
	}, assignment.Modules)

	// The final record is written after the author is answered.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.validator.metrics.jobs.WithLabelValues(string(api.AssignmentPartial))) == 1
	}, time.Second, 5*time.Millisecond)
	records, err := f.jobs.GetJobRecords("J1")
	require.NoError(t, err)
	require.Contains(t, records, assignment.RecruitmentId)
	assert.Equal(t, store.RecordPartial, records[assignment.RecruitmentId].Status)
}
