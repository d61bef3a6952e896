package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/internal/worker/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

func newTestWorker(t *testing.T, memory string, training bool) (*Worker, *transport.MemoryTransport, chan []byte) {
	network := transport.NewMemoryNetwork()
	tr, err := network.Join("w1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	n := node.NewNode(api.RoleWorker, tr, directory.NewDirectory(0))
	w := NewWorker(configuration.WorkerConfig{
		NodeId:     "w1",
		Validators: []api.PeerId{"v1"},
		Memory:     resource.MustParse(memory),
		Training:   training,
	}, n, prometheus.NewRegistry())
	require.NoError(t, n.Listen(w.HandleMessage))

	validator, err := network.Join("v1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = validator.Close() })
	received := make(chan []byte, 10)
	require.NoError(t, validator.Listen(func(_ api.PeerId, data []byte) error {
		received <- data
		return nil
	}))
	send(t, validator, api.TagHello, api.Hello{Role: api.RoleValidator})
	require.Equal(t, api.TagHello, await(t, received))
	return w, validator, received
}

func send(t *testing.T, from *transport.MemoryTransport, tag api.Tag, payload any) {
	data, err := api.Encode(tag, payload)
	require.NoError(t, err)
	require.NoError(t, from.Send(context.Background(), "w1", data))
}

func await(t *testing.T, received chan []byte) api.Tag {
	select {
	case data := <-received:
		tag, _, ok := api.Split(data)
		require.True(t, ok)
		return tag
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not answer")
		return ""
	}
}

func offer(module string, size int64) api.ModuleOffer {
	return api.ModuleOffer{RecruitmentId: "r1", JobId: "J1", ModuleId: module, ModuleSize: size}
}

func TestWorker_AcceptsUntilMemoryRunsOut(t *testing.T) {
	w, validator, received := newTestWorker(t, "10", true)
	assert.Equal(t, api.WorkerStats{Memory: 10, Training: true}, w.Stats())

	send(t, validator, api.TagJobOffer, offer("m1", 6))
	assert.Equal(t, api.TagAcceptJob, await(t, received))
	assert.Equal(t, int64(4), w.Stats().Memory)

	send(t, validator, api.TagJobOffer, offer("m2", 6))
	assert.Equal(t, api.TagDeclineJob, await(t, received))

	send(t, validator, api.TagJobOffer, offer("m3", 4))
	assert.Equal(t, api.TagAcceptJob, await(t, received))
	assert.Zero(t, w.Stats().Memory)
}

func TestWorker_DeclinesWhenNotTraining(t *testing.T) {
	w, validator, received := newTestWorker(t, "1Gi", false)

	send(t, validator, api.TagJobOffer, offer("m1", 1))
	assert.Equal(t, api.TagDeclineJob, await(t, received))
	assert.Equal(t, int64(1<<30), w.Stats().Memory)
}

func TestWorker_AnswersStatsRequests(t *testing.T) {
	_, validator, received := newTestWorker(t, "2Ki", true)

	send(t, validator, api.TagStatsRequest, nil)
	assert.Equal(t, api.TagStats, await(t, received))
}

func TestWorker_IgnoresOffersFromUnknownPeers(t *testing.T) {
	w, _, _ := newTestWorker(t, "10", true)

	data, err := api.Encode(api.TagJobOffer, offer("m1", 1))
	require.NoError(t, err)
	handled, err := w.HandleMessage("stranger", data)
	assert.True(t, handled)
	var unexpected *nodeerrors.ErrUnexpectedSender
	assert.ErrorAs(t, err, &unexpected)
	assert.Equal(t, int64(10), w.Stats().Memory)
}
