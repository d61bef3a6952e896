// Package worker implements a minimal worker role: it reports its capacity to validators and
// answers module offers.
package worker

import (
	"sync"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodecontext"
	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/worker/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

const metricPrefix = "tensorlink_worker_"

type Worker struct {
	node     *node.Node
	config   configuration.WorkerConfig
	capacity int64

	mu sync.Mutex
	// Memory reserved per accepted module, keyed by recruitment and module id.
	reservations *cache.Cache

	offers *prometheus.CounterVec
}

func NewWorker(config configuration.WorkerConfig, n *node.Node, registerer prometheus.Registerer) *Worker {
	ttl := config.ReservationTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	w := &Worker{
		node:         n,
		config:       config,
		capacity:     config.Memory.Value(),
		reservations: cache.New(ttl, ttl),
		offers: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: metricPrefix + "module_offers_total",
			Help: "Module offers received, by decision",
		}, []string{"decision"}),
	}
	n.WithStatsProvider(w.Stats)
	return w
}

// Stats reports the memory not yet reserved.
func (w *Worker) Stats() api.WorkerStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return api.WorkerStats{Memory: w.free(), Training: w.config.Training}
}

func (w *Worker) free() int64 {
	free := w.capacity
	for _, item := range w.reservations.Items() {
		free -= item.Object.(int64)
	}
	return free
}

// Run greets the configured validators and serves offers until ctx is cancelled.
func (w *Worker) Run(ctx *nodecontext.Context) error {
	if err := w.node.Listen(w.HandleMessage); err != nil {
		return err
	}
	w.node.Announce(ctx, w.config.Validators)
	ctx.Log.WithFields(log.Fields{"id": w.node.Id(), "memory": w.config.Memory.String()}).Info("worker started")
	<-ctx.Done()
	return nil
}

func (w *Worker) HandleMessage(from api.PeerId, data []byte) (bool, error) {
	tag, payload, ok := api.Split(data)
	if !ok || tag != api.TagJobOffer {
		return w.node.HandleMessage(from, data)
	}
	return true, w.handleOffer(from, payload)
}

func (w *Worker) handleOffer(from api.PeerId, payload []byte) error {
	if record, err := w.node.Lookup(from); err != nil || record.Role != api.RoleValidator {
		return errors.WithStack(&nodeerrors.ErrUnexpectedSender{Peer: string(from), Tag: string(api.TagJobOffer)})
	}
	var offer api.ModuleOffer
	if err := api.Decode(api.TagJobOffer, payload, &offer); err != nil {
		return err
	}

	reply := api.TagDeclineJob
	if w.reserve(offer) {
		reply = api.TagAcceptJob
	}
	w.offers.WithLabelValues(string(reply)).Inc()
	w.node.Log().WithFields(log.Fields{"from": from, "job": offer.JobId, "module": offer.ModuleId}).
		Infof("answering offer of %d bytes with %s", offer.ModuleSize, reply)
	return w.node.Send(nodecontext.Background(), from, reply, offer.Reply())
}

func (w *Worker) reserve(offer api.ModuleOffer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.config.Training || w.free() < offer.ModuleSize {
		return false
	}
	key := offer.RecruitmentId + "/" + offer.ModuleId
	return w.reservations.Add(key, offer.ModuleSize, cache.DefaultExpiration) == nil
}
