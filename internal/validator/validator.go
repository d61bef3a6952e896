// Package validator implements the validator role: it accepts job requests from users, recruits
// workers for each module of a job and reports the resulting assignment back to the user.
package validator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/tensorlink/validator/internal/common/nodecontext"
	"github.com/tensorlink/validator/internal/common/task"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/store"
	"github.com/tensorlink/validator/internal/validator/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

const taskShutdownTimeout = 5 * time.Second

type Validator struct {
	node         *node.Node
	correlator   *Correlator
	orchestrator *Orchestrator
	queue        *JobQueue
	metrics      *Metrics
	tasks        *task.BackgroundTaskManager
	config       configuration.ValidatorConfig
}

func NewValidator(
	config configuration.ValidatorConfig,
	n *node.Node,
	jobs store.JobRepository,
	registerer prometheus.Registerer,
	clk clock.Clock,
) *Validator {
	recruitment := withRecruitmentDefaults(config.Recruitment)
	config.Recruitment = recruitment

	metrics := NewMetrics(registerer)
	correlator := NewCorrelator(n, recruitment.OfferTimeout, clk, metrics)
	orchestrator := NewOrchestrator(n, n, correlator, jobs, recruitment, clk, metrics)
	v := &Validator{
		node:         n,
		correlator:   correlator,
		orchestrator: orchestrator,
		metrics:      metrics,
		tasks:        task.NewBackgroundTaskManager(MetricPrefix, registerer),
		config:       config,
	}
	v.queue = NewJobQueue(recruitment.QueueSize, recruitment.JobWorkers, v.recruit)

	factory := promauto.With(registerer)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: MetricPrefix + "pending_offers",
		Help: "Module offers waiting for a reply",
	}, func() float64 { return float64(correlator.Pending()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: MetricPrefix + "queued_jobs",
		Help: "Jobs waiting for recruitment",
	}, func() float64 { return float64(v.queue.Len()) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: MetricPrefix + "known_peers",
		Help: "Peers in the directory",
	}, func() float64 { return float64(n.Directory().Len()) })
	return v
}

func withRecruitmentDefaults(config configuration.RecruitmentConfig) configuration.RecruitmentConfig {
	if config.OfferTimeout <= 0 {
		config.OfferTimeout = 5 * time.Second
	}
	if config.Rounds < 1 {
		config.Rounds = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = 100
	}
	if config.JobWorkers < 1 {
		config.JobWorkers = 1
	}
	return config
}

// Run serves the validator until ctx is cancelled.
func (v *Validator) Run(ctx *nodecontext.Context) error {
	if err := v.node.Listen(v.HandleMessage); err != nil {
		return err
	}
	v.node.Announce(ctx, v.config.BootstrapPeers)

	if v.config.StatsRefreshInterval > 0 {
		v.tasks.Register(v.node.RefreshStats, v.config.StatsRefreshInterval, "stats_refresh")
	}
	defer func() {
		if v.tasks.StopAll(taskShutdownTimeout) {
			ctx.Log.Warn("background tasks did not stop in time")
		}
	}()

	ctx.Log.WithFields(logrus.Fields{"id": v.node.Id(), "workers": v.config.Recruitment.JobWorkers}).Info("validator started")
	return v.queue.Run(ctx)
}

// CreateJob recruits job synchronously.
func (v *Validator) CreateJob(ctx *nodecontext.Context, job *api.Job) (*api.Assignment, error) {
	return v.orchestrator.CreateJob(ctx, job)
}

func (v *Validator) recruit(ctx *nodecontext.Context, job *api.Job) {
	if _, err := v.orchestrator.CreateJob(ctx, job); err != nil {
		ctx.Log.WithError(err).WithField("job", job.Id).Error("job recruitment finished with errors")
	}
}
