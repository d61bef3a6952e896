package validator

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/tensorlink/validator/internal/common/nodecontext"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/store"
	"github.com/tensorlink/validator/internal/validator/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

// Reasons reported for modules left without a worker.
const (
	ReasonNoCapacity    = "no capacity"
	ReasonTimedOut      = "timed out"
	ReasonUndeliverable = "undeliverable"
	ReasonCancelled     = "cancelled"
	ReasonUnknownPeer   = "unknown peer"
)

var outcomeReasons = map[OfferOutcome]string{
	OfferTimedOut:      ReasonTimedOut,
	OfferUndeliverable: ReasonUndeliverable,
	OfferCancelled:     ReasonCancelled,
}

// Peers is the view of the node directory used for recruitment.
type Peers interface {
	Snapshot() []*directory.PeerRecord
	Lookup(id api.PeerId) (*directory.PeerRecord, error)
	RefreshStats(ctx context.Context)
}

// Orchestrator recruits workers for the modules of a job.
type Orchestrator struct {
	peers      Peers
	sender     Sender
	correlator *Correlator
	jobs       store.JobRepository
	config     configuration.RecruitmentConfig
	clock      clock.Clock
	metrics    *Metrics
}

func NewOrchestrator(
	peers Peers,
	sender Sender,
	correlator *Correlator,
	jobs store.JobRepository,
	config configuration.RecruitmentConfig,
	clk clock.Clock,
	metrics *Metrics,
) *Orchestrator {
	if config.Rounds < 1 {
		config.Rounds = 1
	}
	return &Orchestrator{
		peers:      peers,
		sender:     sender,
		correlator: correlator,
		jobs:       jobs,
		config:     config,
		clock:      clk,
		metrics:    metrics,
	}
}

// CreateJob recruits a worker for every module of job, replies to the job author with the
// resulting assignment and persists it. Modules that could not be recruited are reported in the
// assignment, not as an error; the returned error only covers the reply and the final write.
func (o *Orchestrator) CreateJob(parent *nodecontext.Context, job *api.Job) (*api.Assignment, error) {
	start := o.clock.Now()
	recruitmentId := api.NewRecruitmentId()
	ctx := nodecontext.WithLogFields(parent, logrus.Fields{"job": job.Id, "recruitment": recruitmentId})
	modules := slices.Clone(job.Distribution)

	record := &store.JobRecord{
		RecruitmentId: recruitmentId,
		Job:           job,
		Status:        store.RecordRecruiting,
		Created:       start,
		Updated:       start,
	}
	if err := o.jobs.StoreJob(record); err != nil {
		ctx.Log.WithError(err).Warn("failed to store job draft, continuing with recruitment")
	}

	recruitCtx, cancel := nodecontext.WithTimeout(ctx, o.config.JobTimeout)
	defer cancel()

	o.peers.RefreshStats(recruitCtx)
	o.sleep(recruitCtx, o.config.StatsSettleDelay)

	results := o.recruit(recruitCtx, recruitmentId, job.Id, modules)
	assignment := o.assemble(ctx, recruitmentId, job, results)

	var result *multierror.Error
	if err := o.sender.Send(ctx, job.Author, api.TagJobAssignment, assignment); err != nil {
		result = multierror.Append(result, errors.WithMessagef(err, "replying to job author %s", job.Author))
	}

	record.Status = store.RecordStatusFor(assignment.Status)
	record.Assignment = assignment
	record.Updated = o.clock.Now()
	if err := o.jobs.StoreJob(record); err != nil {
		result = multierror.Append(result, err)
	}

	o.metrics.recordJob(assignment.Status, o.clock.Since(start))
	ctx.Log.Infof("recruited %d of %d modules, job is %s", assignment.AssignedCount(), len(modules), assignment.Status)
	return assignment, result.ErrorOrNil()
}

// recruit runs up to config.Rounds first-fit scans over the directory. A peer receives at most
// one offer per job, so accepted modules always land on distinct workers.
func (o *Orchestrator) recruit(ctx *nodecontext.Context, recruitmentId, jobId string, modules []api.Module) map[string]OfferResult {
	results := make(map[string]OfferResult, len(modules))
	offered := make(map[api.PeerId]bool)
	remaining := modules

	for round := 1; round <= o.config.Rounds && len(remaining) > 0; round++ {
		if ctx.Err() != nil {
			ctx.Log.WithError(ctx.Err()).Warnf("abandoning recruitment before round %d", round)
			break
		}
		offers := firstFit(o.peers.Snapshot(), remaining, offered)
		if len(offers) == 0 {
			ctx.Log.Infof("no capacity for %d remaining modules in round %d", len(remaining), round)
			break
		}
		ctx.Log.Debugf("round %d: offering %d of %d remaining modules", round, len(offers), len(remaining))

		for i, result := range o.fanOut(ctx, recruitmentId, jobId, offers) {
			offered[offers[i].peer] = true
			results[offers[i].module.Id] = result
		}

		var next []api.Module
		for _, module := range remaining {
			if result, ok := results[module.Id]; !ok || result.Outcome != OfferAccepted {
				next = append(next, module)
			}
		}
		remaining = next
	}
	return results
}

// fanOut sends every offer concurrently and waits for all of them.
func (o *Orchestrator) fanOut(ctx *nodecontext.Context, recruitmentId, jobId string, offers []plannedOffer) []OfferResult {
	results := make([]OfferResult, len(offers))
	g, groupCtx := nodecontext.ErrGroup(ctx)
	for i, planned := range offers {
		i, planned := i, planned
		g.Go(func() error {
			offerCtx := nodecontext.WithLogFields(groupCtx, logrus.Fields{"module": planned.module.Id, "worker": planned.peer})
			results[i] = o.correlator.Send(offerCtx, planned.peer, api.ModuleOffer{
				RecruitmentId: recruitmentId,
				JobId:         jobId,
				ModuleId:      planned.module.Id,
				ModuleSize:    planned.module.Size,
			})
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// assemble builds the assignment in distribution order. Every module gets a slot; modules
// without a worker carry the reason.
func (o *Orchestrator) assemble(ctx *nodecontext.Context, recruitmentId string, job *api.Job, results map[string]OfferResult) *api.Assignment {
	assignment := &api.Assignment{
		JobId:         job.Id,
		RecruitmentId: recruitmentId,
		Modules:       make([]api.ModuleAssignment, len(job.Distribution)),
	}

	var failures *multierror.Error
	for i, module := range job.Distribution {
		slot := api.ModuleAssignment{ModuleId: module.Id}
		result, offered := results[module.Id]
		switch {
		case !offered:
			slot.Reason = ReasonNoCapacity
		case result.Outcome != OfferAccepted:
			slot.Reason = outcomeReasons[result.Outcome]
		default:
			peer, err := o.peers.Lookup(result.Peer)
			if err != nil {
				slot.Reason = ReasonUnknownPeer
				failures = multierror.Append(failures, errors.WithMessagef(err, "module %s accepted by %s", module.Id, result.Peer))
				break
			}
			slot.WorkerId = peer.Id
		}
		if slot.Reason != "" && slot.Reason != ReasonUnknownPeer {
			failures = multierror.Append(failures, errors.Errorf("module %s: %s", module.Id, slot.Reason))
		}
		assignment.Modules[i] = slot
	}

	assigned := assignment.AssignedCount()
	assignment.Status = api.StatusFor(assigned, len(job.Distribution))
	if err := failures.ErrorOrNil(); err != nil {
		assignment.Message = fmt.Sprintf("%d of %d modules have no worker", len(job.Distribution)-assigned, len(job.Distribution))
		ctx.Log.WithError(err).Warn(assignment.Message)
	}
	return assignment
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := o.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
	case <-ctx.Done():
	}
}

type plannedOffer struct {
	module api.Module
	peer   api.PeerId
}

// firstFit pairs modules with peers: peers are scanned in directory order and each eligible
// peer is offered the next module in distribution order. Peers are not ranked and modules are
// not reordered, so a fixed snapshot always yields the same plan.
func firstFit(peers []*directory.PeerRecord, modules []api.Module, exclude map[api.PeerId]bool) []plannedOffer {
	var offers []plannedOffer
	next := 0
	for _, peer := range peers {
		if next == len(modules) {
			break
		}
		if exclude[peer.Id] || !peer.CanHost(modules[next].Size) {
			continue
		}
		offers = append(offers, plannedOffer{module: modules[next], peer: peer.Id})
		next++
	}
	return offers
}
