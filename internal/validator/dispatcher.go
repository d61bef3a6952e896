package validator

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

// HandleMessage routes an inbound message from peer from. Validator specific tags are handled
// here; everything else falls through to the base node. It reports false for messages that no
// handler recognises.
func (v *Validator) HandleMessage(from api.PeerId, data []byte) (handled bool, err error) {
	tag, payload, ok := api.Split(data)
	if !ok {
		return v.node.HandleMessage(from, data)
	}
	defer func() {
		if err != nil {
			v.metrics.recordMessageError(tag)
			v.node.Log().WithFields(log.Fields{"from": from, "tag": tag}).WithError(err).Warn("failed to handle message")
		}
	}()

	switch tag {
	case api.TagAcceptJob:
		return true, v.handleAccept(from, payload)
	case api.TagDeclineJob:
		return true, v.handleDecline(from, payload)
	case api.TagJobRequest:
		return true, v.handleJobRequest(from, payload)
	default:
		return v.node.HandleMessage(from, data)
	}
}

func (v *Validator) handleAccept(from api.PeerId, payload []byte) error {
	if err := v.expectRole(from, api.TagAcceptJob, api.RoleWorker); err != nil {
		return err
	}
	var reply api.OfferReply
	if err := api.Decode(api.TagAcceptJob, payload, &reply); err != nil {
		return err
	}
	if v.correlator.Resolve(from, reply) {
		return nil
	}
	entry := v.node.Log().WithFields(log.Fields{"from": from, "recruitment": reply.RecruitmentId, "module": reply.ModuleId})
	if outcome, ok := v.correlator.Finished(OfferKey{RecruitmentId: reply.RecruitmentId, ModuleId: reply.ModuleId}); ok {
		entry.Debugf("dropping acceptance of %s offer", outcome)
	} else {
		entry.Debug("dropping acceptance with no matching offer")
	}
	return nil
}

// handleDecline only records the decline. The offer stays pending until it times out.
func (v *Validator) handleDecline(from api.PeerId, payload []byte) error {
	var reply api.OfferReply
	if err := api.Decode(api.TagDeclineJob, payload, &reply); err != nil {
		return err
	}
	v.metrics.recordDecline()
	v.node.Log().WithFields(log.Fields{"from": from, "recruitment": reply.RecruitmentId, "module": reply.ModuleId}).
		Debug("worker declined module")
	return nil
}

func (v *Validator) handleJobRequest(from api.PeerId, payload []byte) error {
	// Workers and validators only receive job requests from us; one arriving from them means the
	// message travelled the wrong way.
	if record, err := v.node.Lookup(from); err == nil && (record.Role == api.RoleWorker || record.Role == api.RoleValidator) {
		return errors.WithStack(&nodeerrors.ErrUnexpectedSender{Peer: string(from), Role: string(record.Role), Tag: string(api.TagJobRequest)})
	}

	job := &api.Job{}
	if err := api.Decode(api.TagJobRequest, payload, job); err != nil {
		return err
	}
	if job.Author == "" {
		job.Author = from
	}
	if job.Author != from {
		err := errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "author",
			Value:   string(job.Author),
			Message: "job author must be the peer submitting it",
		})
		v.reject(from, job, err)
		return err
	}
	if err := job.Validate(); err != nil {
		v.reject(from, job, err)
		return err
	}

	if err := v.queue.Submit(job); err != nil {
		v.reject(from, job, err)
		return nil
	}
	v.node.Log().WithFields(log.Fields{"from": from, "job": job.Id}).Infof("queued job with modules %v", job.ModuleIds())
	return nil
}

// reject answers a job request that will not be recruited.
func (v *Validator) reject(to api.PeerId, job *api.Job, cause error) {
	assignment := &api.Assignment{JobId: job.Id, Status: api.AssignmentRejected, Message: cause.Error()}
	v.metrics.recordJob(api.AssignmentRejected, 0)
	if err := v.node.Send(context.Background(), to, api.TagJobAssignment, assignment); err != nil {
		v.node.Log().WithError(err).Warnf("failed to reject job %s", job.Id)
	}
}

func (v *Validator) expectRole(from api.PeerId, tag api.Tag, role api.Role) error {
	record, err := v.node.Lookup(from)
	if err != nil {
		return errors.WithStack(&nodeerrors.ErrUnexpectedSender{Peer: string(from), Tag: string(tag)})
	}
	if record.Role != role {
		return errors.WithStack(&nodeerrors.ErrUnexpectedSender{Peer: string(from), Role: string(record.Role), Tag: string(tag)})
	}
	return nil
}
