// Package client submits jobs to a validator on behalf of a user.
package client

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/pkg/api"
)

// Submitter sends job requests to a single validator and waits for the assignments.
type Submitter struct {
	node      *node.Node
	validator api.PeerId

	mu      sync.Mutex
	waiting map[string]chan *api.Assignment
}

// NewSubmitter starts listening on n. n must not have a listener yet.
func NewSubmitter(n *node.Node, validator api.PeerId) (*Submitter, error) {
	s := &Submitter{
		node:      n,
		validator: validator,
		waiting:   map[string]chan *api.Assignment{},
	}
	if err := n.Listen(s.handleMessage); err != nil {
		return nil, err
	}
	return s, nil
}

// Submit sends job to the validator and returns the assignment it answers with. Only one
// submission per job id may be in flight.
func (s *Submitter) Submit(ctx context.Context, job *api.Job) (*api.Assignment, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	result, err := s.await(job.Id)
	if err != nil {
		return nil, err
	}
	defer s.forget(job.Id)

	if err := s.node.Send(ctx, s.validator, api.TagHello, api.Hello{Role: api.RoleUser}); err != nil {
		return nil, err
	}
	if err := s.node.Send(ctx, s.validator, api.TagJobRequest, job); err != nil {
		return nil, err
	}

	select {
	case assignment := <-result:
		return assignment, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for assignment of job %s", job.Id)
	}
}

func (s *Submitter) await(jobId string) (chan *api.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[jobId]; ok {
		return nil, errors.WithStack(&nodeerrors.ErrAlreadyExists{Type: "submission", Value: jobId})
	}
	result := make(chan *api.Assignment, 1)
	s.waiting[jobId] = result
	return result, nil
}

func (s *Submitter) forget(jobId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.waiting, jobId)
}

func (s *Submitter) handleMessage(from api.PeerId, data []byte) (bool, error) {
	tag, payload, ok := api.Split(data)
	if !ok || tag != api.TagJobAssignment {
		return s.node.HandleMessage(from, data)
	}
	if from != s.validator {
		return true, errors.WithStack(&nodeerrors.ErrUnexpectedSender{Peer: string(from), Tag: string(tag)})
	}
	assignment := &api.Assignment{}
	if err := api.Decode(tag, payload, assignment); err != nil {
		return true, err
	}

	s.mu.Lock()
	result, ok := s.waiting[assignment.JobId]
	s.mu.Unlock()
	if !ok {
		s.node.Log().WithFields(log.Fields{"from": from, "job": assignment.JobId}).Debug("dropping assignment nobody is waiting for")
		return true, nil
	}
	select {
	case result <- assignment:
	default:
	}
	return true, nil
}
