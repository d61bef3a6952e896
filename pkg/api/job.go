package api

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
)

// Validate checks that the job can be recruited for.
func (j *Job) Validate() error {
	if j.Id == "" {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "id",
			Value:   j.Id,
			Message: "job id must not be empty",
		})
	}
	if len(j.Distribution) == 0 {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "distribution",
			Value:   j.Id,
			Message: "job has no modules",
		})
	}
	seen := make(map[string]bool, len(j.Distribution))
	for i, m := range j.Distribution {
		if m.Id == "" {
			return errors.WithStack(&nodeerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("distribution[%d].module_id", i),
				Value:   m.Id,
				Message: "module id must not be empty",
			})
		}
		if m.Size < 0 {
			return errors.WithStack(&nodeerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("distribution[%d].size", i),
				Value:   m.Size,
				Message: "module size must not be negative",
			})
		}
		if seen[m.Id] {
			return errors.WithStack(&nodeerrors.ErrInvalidArgument{
				Name:    fmt.Sprintf("distribution[%d].module_id", i),
				Value:   m.Id,
				Message: "module ids must be unique within a job",
			})
		}
		seen[m.Id] = true
	}
	return nil
}

// ModuleIds returns the module ids of the job in distribution order.
func (j *Job) ModuleIds() []string {
	ids := make([]string, len(j.Distribution))
	for i, m := range j.Distribution {
		ids[i] = m.Id
	}
	return ids
}
