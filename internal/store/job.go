package store

import (
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/pkg/errors"

	"github.com/tensorlink/validator/internal/common/nodeerrors"
	"github.com/tensorlink/validator/pkg/api"
)

const jobObjectPrefix = "Job:"

type RecordStatus string

const (
	// RecordRecruiting marks the draft written before recruitment starts.
	RecordRecruiting RecordStatus = "recruiting"
	RecordComplete   RecordStatus = "complete"
	RecordPartial    RecordStatus = "partial"
	RecordFailed     RecordStatus = "failed"
)

// RecordStatusFor maps the status of a finished assignment to the status of its record.
func RecordStatusFor(status api.AssignmentStatus) RecordStatus {
	switch status {
	case api.AssignmentComplete:
		return RecordComplete
	case api.AssignmentPartial:
		return RecordPartial
	default:
		return RecordFailed
	}
}

// JobRecord is one recruitment of a job. Submitting the same job twice produces two records
// with different recruitment ids.
type JobRecord struct {
	RecruitmentId string          `json:"recruitment_id"`
	Job           *api.Job        `json:"job"`
	Status        RecordStatus    `json:"status"`
	Assignment    *api.Assignment `json:"assignment,omitempty"`
	Created       time.Time       `json:"created"`
	Updated       time.Time       `json:"updated"`
}

type JobRepository interface {
	// StoreJob writes record, replacing any earlier version of the same recruitment.
	StoreJob(record *JobRecord) error
	// GetJobRecords returns every recruitment of a job keyed by recruitment id.
	GetJobRecords(jobId string) (map[string]*JobRecord, error)
}

type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
}

// RedisJobRepository keeps all recruitments of a job in one hash, Job:<job id>, with one field
// per recruitment id.
type RedisJobRepository struct {
	db    redis.UniversalClient
	retry RetryConfig
}

func NewRedisJobRepository(db redis.UniversalClient, retryConfig RetryConfig) *RedisJobRepository {
	if retryConfig.Attempts == 0 {
		retryConfig.Attempts = 1
	}
	return &RedisJobRepository{db: db, retry: retryConfig}
}

func (r *RedisJobRepository) StoreJob(record *JobRecord) error {
	if record.Job == nil || record.Job.Id == "" || record.RecruitmentId == "" {
		return errors.WithStack(&nodeerrors.ErrInvalidArgument{
			Name:    "record",
			Value:   record.RecruitmentId,
			Message: "job records need a job id and a recruitment id",
		})
	}
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WithStack(err)
	}
	err = retry.Do(
		func() error {
			return r.db.HSet(jobKey(record.Job.Id), record.RecruitmentId, data).Err()
		},
		retry.Attempts(r.retry.Attempts),
		retry.Delay(r.retry.Delay),
		retry.LastErrorOnly(true),
	)
	return errors.Wrapf(err, "storing job %s recruitment %s", record.Job.Id, record.RecruitmentId)
}

func (r *RedisJobRepository) GetJobRecords(jobId string) (map[string]*JobRecord, error) {
	result, err := r.db.HGetAll(jobKey(jobId)).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if len(result) == 0 {
		return nil, errors.WithStack(&nodeerrors.ErrNotFound{Type: "job", Value: jobId})
	}
	records := make(map[string]*JobRecord, len(result))
	for recruitmentId, data := range result {
		record := &JobRecord{}
		if err := json.Unmarshal([]byte(data), record); err != nil {
			return nil, errors.Wrapf(err, "decoding job %s recruitment %s", jobId, recruitmentId)
		}
		records[recruitmentId] = record
	}
	return records, nil
}

func jobKey(jobId string) string {
	return jobObjectPrefix + jobId
}
