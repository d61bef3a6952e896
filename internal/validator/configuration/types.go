package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/tensorlink/validator/internal/store"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/pkg/api"
)

type ValidatorConfig struct {
	NodeId      api.PeerId `validate:"required"`
	MetricsPort uint16
	LogLevel    string
	// Peers greeted on startup so they learn this node is a validator.
	BootstrapPeers []api.PeerId
	// How often every known worker is asked for fresh stats, in addition to the refresh at the
	// start of each job. Zero disables the periodic refresh.
	StatsRefreshInterval time.Duration `validate:"gte=0"`
	// Worker stats older than this are treated as unknown. Zero keeps stats forever.
	StatsTTL    time.Duration `validate:"gte=0"`
	Nats        transport.NatsConfig
	Redis       redis.UniversalOptions
	StoreRetry  store.RetryConfig
	Recruitment RecruitmentConfig
}

type RecruitmentConfig struct {
	// How long a worker has to accept a module offer.
	OfferTimeout time.Duration `validate:"gt=0"`
	// Pause between requesting fresh worker stats and scanning the directory.
	StatsSettleDelay time.Duration `validate:"gte=0"`
	// Upper bound on the recruitment of one job. Zero means no bound.
	JobTimeout time.Duration `validate:"gte=0"`
	// Number of scans over the directory. Later rounds offer the modules still unassigned to
	// workers that have not been offered anything for this job yet.
	Rounds int `validate:"gte=1"`
	// Jobs waiting for recruitment beyond this are rejected.
	QueueSize int `validate:"gte=1"`
	// Number of jobs recruited concurrently.
	JobWorkers int `validate:"gte=1"`
}
