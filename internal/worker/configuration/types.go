package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/pkg/api"
)

type WorkerConfig struct {
	NodeId      api.PeerId `validate:"required"`
	MetricsPort uint16
	LogLevel    string
	// Validators greeted on startup. A worker only receives offers from validators that know it.
	Validators []api.PeerId `validate:"min=1"`
	// Memory available to modules, e.g. 16Gi.
	Memory resource.Quantity
	// Workers that are not training report themselves unavailable and decline every offer.
	Training bool
	// How long memory stays reserved for an accepted module. Zero reserves it until restart.
	ReservationTTL time.Duration `validate:"gte=0"`
	Nats           transport.NatsConfig
}
