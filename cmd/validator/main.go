package main

import (
	"github.com/go-redis/redis"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/utils/clock"

	"github.com/tensorlink/validator/internal/common"
	"github.com/tensorlink/validator/internal/common/app"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/store"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/internal/validator"
	"github.com/tensorlink/validator/internal/validator/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

func init() {
	pflag.String(common.CustomConfigLocation, "", "Fully qualified path to application configuration file")
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ValidatorConfig
	userSpecifiedConfig := viper.GetString(common.CustomConfigLocation)
	common.LoadConfig(&config, "./config/validator", userSpecifiedConfig)
	common.ConfigureLogLevel(config.LogLevel)

	ctx := app.CreateContextWithShutdown("validator")
	log.Infof("Starting validator %s", config.NodeId)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}()

	t, err := transport.NewNatsTransport(config.NodeId, config.Nats)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to nats")
	}
	defer t.Close()

	n := node.NewNode(api.RoleValidator, t, directory.NewDirectory(config.StatsTTL))
	v := validator.NewValidator(
		config,
		n,
		store.NewRedisJobRepository(db, config.StoreRetry),
		prometheus.DefaultRegisterer,
		clock.RealClock{},
	)
	if err := v.Run(ctx); err != nil {
		log.WithError(err).Error("validator stopped")
	}
}
