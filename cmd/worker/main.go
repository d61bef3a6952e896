package main

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tensorlink/validator/internal/common"
	"github.com/tensorlink/validator/internal/common/app"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/internal/worker"
	"github.com/tensorlink/validator/internal/worker/configuration"
	"github.com/tensorlink/validator/pkg/api"
)

func init() {
	pflag.String(common.CustomConfigLocation, "", "Fully qualified path to application configuration file")
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.WorkerConfig
	userSpecifiedConfig := viper.GetString(common.CustomConfigLocation)
	common.LoadConfig(&config, "./config/worker", userSpecifiedConfig)
	common.ConfigureLogLevel(config.LogLevel)

	ctx := app.CreateContextWithShutdown("worker")
	log.Infof("Starting worker %s with %s memory", config.NodeId, config.Memory.String())

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	t, err := transport.NewNatsTransport(config.NodeId, config.Nats)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to nats")
	}
	defer t.Close()

	n := node.NewNode(api.RoleWorker, t, directory.NewDirectory(0))
	w := worker.NewWorker(config, n, prometheus.DefaultRegisterer)
	if err := w.Run(ctx); err != nil {
		log.WithError(err).Error("worker stopped")
	}
}
