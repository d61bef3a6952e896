package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodecontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is
// received. Its logger carries the application name.
func CreateContextWithShutdown(appName string) *nodecontext.Context {
	ctx, cancel := context.WithCancel(context.Background())
	log := logrus.StandardLogger().WithField("app", appName)
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			log.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return nodecontext.New(ctx, log)
}
