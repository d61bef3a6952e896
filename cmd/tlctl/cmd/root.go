package cmd

import (
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tlctl",
		Short: "tlctl submits training jobs to a TensorLink validator.",
	}
	cmd.PersistentFlags().StringSlice("nats", []string{"nats://localhost:4222"}, "NATS servers to connect through")
	cmd.PersistentFlags().String("validator", "validator-1", "Id of the validator to talk to")
	cmd.PersistentFlags().Duration("timeout", time.Minute, "How long to wait for an answer")

	cmd.AddCommand(
		submitCmd(),
		recordsCmd(),
	)
	return cmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
