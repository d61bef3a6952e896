package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/renstrom/shortuuid"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/yaml"

	"github.com/tensorlink/validator/internal/client"
	"github.com/tensorlink/validator/internal/directory"
	"github.com/tensorlink/validator/internal/node"
	"github.com/tensorlink/validator/internal/transport"
	"github.com/tensorlink/validator/pkg/api"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit ./path/to/job.yaml",
		Short: "Submit a job to a validator and wait for its assignment",
		Long: `Submit a job from a YAML or JSON file.

Example job.yaml:

  id: resnet-1
  capacity: 16
  dp_factor: 1
  distribution:
    - module_id: encoder
      size: 8
    - module_id: head
      size: 2
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := readJob(args[0])
			if err != nil {
				return err
			}
			servers, _ := cmd.Flags().GetStringSlice("nats")
			validatorId, _ := cmd.Flags().GetString("validator")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			userId := api.PeerId("user-" + shortuuid.New())
			job.Author = userId
			t, err := transport.NewNatsTransport(userId, transport.NatsConfig{Servers: servers})
			if err != nil {
				return err
			}
			defer t.Close()

			submitter, err := client.NewSubmitter(node.NewNode(api.RoleUser, t, directory.NewDirectory(0)), api.PeerId(validatorId))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			assignment, err := submitter.Submit(ctx, job)
			if err != nil {
				return err
			}
			printAssignment(cmd.OutOrStdout(), assignment)
			return nil
		},
	}
	return cmd
}

// readJob reads a job file, giving the job a random id if it has none.
func readJob(path string) (*api.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	job := &api.Job{}
	if err := yaml.NewYAMLOrJSONDecoder(f, 128).Decode(job); err != nil {
		return nil, errors.Wrapf(err, "reading job from %s", path)
	}
	if job.Id == "" {
		job.Id = uuid.NewString()
	}
	return job, job.Validate()
}

func printAssignment(out io.Writer, assignment *api.Assignment) {
	fmt.Fprintf(out, "Job %s (recruitment %s): %s\n", assignment.JobId, assignment.RecruitmentId, assignment.Status)
	if assignment.Message != "" {
		fmt.Fprintln(out, assignment.Message)
	}
	if len(assignment.Modules) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tWORKER\tREASON")
	for _, m := range assignment.Modules {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ModuleId, m.WorkerId, m.Reason)
	}
	_ = w.Flush()
}
