package cmd

import (
	"fmt"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"

	"github.com/tensorlink/validator/internal/store"
)

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records <job id>",
		Short: "Show every recruitment stored for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, _ := cmd.Flags().GetStringSlice("redis")
			output, _ := cmd.Flags().GetString("output")
			db := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: addrs})
			defer db.Close()

			records, err := store.NewRedisJobRepository(db, store.RetryConfig{}).GetJobRecords(args[0])
			if err != nil {
				return err
			}
			return printRecords(cmd, sortedRecords(records), output)
		},
	}
	cmd.Flags().StringSlice("redis", []string{"localhost:6379"}, "Redis addresses of the validator's store")
	cmd.Flags().StringP("output", "o", "table", "Output format, table or yaml")
	return cmd
}

// sortedRecords orders records by recruitment id. Recruitment ids are ULIDs, so this is
// creation order.
func sortedRecords(records map[string]*store.JobRecord) []*store.JobRecord {
	ids := maps.Keys(records)
	slices.Sort(ids)
	result := make([]*store.JobRecord, 0, len(ids))
	for _, id := range ids {
		result = append(result, records[id])
	}
	return result
}

func printRecords(cmd *cobra.Command, records []*store.JobRecord, output string) error {
	out := cmd.OutOrStdout()
	switch output {
	case "yaml":
		data, err := yaml.Marshal(records)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = out.Write(data)
		return errors.WithStack(err)
	case "table":
		for _, record := range records {
			fmt.Fprintf(out, "%s\t%s\t%s\n", record.RecruitmentId, record.Status, record.Updated.Format("2006-01-02T15:04:05Z07:00"))
			if record.Assignment != nil {
				printAssignment(out, record.Assignment)
			}
		}
		return nil
	default:
		return errors.Errorf("unknown output format %q", output)
	}
}
