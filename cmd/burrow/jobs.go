package main

import (
	"fmt"
	"strings"

	"github.com/cuemby/burrow/pkg/processing"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect tracked jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the records of tracked jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := trackedJobs(store)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tracked jobs.")
			return nil
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(jobs)
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd)
}

type jobEntry struct {
	ID     string          `yaml:"id"`
	Image  string          `yaml:"image,omitempty"`
	Record types.JobRecord `yaml:"record"`
}

func trackedJobs(store storage.RecordStore) ([]jobEntry, error) {
	keys, err := store.List(processing.JobsFolder + "/")
	if err != nil {
		return nil, err
	}

	var jobs []jobEntry
	for _, key := range keys {
		parts := strings.Split(key, "/")
		if len(parts) != 3 || parts[1] != parts[2] {
			continue
		}

		var rec types.JobRecord
		found, err := store.Get(key, &rec)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		entry := jobEntry{ID: parts[1], Record: rec}
		if rec.Data != nil {
			entry.Image = rec.Data.Processor.ImageTag
		}
		jobs = append(jobs, entry)
	}
	return jobs, nil
}
