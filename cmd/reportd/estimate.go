package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"reportd/internal/domain"
	"reportd/internal/progress"
	"reportd/internal/workspace"
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate the progress of a job directory",
	Long: `Estimate reads the output files and log of a job directory and prints
the progress estimate as JSON. It needs no running supervisor.`,
	Args: cobra.NoArgs,
	RunE: runEstimate,
}

var (
	estimateDir     string
	estimateName    string
	estimateStart   int
	estimateEnd     int
	estimateStarted string
	estimateStatus  string
	estimateNow     func() time.Time = time.Now
)

func init() {
	rootCmd.AddCommand(estimateCmd)

	estimateCmd.Flags().StringVar(&estimateDir, "dir", "", "Job base directory")
	estimateCmd.Flags().StringVar(&estimateName, "name", "", "Region name")
	estimateCmd.Flags().IntVar(&estimateStart, "start", 0, "First year of the job")
	estimateCmd.Flags().IntVar(&estimateEnd, "end", 0, "Last year of the job")
	estimateCmd.Flags().StringVar(&estimateStarted, "started", "", "Time the job started (RFC3339)")
	estimateCmd.Flags().StringVar(&estimateStatus, "status", string(domain.StatusInProgress), "Job status")
	_ = estimateCmd.MarkFlagRequired("dir")
	_ = estimateCmd.MarkFlagRequired("name")
	_ = estimateCmd.MarkFlagRequired("start")
	_ = estimateCmd.MarkFlagRequired("end")
}

func runEstimate(cmd *cobra.Command, args []string) error {
	if estimateEnd < estimateStart {
		return fmt.Errorf("--end (%d) is before --start (%d)", estimateEnd, estimateStart)
	}
	status := domain.Status(strings.TrimSpace(estimateStatus))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", estimateStatus)
	}

	job := &domain.Job{
		Name:      estimateName,
		Status:    status,
		StartYear: estimateStart,
		EndYear:   estimateEnd,
		BaseDir:   estimateDir,
	}
	if estimateStarted != "" {
		started, err := time.Parse(time.RFC3339, estimateStarted)
		if err != nil {
			return fmt.Errorf("parse --started: %w", err)
		}
		job.Started = &started
	}

	p := progress.NewEstimator(progress.DefaultHeuristics()).Estimate(workspace.ProgressInput(job, estimateNow()))

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
