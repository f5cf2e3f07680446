package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Global-Witness/augmenta/internal/store"
)

func newPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old jobs and their cached rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, olderThan)
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 720*time.Hour, "delete jobs not updated within this duration (0 deletes everything)")
	return cmd
}

func runPurge(cmd *cobra.Command, olderThan time.Duration) error {
	path, err := store.DefaultPath()
	if err != nil {
		return err
	}
	s, err := store.New(path)
	if err != nil {
		return fmt.Errorf("open process store: %w", err)
	}
	defer s.Close()

	removed, err := s.CleanupOlderThan(cmd.Context(), olderThan)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s)\n", removed)
	return nil
}
