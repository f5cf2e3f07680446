package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	"github.com/Global-Witness/augmenta/internal/config"
	"github.com/Global-Witness/augmenta/internal/extract"
	"github.com/Global-Witness/augmenta/internal/llm"
	"github.com/Global-Witness/augmenta/internal/pipeline"
	"github.com/Global-Witness/augmenta/internal/resume"
	"github.com/Global-Witness/augmenta/internal/search"
	"github.com/Global-Witness/augmenta/internal/store"
	"github.com/Global-Witness/augmenta/pkg/log"
)

type runFlags struct {
	noCache      bool
	jobID        string
	noAutoResume bool
	yes          bool
	workers      int
	schedule     string
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run an augmentation task",
		Long: "Runs the task described by the configuration file. Unless --no-cache " +
			"is given, finished rows are cached and an interrupted run with the " +
			"same configuration and input offers to resume.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, args[0], flags)
		},
	}

	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "disable caching and resumption")
	cmd.Flags().StringVar(&flags.jobID, "resume", "", "resume a specific job id")
	cmd.Flags().BoolVar(&flags.noAutoResume, "no-auto-resume", false, "never look for an unfinished job to resume")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "resume without asking")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "override the configured worker count")
	cmd.Flags().StringVar(&flags.schedule, "schedule", "", "re-run on a cron schedule instead of once")
	return cmd
}

func runTask(cmd *cobra.Command, configPath string, flags runFlags) error {
	cfg, raw, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if flags.workers > 0 {
		cfg.Workers = flags.workers
	}

	creds, err := config.LoadCredentials(cfg)
	if err != nil {
		return err
	}

	searchInterval := time.Duration(cfg.Search.RateLimit * float64(time.Second))
	searcher, err := search.NewSearcher(cfg.Search.Engine, creds.SearchAPIKey, searchInterval)
	if err != nil {
		return err
	}

	completer, err := llm.NewClient(llm.Config{
		APIKey:      creds.LLMAPIKey,
		BaseURL:     creds.LLMBaseURL,
		Model:       cfg.Model.Name,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Timeout:     time.Duration(cfg.Model.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return err
	}

	opts := pipeline.Options{
		Config:    cfg,
		RawConfig: raw,
		Searcher:  searcher,
		Extractor: extract.NewHTTPExtractor(),
		Completer: completer,
		OnProgress: func(p pipeline.Progress) {
			fmt.Fprintf(os.Stderr, "\r[%d/%d] %s\033[K", p.Done, p.Total, p.RowQuery)
		},
	}

	if !flags.noCache {
		path, err := store.DefaultPath()
		if err != nil {
			return err
		}
		s, err := store.New(path)
		if err != nil {
			return fmt.Errorf("open process store: %w", err)
		}
		defer func() {
			if err := s.Close(); err != nil {
				log.Error("closing process store: %v", err)
			}
		}()
		opts.Store = s
		opts.Resolver = resume.NewResolver(s, cmd.InOrStdin(), cmd.OutOrStdout())
	}

	p, err := pipeline.New(opts)
	if err != nil {
		return err
	}

	runOpts := pipeline.RunOptions{
		AutoResume:    !flags.noCache && !flags.noAutoResume,
		ExplicitJobID: flags.jobID,
		AssumeYes:     flags.yes,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runOnce := func(ctx context.Context) error {
		result, err := p.Run(ctx, runOpts)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Done: %d rows (%d from cache, %d failed)\n",
			result.Total, result.FromCache, result.Failed)
		if cfg.OutputCSV != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Output written to %s\n", cfg.OutputCSV)
		}
		return nil
	}

	if flags.schedule == "" {
		return runOnce(ctx)
	}

	// Scheduled mode re-runs the task on a cron expression. Overlapping
	// triggers collapse into the run already in flight.
	runOpts.AssumeYes = true
	var group singleflight.Group
	scheduler := cron.New()
	_, err = scheduler.AddFunc(flags.schedule, func() {
		_, _, _ = group.Do("run", func() (any, error) {
			if err := runOnce(ctx); err != nil {
				log.Error("scheduled run failed: %v", err)
			}
			return nil, nil
		})
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", flags.schedule, err)
	}

	log.Info("scheduled with %q, waiting for first trigger", flags.schedule)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}
