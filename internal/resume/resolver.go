// Package resume decides whether a run continues an unfinished job or
// starts a fresh one. It only ever offers jobs whose fingerprint matches
// the current configuration and dataset, which is the sole guard against
// mixing cached answers from an unrelated run.
package resume

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Global-Witness/augmenta/internal/store"
)

// ErrJobNotFound reports an explicit job id that does not exist in the
// store.
var ErrJobNotFound = errors.New("job not found")

// JobFinder is the slice of the process store the resolver needs.
type JobFinder interface {
	FindUnfinishedJob(ctx context.Context, fingerprint string) (*store.Job, error)
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
	ResumeJob(jobID string) error
}

// Options controls how a run resolves its job identity.
type Options struct {
	// Fingerprint identifies the logical job being started.
	Fingerprint string
	// AutoResume enables looking for a matching unfinished job.
	AutoResume bool
	// ExplicitJobID, when set, is used as-is without a lookup.
	ExplicitJobID string
	// AssumeYes skips the confirmation prompt (non-interactive runs).
	AssumeYes bool
}

// Resolver finds resumable jobs and asks the user before reusing them.
type Resolver struct {
	finder JobFinder
	in     io.Reader
	out    io.Writer
}

func NewResolver(finder JobFinder, in io.Reader, out io.Writer) *Resolver {
	return &Resolver{finder: finder, in: in, out: out}
}

// Resolve returns the job id to continue, or "" when the orchestrator
// should start a fresh job. An explicit job id short-circuits the lookup
// but must exist, so a typo fails before any collaborator work is spent;
// otherwise a matching unfinished job is offered and only reused after
// affirmative confirmation.
func (r *Resolver) Resolve(ctx context.Context, opts Options) (string, error) {
	if opts.ExplicitJobID != "" {
		job, err := r.finder.GetJob(ctx, opts.ExplicitJobID)
		if err != nil {
			return "", fmt.Errorf("look up job %s: %w", opts.ExplicitJobID, err)
		}
		if job == nil {
			return "", fmt.Errorf("job %s: %w", opts.ExplicitJobID, ErrJobNotFound)
		}
		if err := r.finder.ResumeJob(opts.ExplicitJobID); err != nil {
			return "", fmt.Errorf("resume job %s: %w", opts.ExplicitJobID, err)
		}
		return opts.ExplicitJobID, nil
	}
	if !opts.AutoResume {
		return "", nil
	}

	job, err := r.finder.FindUnfinishedJob(ctx, opts.Fingerprint)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", nil
	}

	fmt.Fprintln(r.out, Summary(job, time.Now()))
	if opts.AssumeYes {
		return job.ID, nil
	}

	ok, err := r.confirm("Would you like to resume this job? [y/N] ")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return job.ID, nil
}

func (r *Resolver) confirm(prompt string) (bool, error) {
	fmt.Fprint(r.out, prompt)
	reader := bufio.NewReader(r.in)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// Summary renders a human-readable description of an unfinished job:
// elapsed time bucketed into days, hours or minutes, plus row progress.
func Summary(job *store.Job, now time.Time) string {
	return fmt.Sprintf(
		"Found unfinished job from %s\nProgress: %d/%d rows (%.1f%%)",
		timeAgo(now.Sub(job.LastUpdated)),
		job.ProcessedRows,
		job.TotalRows,
		job.Progress(),
	)
}

func timeAgo(elapsed time.Duration) string {
	switch {
	case elapsed >= 24*time.Hour:
		return fmt.Sprintf("%d days ago", int(elapsed.Hours()/24))
	case elapsed >= time.Hour:
		return fmt.Sprintf("%d hours ago", int(elapsed.Hours()))
	default:
		minutes := int(elapsed.Minutes())
		if minutes < 0 {
			minutes = 0
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	}
}
