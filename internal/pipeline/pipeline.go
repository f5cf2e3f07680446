// Package pipeline orchestrates an augmentation run: it loads the input
// table, resolves the job identity against the process store, replays
// cached rows, dispatches the remaining rows to the collaborators under a
// concurrency bound and merges every answer back into the table.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Global-Witness/augmenta/internal/config"
	"github.com/Global-Witness/augmenta/internal/dataset"
	"github.com/Global-Witness/augmenta/internal/extract"
	"github.com/Global-Witness/augmenta/internal/fingerprint"
	"github.com/Global-Witness/augmenta/internal/llm"
	"github.com/Global-Witness/augmenta/internal/prompt"
	"github.com/Global-Witness/augmenta/internal/resume"
	"github.com/Global-Witness/augmenta/internal/schema"
	"github.com/Global-Witness/augmenta/internal/search"
	"github.com/Global-Witness/augmenta/internal/store"
	"github.com/Global-Witness/augmenta/pkg/log"
)

// ErrorColumn is the output column failed rows are reported in.
const ErrorColumn = "augmenta_error"

// JobStore is the slice of the process store the orchestrator needs.
// A nil JobStore disables caching and resumption entirely.
type JobStore interface {
	StartJob(fingerprint string, totalRows int) (string, error)
	CacheRow(jobID string, rowIndex int, query string, result json.RawMessage) error
	RecordRowFailure(jobID string) error
	GetCachedRows(ctx context.Context, jobID string) (map[int]json.RawMessage, error)
	GetJob(ctx context.Context, jobID string) (*store.Job, error)
	FindUnfinishedJob(ctx context.Context, fingerprint string) (*store.Job, error)
	ResumeJob(jobID string) error
	MarkCompleted(jobID string) error
	MarkFailed(jobID string) error
}

// JobResolver decides whether the run continues an unfinished job.
type JobResolver interface {
	Resolve(ctx context.Context, opts resume.Options) (string, error)
}

// Progress is reported after every finished row.
type Progress struct {
	Done     int
	Total    int
	RowQuery string
}

// Options wires a pipeline's collaborators.
type Options struct {
	Config    *config.Config
	RawConfig map[string]any
	Store     JobStore
	Resolver  JobResolver
	Searcher  search.Searcher
	Extractor extract.Extractor
	Completer llm.Completer
	// OnProgress, when set, is called after each finished row. It runs on
	// worker goroutines and must be safe for concurrent use.
	OnProgress func(Progress)
}

// RunOptions controls job identity resolution for one run.
type RunOptions struct {
	AutoResume    bool
	ExplicitJobID string
	AssumeYes     bool
}

// Result summarises a finished run.
type Result struct {
	JobID     string
	Total     int
	FromCache int
	Succeeded int
	Failed    int
	Table     *dataset.Table
}

// Pipeline is the run orchestrator.
type Pipeline struct {
	cfg        *config.Config
	raw        map[string]any
	structure  *schema.Structure
	store      JobStore
	resolver   JobResolver
	searcher   search.Searcher
	extractor  extract.Extractor
	completer  llm.Completer
	onProgress func(Progress)
}

func New(opts Options) (*Pipeline, error) {
	if opts.Config == nil {
		return nil, &ConfigurationError{Reason: "config is required"}
	}
	if opts.Searcher == nil || opts.Extractor == nil || opts.Completer == nil {
		return nil, &ConfigurationError{Reason: "searcher, extractor and completer are required"}
	}
	structure, err := schema.New(opts.Config.Structure)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid structure: %v", err)}
	}
	return &Pipeline{
		cfg:        opts.Config,
		raw:        opts.RawConfig,
		structure:  structure,
		store:      opts.Store,
		resolver:   opts.Resolver,
		searcher:   opts.Searcher,
		extractor:  opts.Extractor,
		completer:  opts.Completer,
		onProgress: opts.OnProgress,
	}, nil
}

// Run executes the full augmentation. Per-row failures are written to the
// error column and never abort the run; only configuration and storage
// failures do.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Result, error) {
	table, err := dataset.Load(p.cfg.InputCSV)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("load input %s: %v", p.cfg.InputCSV, err)}
	}
	if !table.HasColumn(p.cfg.QueryCol) {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("query column %q not found in %s", p.cfg.QueryCol, p.cfg.InputCSV)}
	}

	jobID, cached, err := p.resolveJob(ctx, table, opts)
	if err != nil {
		return nil, err
	}

	result := &Result{JobID: jobID, Total: table.Len(), Table: table}

	pending := make([]int, 0, table.Len())
	for i := 0; i < table.Len(); i++ {
		if payload, ok := cached[i]; ok {
			values, err := p.structure.Decode(payload)
			if err != nil {
				// A cached payload that no longer decodes is re-run.
				log.Warn("discarding undecodable cached row %d: %v", i, err)
				pending = append(pending, i)
				continue
			}
			if err := table.SetRowValues(i, values); err != nil {
				return nil, fmt.Errorf("apply cached row %d: %w", i, err)
			}
			result.FromCache++
			continue
		}
		pending = append(pending, i)
	}

	if err := p.dispatch(ctx, table, jobID, pending, result); err != nil {
		// An interrupted run keeps its running status so a later run can
		// offer to resume it; only genuine failures are finalized.
		interrupted := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		if p.store != nil && jobID != "" && !interrupted {
			if markErr := p.store.MarkFailed(jobID); markErr != nil {
				log.Error("marking job %s failed: %v", jobID, markErr)
			}
		}
		return nil, err
	}

	if p.cfg.OutputCSV != "" {
		if err := table.Write(p.cfg.OutputCSV); err != nil {
			return nil, fmt.Errorf("write output %s: %w", p.cfg.OutputCSV, err)
		}
	}

	if p.store != nil && jobID != "" {
		if err := p.store.MarkCompleted(jobID); err != nil {
			return nil, fmt.Errorf("mark job %s completed: %w", jobID, err)
		}
	}
	return result, nil
}

// resolveJob determines which job this run belongs to and loads its
// cached rows. With no store it returns an empty job id and no cache.
func (p *Pipeline) resolveJob(ctx context.Context, table *dataset.Table, opts RunOptions) (string, map[int]json.RawMessage, error) {
	if p.store == nil {
		return "", nil, nil
	}

	fp, err := fingerprint.Compute(p.raw, p.cfg.InputCSV)
	if err != nil {
		return "", nil, fmt.Errorf("compute fingerprint: %w", err)
	}

	// Without an injected resolver, resolution still has to honor an
	// explicit job id; the fallback reads nothing, so in non-interactive
	// use an offered auto-resume is declined rather than hanging.
	resolver := p.resolver
	if resolver == nil {
		resolver = resume.NewResolver(p.store, strings.NewReader(""), io.Discard)
	}
	jobID, err := resolver.Resolve(ctx, resume.Options{
		Fingerprint:   fp,
		AutoResume:    opts.AutoResume,
		ExplicitJobID: opts.ExplicitJobID,
		AssumeYes:     opts.AssumeYes,
	})
	if err != nil {
		if errors.Is(err, resume.ErrJobNotFound) {
			return "", nil, &ConfigurationError{Reason: err.Error()}
		}
		return "", nil, fmt.Errorf("resolve job: %w", err)
	}

	if jobID == "" {
		jobID, err = p.store.StartJob(fp, table.Len())
		if err != nil {
			return "", nil, fmt.Errorf("start job: %w", err)
		}
		log.Info("started job %s (%d rows)", jobID, table.Len())
		return jobID, nil, nil
	}

	cached, err := p.store.GetCachedRows(ctx, jobID)
	if err != nil {
		return "", nil, fmt.Errorf("load cached rows for job %s: %w", jobID, err)
	}
	log.Info("resuming job %s with %d cached rows", jobID, len(cached))
	return jobID, cached, nil
}

// dispatch runs the pending rows under the configured concurrency bound.
func (p *Pipeline) dispatch(ctx context.Context, table *dataset.Table, jobID string, pending []int, result *Result) error {
	if len(pending) == 0 {
		return nil
	}

	workers := p.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		sem       = semaphore.NewWeighted(int64(workers))
		wg        sync.WaitGroup
		mu        sync.Mutex
		done      int
		fatalOnce sync.Once
		fatalErr  error
	)
	setFatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	// Progress must be observed in increasing order even though rows
	// finish concurrently; reports overtaken by a later row are dropped.
	var (
		reportMu sync.Mutex
		reported int
	)
	report := func(progress Progress) {
		reportMu.Lock()
		defer reportMu.Unlock()
		if progress.Done <= reported {
			return
		}
		reported = progress.Done
		p.reportProgress(progress)
	}

	for _, idx := range pending {
		if err := sem.Acquire(runCtx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer sem.Release(1)

			// Snapshot the row before working on it; other workers mutate
			// the table as their answers land.
			mu.Lock()
			query, _ := table.Value(idx, p.cfg.QueryCol)
			row := table.Row(idx)
			mu.Unlock()

			payload, values, rowErr := p.guardedProcess(runCtx, row, query)

			// A row cut off because the run is shutting down is not an
			// outcome; it goes unrecorded and a resumed run retries it.
			if rowErr != nil && runCtx.Err() != nil &&
				(errors.Is(rowErr, context.Canceled) || errors.Is(rowErr, context.DeadlineExceeded)) {
				return
			}

			mu.Lock()
			if rowErr != nil {
				log.Warn("%v", &RowError{Row: idx, Err: rowErr})
				if err := table.Set(idx, ErrorColumn, rowErr.Error()); err != nil {
					log.Error("recording error for row %d: %v", idx, err)
				}
				result.Failed++
			} else {
				if err := table.SetRowValues(idx, values); err != nil {
					mu.Unlock()
					setFatal(fmt.Errorf("apply row %d: %w", idx, err))
					return
				}
				result.Succeeded++
			}
			done++
			progress := Progress{Done: done + result.FromCache, Total: table.Len(), RowQuery: query}
			mu.Unlock()

			if p.store != nil && jobID != "" {
				var storeErr error
				if rowErr == nil {
					storeErr = p.store.CacheRow(jobID, idx, query, payload)
				} else {
					storeErr = p.store.RecordRowFailure(jobID)
				}
				if storeErr != nil {
					setFatal(fmt.Errorf("record row %d: %w", idx, storeErr))
					return
				}
			}
			report(progress)
		}(idx)
	}
	wg.Wait()

	if fatalErr != nil {
		return fatalErr
	}
	return ctx.Err()
}

// guardedProcess runs one row and converts panics into row errors, so a
// misbehaving collaborator cannot take the whole run down.
func (p *Pipeline) guardedProcess(ctx context.Context, row map[string]string, query string) (payload json.RawMessage, values map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return p.processRow(ctx, row, query)
}

// processRow is the per-row sequence: search, extract, prompt, complete,
// decode.
func (p *Pipeline) processRow(ctx context.Context, row map[string]string, query string) (json.RawMessage, map[string]any, error) {
	results, err := p.searcher.Search(ctx, query, p.cfg.Search.Results)
	if err != nil {
		return nil, nil, fmt.Errorf("search %q: %w", query, err)
	}

	docs := make([]prompt.Document, 0, len(results))
	for _, r := range results {
		content, err := p.extractor.Extract(ctx, r.URL)
		if err != nil {
			// A dead page is not fatal, the row runs on the rest.
			log.Debug("extract %s: %v", r.URL, err)
			continue
		}
		docs = append(docs, prompt.Document{Source: r.URL, Content: content})
	}

	userPrompt, err := prompt.BuildUserPrompt(p.cfg.Prompt, row, docs)
	if err != nil {
		return nil, nil, fmt.Errorf("build prompt: %w", err)
	}

	systemPrompt := p.cfg.Prompt.System
	if desc := p.structure.PromptDescription(); desc != "" {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += desc
	}

	answer, err := p.completer.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, nil, fmt.Errorf("completion: %w", err)
	}

	values, err := p.structure.Decode([]byte(answer))
	if err != nil {
		return nil, nil, fmt.Errorf("decode answer: %w", err)
	}

	payload, err := json.Marshal(values)
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return payload, values, nil
}

func (p *Pipeline) reportProgress(progress Progress) {
	if p.onProgress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("progress callback panicked: %v", r)
		}
	}()
	p.onProgress(progress)
}
