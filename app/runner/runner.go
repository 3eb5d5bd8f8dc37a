// Package runner executes jobs in background and tracks them through the store.
// Every launched job ends up in a terminal state exactly once, completed with the work result
// or failed with the error message and trace. Failures of the work never propagate to the caller,
// they are observable only through the job record.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/trainq/app/store"
)

//go:generate moq -out mocks/reporter.go -pkg mocks -skip-ensure -fmt goimports . Reporter
//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// DefaultTraceLimit is the max size of failure trace kept in the job record
const DefaultTraceLimit = 6000

// Work is the long-running unit executed for a job. It gets the job record with request parameters
// and a Reporter bound to the job, returns output payload on success.
type Work interface {
	Run(ctx context.Context, job store.Record, rep Reporter) (map[string]any, error)
}

// Store defines subset of store.Store used by runner
type Store interface {
	Upsert(jobID string, upd store.Update) (store.Record, error)
	AppendLog(jobID, level, message string) (store.Record, error)
	List() ([]store.Record, error)
}

// Notifier delivers notifications about finished jobs
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(rec store.Record) (string, error)
	MakeCompletionHTML(rec store.Record) (string, error)
}

// Params for runner
type Params struct {
	Store         Store
	Work          Work
	Notifier      Notifier      // optional
	Workers       int           // max concurrently running jobs, 0 for unlimited
	NotifyTimeout time.Duration // per notification, default 30s
	TraceLimit    int           // max failure trace size, default DefaultTraceLimit
}

// Runner launches jobs in background
type Runner struct {
	Params
	ctx  context.Context
	pool *syncs.SizedGroup // nil for unlimited mode
	wg   sync.WaitGroup
}

// outcome is what the work wrapper returns, either output or error with trace
type outcome struct {
	output map[string]any
	err    error
	trace  string
}

// New makes Runner. Jobs get ctx, its cancellation interrupts running work.
func New(ctx context.Context, p Params) *Runner {
	if p.NotifyTimeout <= 0 {
		p.NotifyTimeout = 30 * time.Second
	}
	if p.TraceLimit <= 0 {
		p.TraceLimit = DefaultTraceLimit
	}
	res := &Runner{Params: p, ctx: ctx}
	if p.Workers > 0 {
		res.pool = syncs.NewSizedGroup(p.Workers)
	}
	return res
}

// Launch starts the job in background and returns immediately.
// With limited workers the job stays queued until a slot is available.
func (r *Runner) Launch(job store.Record) {
	r.wg.Add(1)
	if r.pool == nil {
		go func() {
			defer r.wg.Done()
			r.run(job)
		}()
		return
	}
	r.pool.Go(func(context.Context) {
		defer r.wg.Done()
		r.run(job)
	})
}

// Wait blocks until all launched jobs are finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Recover marks jobs left queued or running by a previous process as failed.
// Must be called before any Launch.
func (r *Runner) Recover() (int, error) {
	recs, err := r.Store.List()
	if err != nil {
		return 0, fmt.Errorf("can't list jobs to recover: %w", err)
	}
	count := 0
	for _, rec := range recs {
		if rec.Status.IsTerminal() {
			continue
		}
		log.Printf("[INFO] job %s was %s on shutdown, marking failed", rec.JobID, rec.Status)
		r.fail(rec.JobID, outcome{err: errors.New("job interrupted by service restart")})
		count++
	}
	return count, nil
}

// run is the top-level of a background job
func (r *Runner) run(job store.Record) {
	if err := r.ctx.Err(); err != nil {
		log.Printf("[WARN] job %s not started, %v", job.JobID, err)
		r.fail(job.JobID, outcome{err: fmt.Errorf("job not started: %w", err)})
		return
	}

	started := time.Now().UTC()
	rec, err := r.Store.Upsert(job.JobID, store.Update{Status: store.StatusRunning, StartedAt: &started, Progress: &store.Progress{}})
	if err != nil {
		log.Printf("[ERROR] can't start job %s: %v", job.JobID, err)
		if !errors.Is(err, store.ErrTransition) {
			r.fail(job.JobID, outcome{err: fmt.Errorf("can't start job: %w", err)})
		}
		return
	}
	log.Printf("[INFO] job %s started", job.JobID)

	rep := newReporter(r.Store, job.JobID, started)
	rep.Log("info", "Job started")

	res := r.execute(rec, rep)
	if res.err != nil {
		r.fail(job.JobID, res)
		return
	}
	r.complete(rec, rep, res)
}

// execute calls the work and converts any failure, including panic, to outcome
func (r *Runner) execute(job store.Record, rep Reporter) (res outcome) {
	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] job %s panicked: %v", job.JobID, x)
			res = outcome{err: fmt.Errorf("panic: %v", x), trace: string(debug.Stack())}
		}
	}()

	output, err := r.Work.Run(r.ctx, job, rep)
	if err != nil {
		return outcome{err: err, trace: errorTrace(err)}
	}
	return outcome{output: output}
}

func (r *Runner) complete(job store.Record, rep *jobReporter, res outcome) {
	finished := time.Now().UTC()
	prog := rep.completed(finished)
	rec, err := r.Store.Upsert(job.JobID, store.Update{
		Status:     store.StatusCompleted,
		FinishedAt: &finished,
		Progress:   &prog,
		Result: &store.Result{
			OK:              true,
			Output:          res.output,
			Metadata:        job.Metadata,
			Hyperparameters: job.Hyperparameters,
		},
	})
	if err != nil {
		log.Printf("[ERROR] can't complete job %s: %v", job.JobID, err)
		if !errors.Is(err, store.ErrTransition) {
			r.fail(job.JobID, outcome{err: fmt.Errorf("can't store job result: %w", err)})
		}
		return
	}
	if logged, err := r.Store.AppendLog(job.JobID, "info", "Job completed successfully"); err == nil {
		rec = logged
	} else {
		log.Printf("[WARN] can't append log for %s: %v", job.JobID, err)
	}
	log.Printf("[INFO] job %s completed in %v", job.JobID, finished.Sub(rep.started).Truncate(time.Millisecond))
	r.notify(rec)
}

func (r *Runner) fail(jobID string, res outcome) {
	msg := res.err.Error()
	if _, err := r.Store.AppendLog(jobID, "error", "Job failed: "+msg); err != nil {
		log.Printf("[WARN] can't append log for %s: %v", jobID, err)
	}

	finished := time.Now().UTC()
	trace := res.trace
	if trace == "" {
		trace = msg
	}
	rec, err := r.Store.Upsert(jobID, store.Update{
		Status:     store.StatusFailed,
		FinishedAt: &finished,
		Error:      msg,
		Trace:      tail(trace, r.TraceLimit),
	})
	if err != nil {
		log.Printf("[ERROR] can't mark job %s failed: %v", jobID, err)
		return
	}
	log.Printf("[INFO] job %s failed: %s", jobID, msg)
	r.notify(rec)
}

func (r *Runner) notify(rec store.Record) {
	if r.Notifier == nil {
		return
	}

	var subj, msg string
	var err error
	switch {
	case rec.Status == store.StatusFailed && r.Notifier.IsOnError():
		subj = fmt.Sprintf("job %s failed", rec.JobID)
		msg, err = r.Notifier.MakeErrorHTML(rec)
	case rec.Status == store.StatusCompleted && r.Notifier.IsOnCompletion():
		subj = fmt.Sprintf("job %s completed", rec.JobID)
		msg, err = r.Notifier.MakeCompletionHTML(rec)
	default:
		return
	}
	if err != nil {
		log.Printf("[WARN] can't make notification for %s: %v", rec.JobID, err)
		return
	}

	// job context may be already canceled on shutdown, notification still has to go out
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.NotifyTimeout)
	defer cancel()
	if err := r.Notifier.Send(ctx, subj, msg); err != nil {
		log.Printf("[WARN] failed to send notification for %s: %v", rec.JobID, err)
	}
}

// errorTrace makes a trace from the error chain, errors with Trace() method contribute their own details
func errorTrace(err error) string {
	var lines []string
	var tracer interface{ Trace() string }
	if errors.As(err, &tracer) {
		if tr := strings.TrimSpace(tracer.Trace()); tr != "" {
			lines = append(lines, tr, "")
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, fmt.Sprintf("%T: %v", e, e))
	}
	return strings.Join(lines, "\n")
}

// tail returns the last n bytes of s, not cutting utf8 runes
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
