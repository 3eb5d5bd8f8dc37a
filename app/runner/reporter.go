package runner

import (
	"math"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/umputun/trainq/app/store"
)

// Reporter is passed to Work to report progress and job log lines.
// Calls are cheap to ignore for the work, store failures are logged and never returned.
type Reporter interface {
	Progress(globalStep, maxSteps int)
	Log(level, msg string)
}

// jobReporter is a Reporter bound to a single job
type jobReporter struct {
	store   Store
	jobID   string
	started time.Time
	now     func() time.Time

	mu       sync.Mutex
	maxRatio float64 // max ratio reported so far, progress never goes backward
	last     store.Progress
}

func newReporter(st Store, jobID string, started time.Time) *jobReporter {
	return &jobReporter{store: st, jobID: jobID, started: started, now: time.Now}
}

// Progress computes progress block from step counters and writes it to the store.
// The ratio is clamped to [0,1] and to the max ratio already reported for this job.
func (p *jobReporter) Progress(globalStep, maxSteps int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ratio := 0.0
	if maxSteps > 0 {
		ratio = math.Min(1, math.Max(0, float64(globalStep)/float64(maxSteps)))
	}
	if ratio < p.maxRatio {
		log.Printf("[DEBUG] out of order progress %d/%d for %s, keep ratio %.4f", globalStep, maxSteps, p.jobID, p.maxRatio)
		ratio = p.maxRatio
	}
	p.maxRatio = ratio

	elapsed := math.Max(0, p.now().Sub(p.started).Seconds())
	prog := store.Progress{
		GlobalStep:     globalStep,
		MaxSteps:       maxSteps,
		Ratio:          ratio,
		Percent:        math.Round(ratio*10000) / 100,
		ElapsedSeconds: int64(elapsed),
	}
	if eta, ok := EstimateETA(elapsed, ratio); ok {
		prog.RemainingSeconds = &eta
	}
	p.last = prog

	if _, err := p.store.Upsert(p.jobID, store.Update{Status: store.StatusRunning, Progress: &prog}); err != nil {
		log.Printf("[WARN] can't report progress for %s: %v", p.jobID, err)
	}
}

// Log appends a line to the job log
func (p *jobReporter) Log(level, msg string) {
	if _, err := p.store.AppendLog(p.jobID, level, msg); err != nil {
		log.Printf("[WARN] can't append log for %s: %v", p.jobID, err)
	}
}

// completed returns the final progress block, forced to 100%
func (p *jobReporter) completed(finished time.Time) store.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	zero := int64(0)
	return store.Progress{
		GlobalStep:       p.last.GlobalStep,
		MaxSteps:         p.last.MaxSteps,
		Ratio:            1,
		Percent:          100,
		ElapsedSeconds:   int64(math.Max(0, finished.Sub(p.started).Seconds())),
		RemainingSeconds: &zero,
	}
}
