// Package chatter injects cosmetic "still working" lines while a long
// provider step runs.
package chatter

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/events"
	"genstudio/internal/infra"
)

// DefaultPhrases is used when Options.Phrases is empty.
var DefaultPhrases = []string{
	"Still working on it...",
	"Mixing the colors...",
	"Framing the shot...",
	"Adjusting the lighting...",
	"Polishing the details...",
	"Almost there, hang tight...",
	"Rendering frames...",
	"Checking composition...",
}

// LineStore persists a job's line history.
type LineStore interface {
	AppendLine(ctx context.Context, id, line string) error
}

// Publisher fans lines out to observers.
type Publisher interface {
	PublishLine(jobID string, line events.Line) int
}

type Options struct {
	Interval time.Duration
	Phrases  []string
	Seed     int64
	Logger   *zerolog.Logger
}

// Scheduler starts one Run per bounded step.
type Scheduler struct {
	pub      Publisher
	store    LineStore
	interval time.Duration
	phrases  []string
	logger   zerolog.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(pub Publisher, store LineStore, opts Options) *Scheduler {
	s := &Scheduler{
		pub:      pub,
		store:    store,
		interval: opts.Interval,
		phrases:  opts.Phrases,
		logger:   *infra.OrDiscard(opts.Logger),
	}
	if s.interval <= 0 {
		s.interval = 6 * time.Second
	}
	if len(s.phrases) == 0 {
		s.phrases = DefaultPhrases
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s.rnd = rand.New(rand.NewSource(seed))
	return s
}

// Run is one active chatter loop.
type Run struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins ticking for jobID. The caller must Stop the returned Run.
func (s *Scheduler) Start(ctx context.Context, jobID string) *Run {
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{cancel: cancel, done: make(chan struct{})}
	go s.loop(ctx, jobID, r.done)
	return r
}

// Stop cancels the loop and waits for it to exit. No line is published after
// Stop returns. Safe to call more than once.
func (r *Run) Stop() {
	r.once.Do(r.cancel)
	<-r.done
}

func (s *Scheduler) loop(ctx context.Context, jobID string, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	prev := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		idx := s.pick(prev)
		prev = idx
		line := s.phrases[idx]
		if err := s.store.AppendLine(ctx, jobID, line); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("persist chatter line failed")
		}
		if ctx.Err() != nil {
			return
		}
		s.pub.PublishLine(jobID, events.Line{Index: -1, Text: line})
	}
}

// pick returns a phrase index different from prev when more than one exists.
func (s *Scheduler) pick(prev int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.phrases)
	if n == 1 {
		return 0
	}
	if prev < 0 || prev >= n {
		return s.rnd.Intn(n)
	}
	return (prev + 1 + s.rnd.Intn(n-1)) % n
}
