package chatter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstudio/internal/events"
)

type recorder struct {
	mu        sync.Mutex
	lines     []string
	persisted []string
	fail      error
}

func (r *recorder) PublishLine(_ string, line events.Line) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line.Text)
	return len(r.lines) - 1
}

func (r *recorder) AppendLine(_ context.Context, _ string, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted = append(r.persisted, line)
	return r.fail
}

func (r *recorder) published() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func TestRunPublishesDistinctConsecutiveLines(t *testing.T) {
	rec := &recorder{}
	s := New(rec, rec, Options{Interval: 2 * time.Millisecond, Phrases: []string{"a", "b", "c"}, Seed: 7})
	run := s.Start(context.Background(), "j1")
	require.Eventually(t, func() bool { return len(rec.published()) >= 10 }, time.Second, time.Millisecond)
	run.Stop()

	lines := rec.published()
	for i := 1; i < len(lines); i++ {
		assert.NotEqual(t, lines[i-1], lines[i], "consecutive lines at %d", i)
	}
	rec.mu.Lock()
	assert.Equal(t, rec.lines, rec.persisted)
	rec.mu.Unlock()
}

func TestNothingPublishedAfterStop(t *testing.T) {
	rec := &recorder{}
	s := New(rec, rec, Options{Interval: time.Millisecond})

	phase := func() (err error) {
		run := s.Start(context.Background(), "j1")
		defer run.Stop()
		time.Sleep(10 * time.Millisecond)
		return errors.New("provider failed")
	}
	require.Error(t, phase())

	count := len(rec.published())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, len(rec.published()))
}

func TestStopRunsOnPanic(t *testing.T) {
	rec := &recorder{}
	s := New(rec, rec, Options{Interval: time.Millisecond})

	func() {
		defer func() { _ = recover() }()
		run := s.Start(context.Background(), "j1")
		defer run.Stop()
		time.Sleep(5 * time.Millisecond)
		panic("boom")
	}()

	count := len(rec.published())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, len(rec.published()))
}

func TestStopIsIdempotent(t *testing.T) {
	rec := &recorder{}
	run := New(rec, rec, Options{Interval: time.Hour}).Start(context.Background(), "j1")
	run.Stop()
	run.Stop()
	assert.Empty(t, rec.published())
}

func TestPersistFailureStillPublishes(t *testing.T) {
	rec := &recorder{fail: errors.New("db down")}
	run := New(rec, rec, Options{Interval: time.Millisecond}).Start(context.Background(), "j1")
	require.Eventually(t, func() bool { return len(rec.published()) > 0 }, time.Second, time.Millisecond)
	run.Stop()
}

func TestSinglePhraseRepeats(t *testing.T) {
	s := New(&recorder{}, &recorder{}, Options{Phrases: []string{"only"}})
	assert.Equal(t, 0, s.pick(0))
}
