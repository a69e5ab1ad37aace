package broadcast

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/vaultrelay/internal/access"
	"github.com/ssd-technologies/vaultrelay/internal/events"
	"github.com/ssd-technologies/vaultrelay/internal/platform"
	"github.com/ssd-technologies/vaultrelay/internal/storage"
)

// memRecipients is an in-memory registry.
type memRecipients struct {
	mu        sync.Mutex
	ids       []int64
	removed   []int64
	removeErr error
}

func (m *memRecipients) List(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.ids...), nil
}

func (m *memRecipients) Remove(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	m.removed = append(m.removed, id)
	for i, v := range m.ids {
		if v == id {
			m.ids = append(m.ids[:i], m.ids[i+1:]...)
			break
		}
	}
	return nil
}

// scriptedRelay returns the next scripted error for each recipient and
// records every attempt.
type scriptedRelay struct {
	mu       sync.Mutex
	script   map[int64][]error
	attempts map[int64]int
}

func newScriptedRelay(script map[int64][]error) *scriptedRelay {
	return &scriptedRelay{script: script, attempts: make(map[int64]int)}
}

func (s *scriptedRelay) relay(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.attempts[id]
	s.attempts[id] = n + 1
	errs := s.script[id]
	if n < len(errs) {
		return errs[n]
	}
	return nil
}

// recordSleeps replaces the dispatcher's sleep with one that records the
// requested durations and returns at once.
func recordSleeps(d *Dispatcher) *[]time.Duration {
	var slept []time.Duration
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	return &slept
}

func TestRun_PruningScenario(t *testing.T) {
	const a, b, c = 1, 2, 3
	recips := &memRecipients{ids: []int64{a, b, c}}
	d := New(recips, time.Millisecond, nil, nil)
	slept := recordSleeps(d)

	relay := newScriptedRelay(map[int64][]error{
		b: {platform.ErrForbidden},
		c: {&platform.RateLimitError{RetryAfter: 2 * time.Second}},
	})

	res, err := d.Run(context.Background(), relay.relay)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, []int64{b}, recips.removed)
	assert.Equal(t, []int64{a, c}, recips.ids)
	assert.Equal(t, []time.Duration{2 * time.Second}, *slept)
	assert.Equal(t, 2, relay.attempts[c])
	assert.Equal(t, 1, relay.attempts[b])
}

func TestRun_WaitsForRetryAfter(t *testing.T) {
	recips := &memRecipients{ids: []int64{1, 2}}
	d := New(recips, time.Millisecond, nil, nil)

	wait := 150 * time.Millisecond
	relay := newScriptedRelay(map[int64][]error{
		2: {&platform.RateLimitError{RetryAfter: wait}},
	})

	start := time.Now()
	res, err := d.Run(context.Background(), relay.relay)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), wait)
	assert.Equal(t, 2, res.Sent)
}

func TestRun_RetryFailsOnce(t *testing.T) {
	recips := &memRecipients{ids: []int64{7}}
	d := New(recips, time.Millisecond, nil, nil)
	recordSleeps(d)

	relay := newScriptedRelay(map[int64][]error{
		7: {
			&platform.RateLimitError{RetryAfter: time.Second},
			&platform.RateLimitError{RetryAfter: time.Second},
		},
	})

	res, err := d.Run(context.Background(), relay.relay)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Pruned)
	assert.Equal(t, 2, relay.attempts[7], "exactly one retry")
	assert.Empty(t, recips.removed, "a throttled recipient is never pruned")
}

func TestRun_BadRequestPrunes(t *testing.T) {
	recips := &memRecipients{ids: []int64{5, 6}}
	d := New(recips, time.Millisecond, nil, nil)

	relay := newScriptedRelay(map[int64][]error{
		5: {fmt.Errorf("copy message: %w", platform.ErrBadRequest)},
	})
	res, err := d.Run(context.Background(), relay.relay)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, []int64{5}, recips.removed)
}

func TestRun_OtherErrorsContinue(t *testing.T) {
	recips := &memRecipients{ids: []int64{1, 2, 3, 4}}
	d := New(recips, time.Millisecond, nil, nil)

	relay := newScriptedRelay(map[int64][]error{
		1: {errors.New("connection reset")},
		3: {errors.New("timeout")},
	})
	res, err := d.Run(context.Background(), relay.relay)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Failed)
	assert.Empty(t, recips.removed)
	for id := int64(1); id <= 4; id++ {
		assert.Equal(t, 1, relay.attempts[id], "recipient %d", id)
	}
}

func TestRun_PruneFailureStillCountsFailed(t *testing.T) {
	recips := &memRecipients{ids: []int64{1}, removeErr: errors.New("disk full")}
	d := New(recips, time.Millisecond, nil, nil)

	relay := newScriptedRelay(map[int64][]error{1: {platform.ErrForbidden}})
	res, err := d.Run(context.Background(), relay.relay)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Pruned)
}

func TestRun_Conservation(t *testing.T) {
	ids := make([]int64, 60)
	script := make(map[int64][]error)
	for i := range ids {
		id := int64(i + 1)
		ids[i] = id
		switch id % 4 {
		case 1:
			script[id] = []error{platform.ErrForbidden}
		case 2:
			script[id] = []error{&platform.RateLimitError{RetryAfter: time.Millisecond}, errors.New("still down")}
		case 3:
			script[id] = []error{errors.New("boom")}
		}
	}
	recips := &memRecipients{ids: ids}
	d := New(recips, time.Microsecond, nil, nil)
	recordSleeps(d)

	res, err := d.Run(context.Background(), newScriptedRelay(script).relay)
	require.NoError(t, err)
	assert.Equal(t, 60, res.Total)
	assert.Equal(t, res.Total, res.Sent+res.Failed)
	assert.Equal(t, 15, res.Sent)
	assert.Equal(t, 15, res.Pruned)
}

func TestRun_NotCancellable(t *testing.T) {
	recips := &memRecipients{ids: []int64{1, 2, 3}}
	d := New(recips, time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	relay := func(ctx context.Context, _ int64) error { return ctx.Err() }
	res, err := d.Run(ctx, relay)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
}

func TestRun_Busy(t *testing.T) {
	recips := &memRecipients{ids: []int64{1}}
	d := New(recips, time.Millisecond, nil, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = d.Run(context.Background(), func(context.Context, int64) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	assert.True(t, d.Running())

	_, err := d.Run(context.Background(), func(context.Context, int64) error { return nil })
	assert.ErrorIs(t, err, ErrBusy)
	close(release)

	require.Eventually(t, func() bool { return !d.Running() }, time.Second, 5*time.Millisecond)
}

func TestRun_Pacing(t *testing.T) {
	recips := &memRecipients{ids: []int64{1, 2, 3, 4, 5}}
	interval := 20 * time.Millisecond
	d := New(recips, interval, nil, nil)

	start := time.Now()
	_, err := d.Run(context.Background(), func(context.Context, int64) error { return nil })
	require.NoError(t, err)
	// The first relay uses the initial token; the other four wait.
	assert.GreaterOrEqual(t, time.Since(start), 4*interval-5*time.Millisecond)
}

func TestRun_PublishesDone(t *testing.T) {
	hub := events.NewHub()
	ch, cancel := hub.Subscribe()
	defer cancel()

	recips := &memRecipients{ids: []int64{1, 2}}
	d := New(recips, time.Millisecond, hub, nil)
	_, err := d.Run(context.Background(), func(context.Context, int64) error { return nil })
	require.NoError(t, err)

	select {
	case e := <-ch:
		assert.Equal(t, events.TypeBroadcastDone, e.Type)
		assert.Equal(t, 2, e.Data["sent"])
	case <-time.After(time.Second):
		t.Fatal("no broadcast_done event")
	}
}

func TestRun_PrunesThroughAccessTracker(t *testing.T) {
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "bc.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	tracker := access.New(db, nil)
	ctx := context.Background()
	for _, id := range []int64{10, 20, 30} {
		require.NoError(t, tracker.Track(ctx, id))
	}

	d := New(tracker, time.Millisecond, nil, nil)
	relay := newScriptedRelay(map[int64][]error{20: {platform.ErrForbidden}})
	res, err := d.Run(ctx, relay.relay)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)

	left, err := tracker.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 30}, left)
}
