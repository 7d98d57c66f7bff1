package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yangwenmai/fmucheck/internal/launcher"
	"github.com/yangwenmai/fmucheck/internal/model"
	"github.com/yangwenmai/fmucheck/internal/resultcache"
	"github.com/yangwenmai/fmucheck/internal/store"
)

type fakeRelauncher struct {
	mu       sync.Mutex
	max      int
	launched []model.Digest
	live     map[model.Digest]bool
}

func (f *fakeRelauncher) EnsureRunning(_ context.Context, d model.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launched = append(f.launched, d)
	return nil
}

func (f *fakeRelauncher) MaxAttempts() int { return f.max }

func (f *fakeRelauncher) Running(d model.Digest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[d]
}

type reapCounter struct {
	mu      sync.Mutex
	actions []string
}

func (c *reapCounter) JobReaped(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
}

type reaperEnv struct {
	ledger   *store.Store
	results  *resultcache.Cache
	launcher *fakeRelauncher
	hooks    *reapCounter
	reaper   *Reaper
}

func newReaperEnv(t *testing.T, maxAttempts int) *reaperEnv {
	t.Helper()
	dir := t.TempDir()
	ledger, err := store.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	results, err := resultcache.New(filepath.Join(dir, "results"), 0)
	require.NoError(t, err)

	e := &reaperEnv{
		ledger:   ledger,
		results:  results,
		launcher: &fakeRelauncher{max: maxAttempts},
		hooks:    &reapCounter{},
	}
	e.reaper = NewReaper(ledger, results, e.launcher, ReaperOptions{Interval: time.Millisecond, Hooks: e.hooks})
	// Look an hour ahead so one-minute leases have expired.
	e.reaper.now = func() time.Time { return time.Now().Add(time.Hour) }
	return e
}

func (e *reaperEnv) claim(t *testing.T, d model.Digest, maxAttempts int) {
	t.Helper()
	c, err := e.ledger.ClaimJob(context.Background(), d, "owner", time.Minute, maxAttempts)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestSweep_LiveLeaseUntouched(t *testing.T) {
	e := newReaperEnv(t, 3)
	e.reaper.now = time.Now
	e.claim(t, model.ComputeDigest([]byte("busy")), 3)

	n, err := e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, e.launcher.launched)
}

func TestSweep_RecordPresentMarksDone(t *testing.T) {
	e := newReaperEnv(t, 3)
	ctx := context.Background()
	d := model.ComputeDigest([]byte("finished late"))
	e.claim(t, d, 3)
	require.NoError(t, e.results.WriteOnce(ctx, model.NewSuccessRecord(d, json.RawMessage(`{}`))))

	n, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, e.launcher.launched)
	assert.Equal(t, []string{ReapCompleted}, e.hooks.actions)

	j, err := e.ledger.GetJob(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, j.State)
}

func TestSweep_RetriesBelowMaxAttempts(t *testing.T) {
	e := newReaperEnv(t, 3)
	d := model.ComputeDigest([]byte("crashed once"))
	e.claim(t, d, 3)
	require.NoError(t, e.ledger.FinishJob(context.Background(), d, "owner", 137, false))

	n, err := e.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []model.Digest{d}, e.launcher.launched)
	assert.Equal(t, []string{ReapRetried}, e.hooks.actions)
}

func TestSweep_AbandonsAfterMaxAttempts(t *testing.T) {
	e := newReaperEnv(t, 1)
	ctx := context.Background()
	d := model.ComputeDigest([]byte("always crashes"))
	e.claim(t, d, 1)
	require.NoError(t, e.ledger.FinishJob(ctx, d, "owner", 2, false))

	_, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, e.launcher.launched)
	assert.Equal(t, []string{ReapAbandoned}, e.hooks.actions)

	rec, err := e.results.TryRead(ctx, d)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.Failed())
	assert.Equal(t, model.FailureCrash, rec.Failure.Kind)
	assert.Equal(t, "worker exited without a result after 1 attempts", rec.Failure.Message)
	assert.Equal(t, "last exit code 2", rec.Failure.Condition)

	j, err := e.ledger.GetJob(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, model.JobDone, j.State)

	// Resolved jobs are not revisited.
	n, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_SkipsLiveWorker(t *testing.T) {
	for _, maxAttempts := range []int{1, 3} {
		e := newReaperEnv(t, maxAttempts)
		ctx := context.Background()
		d := model.ComputeDigest([]byte("long analysis"))
		e.claim(t, d, maxAttempts)
		e.launcher.live = map[model.Digest]bool{d: true}

		n, err := e.reaper.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Empty(t, e.launcher.launched)
		assert.Empty(t, e.hooks.actions)
		assert.False(t, e.results.Has(d), "maxAttempts=%d: no record while the worker is alive", maxAttempts)
	}
}

// blockingSpawner starts processes that run until release is closed.
type blockingSpawner struct {
	mu      sync.Mutex
	spawned int
	release chan struct{}
}

func (s *blockingSpawner) Spawn(context.Context, model.Digest) (launcher.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned++
	return blockingProcess{pid: 1000 + s.spawned, release: s.release}, nil
}

func (s *blockingSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

type blockingProcess struct {
	pid     int
	release chan struct{}
}

func (p blockingProcess) Pid() int { return p.pid }

func (p blockingProcess) Wait() (int, error) {
	<-p.release
	return 0, nil
}

func TestSweep_LeaseExpiresWhileWorkerRuns(t *testing.T) {
	for _, maxAttempts := range []int{1, 3} {
		dir := t.TempDir()
		ctx := context.Background()
		ledger, err := store.Open(filepath.Join(dir, "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { ledger.Close() })
		results, err := resultcache.New(filepath.Join(dir, "results"), 0)
		require.NoError(t, err)

		spawner := &blockingSpawner{release: make(chan struct{})}
		l := launcher.New(ledger, results, spawner, launcher.Options{Lease: 20 * time.Millisecond, MaxAttempts: maxAttempts})
		reaper := NewReaper(ledger, results, l, ReaperOptions{})

		d := model.ComputeDigest([]byte("slower than its lease"))
		require.NoError(t, l.EnsureRunning(ctx, d))
		time.Sleep(60 * time.Millisecond)

		n, err := reaper.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, l.EnsureRunning(ctx, d))
		assert.Equal(t, 1, spawner.count(), "maxAttempts=%d: one worker per digest", maxAttempts)
		assert.False(t, results.Has(d))

		// The live worker publishes its own result.
		require.NoError(t, results.WriteOnce(ctx, model.NewSuccessRecord(d, json.RawMessage(`{"passed":true}`))))
		close(spawner.release)
		l.Wait()
		assert.False(t, l.Running(d))

		rec, err := results.TryRead(ctx, d)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.False(t, rec.Failed())

		j, err := ledger.GetJob(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, model.JobDone, j.State)
	}
}

func TestReaper_LogsToInjectedLogger(t *testing.T) {
	e := newReaperEnv(t, 1)
	ctx := context.Background()
	var buf bytes.Buffer
	e.reaper = NewReaper(e.ledger, e.results, e.launcher, ReaperOptions{
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	e.reaper.now = func() time.Time { return time.Now().Add(time.Hour) }

	d := model.ComputeDigest([]byte("logged abandonment"))
	e.claim(t, d, 1)
	_, err := e.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "job abandoned")
	assert.Contains(t, buf.String(), d.Short())
}

func TestReaper_StartStopsOnCancel(t *testing.T) {
	e := newReaperEnv(t, 3)
	d := model.ComputeDigest([]byte("picked up by the loop"))
	e.claim(t, d, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.reaper.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		e.launcher.mu.Lock()
		defer e.launcher.mu.Unlock()
		return len(e.launcher.launched) > 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
