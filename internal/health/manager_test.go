package health

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/shard/internal/util"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}

type fakeReaper struct {
	mu       sync.Mutex
	calls    int
	timeouts []time.Duration
}

func (r *fakeReaper) CleanStale(timeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.timeouts = append(r.timeouts, timeout)
	return 1
}

func (r *fakeReaper) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePruner struct {
	mu        sync.Mutex
	retention time.Duration
	err       error
}

func (p *fakePruner) Prune(retention time.Duration) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retention = retention
	return 3, p.err
}

func TestManagerRunsChecksUntilCancelled(t *testing.T) {
	reaper := &fakeReaper{}
	pruner := &fakePruner{}
	m := NewManager(Config{
		IdleTimeout:   time.Minute,
		ReapInterval:  10 * time.Millisecond,
		Retention:     24 * time.Hour,
		PruneInterval: time.Hour,
	}, reaper, pruner)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reaper.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("reaper ran %d times", reaper.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	if reaper.timeouts[0] != time.Minute {
		t.Errorf("CleanStale timeout = %v, want 1m", reaper.timeouts[0])
	}
	pruner.mu.Lock()
	defer pruner.mu.Unlock()
	if pruner.retention != 24*time.Hour {
		t.Errorf("Prune retention = %v, initial prune did not run", pruner.retention)
	}
}

func TestDisabledChecks(t *testing.T) {
	reaper := &fakeReaper{}
	m := NewManager(Config{ReapInterval: time.Millisecond}, reaper, nil)

	// no idle timeout: the reaper is never asked
	m.reapIdle()
	m.pruneSessionLog()
	if reaper.count() != 0 {
		t.Error("reaper called without an idle timeout")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewManager(Config{}, nil, nil).Start(ctx)
}

func TestPruneErrorIsLogged(t *testing.T) {
	m := NewManager(Config{Retention: time.Hour}, nil, &fakePruner{err: errors.New("disk full")})
	m.pruneSessionLog()
}

func TestHostLoadWarning(t *testing.T) {
	m := NewManager(Config{MemoryWarnPercent: 50}, nil, nil)
	sampled := false
	m.sample = func() util.HostStats {
		sampled = true
		return util.HostStats{MemoryPercent: 75}
	}
	m.checkHostLoad()
	if !sampled {
		t.Error("host stats not sampled")
	}
}
