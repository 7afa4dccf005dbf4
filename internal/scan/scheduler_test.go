package scan_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/correlator-io/correlator/internal/module"
	"github.com/correlator-io/correlator/internal/module/builtin"
	"github.com/correlator-io/correlator/internal/scan"
	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

func newTestScheduler(t *testing.T) (*scan.Scheduler, storage.Store) {
	t.Helper()

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := module.NewRegistry()
	require.NoError(t, builtin.Register(reg))

	cfg := scan.DefaultConfig()
	cfg.ModuleTimeout = 5 * time.Second
	cfg.AbortTimeout = 2 * time.Second

	return scan.New(store, reg, nil, cfg), store
}

func waitForTerminal(t *testing.T, sched *scan.Scheduler, scanID string, timeout time.Duration) scan.Snapshot {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		snap, err := sched.GetStatus(context.Background(), scanID)
		require.NoError(t, err)

		switch snap.Status {
		case storage.StatusFinished, storage.StatusAborted, storage.StatusErrorFailed:
			return snap
		}

		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("scan %s did not reach a terminal state within %s", scanID, timeout)

	return scan.Snapshot{}
}

// TestScanUnresolvableTarget exercises spec.md §8 scenario 6: a target that
// cannot resolve still reaches a terminal state and logs a
// "could not resolve" entry. Requires outbound DNS, so it is treated as an
// integration test like the teacher's migrations/integration_test.go.
func TestScanUnresolvableTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	sched, store := newTestScheduler(t)

	scanID, err := sched.StartScan(context.Background(), scan.StartScanRequest{
		Target:          "shouldnotresolve.doesnotexist.local",
		ModuleSelection: []string{string(module.UseCasePassive)},
	})
	require.NoError(t, err)

	snap := waitForTerminal(t, sched, scanID, 15*time.Second)
	assert.Contains(t, []storage.Status{storage.StatusFinished, storage.StatusErrorFailed}, snap.Status)

	logs, err := store.Logs(context.Background(), scanID, "", 0)
	require.NoError(t, err)

	found := false

	for _, l := range logs {
		if strings.Contains(l.Message, "could not resolve") {
			found = true
			break
		}
	}

	assert.True(t, found, "expected a log entry containing \"could not resolve\"")
}

// slowModule blocks in HandleEvent until its context is cancelled, letting
// TestScanStopMidScan exercise the RUNNING → ABORT-REQUESTED → ABORTED path
// (spec.md §8 scenario 5) without depending on a real long-running probe.
type slowModule struct {
	fw       spiderevent.Framework
	released chan struct{}
}

func newSlowModule() spiderevent.Module {
	return &slowModule{released: make(chan struct{})}
}

func (m *slowModule) Name() string { return "sfp_test_slow" }

func (m *slowModule) Setup(fw spiderevent.Framework, _ map[string]string) error {
	m.fw = fw
	return nil
}

func (m *slowModule) WatchedEvents() []string  { return []string{"*"} }
func (m *slowModule) ProducedEvents() []string { return []string{"TEST_SLOW_RESULT"} }
func (m *slowModule) ThreadSafe() bool         { return true }

func (m *slowModule) HandleEvent(ctx context.Context, _ spiderevent.Event) error {
	defer close(m.released)

	<-ctx.Done()

	return ctx.Err()
}

func TestScanStopMidScan(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	reg := module.NewRegistry()
	require.NoError(t, reg.Register(module.Descriptor{
		Name: "sfp_test_slow",
		Meta: module.Meta{HumanName: "Slow test module", UseCases: []module.UseCase{module.UseCaseInvestigate}},
		New:  newSlowModule,
	}))

	cfg := scan.DefaultConfig()
	cfg.AbortTimeout = 2 * time.Second

	sched := scan.New(store, reg, nil, cfg)

	scanID, err := sched.StartScan(context.Background(), scan.StartScanRequest{
		Target:          "198.51.100.7",
		ModuleSelection: []string{"sfp_test_slow"},
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	stopErr := sched.StopScan(context.Background(), scanID)
	require.NoError(t, stopErr)

	snap, err := sched.GetStatus(context.Background(), scanID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAborted, snap.Status)
}
