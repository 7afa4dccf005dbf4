package scan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/correlator-io/correlator/internal/eventbus"
	"github.com/correlator-io/correlator/internal/spiderevent"
	"github.com/correlator-io/correlator/internal/storage"
)

// moduleRuntime is the scheduler's live view of one module within one
// scan: the instance itself, its per-module serialization lock (used only
// when the module declares itself not thread-safe), its error counter, and
// its current lifecycle status.
type moduleRuntime struct {
	mod spiderevent.Module

	mu sync.Mutex

	errorCount     atomic.Int32
	eventsProduced atomic.Int32

	statusMu sync.Mutex
	status   storage.ModuleStatus
}

func newModuleRuntime(mod spiderevent.Module) *moduleRuntime {
	return &moduleRuntime{mod: mod, status: storage.ModulePending}
}

func (mr *moduleRuntime) setStatus(status storage.ModuleStatus) {
	mr.statusMu.Lock()
	mr.status = status
	mr.statusMu.Unlock()
}

func (mr *moduleRuntime) getStatus() storage.ModuleStatus {
	mr.statusMu.Lock()
	defer mr.statusMu.Unlock()

	return mr.status
}

// runningScan is the scheduler's live state for one in-flight scan.
type runningScan struct {
	id  string
	bus *eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	fatalOnce sync.Once
	fatal     atomic.Bool

	mu       sync.Mutex
	status   storage.Status
	modules  map[string]*moduleRuntime
}

func newRunningScan(id string, busCfg eventbus.Config) *runningScan {
	ctx, cancel := context.WithCancel(context.Background())

	return &runningScan{
		id:      id,
		bus:     eventbus.New(busCfg),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  storage.StatusCreated,
		modules: make(map[string]*moduleRuntime),
	}
}

func (rs *runningScan) addModule(name string, mr *moduleRuntime) {
	rs.mu.Lock()
	rs.modules[name] = mr
	rs.mu.Unlock()
}

func (rs *runningScan) moduleRuntime(name string) (*moduleRuntime, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	mr, ok := rs.modules[name]

	return mr, ok
}

func (rs *runningScan) setStatus(status storage.Status) {
	rs.mu.Lock()
	rs.status = status
	rs.mu.Unlock()
}

func (rs *runningScan) getStatus() storage.Status {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return rs.status
}

func (rs *runningScan) markFatal() {
	rs.fatalOnce.Do(func() {
		rs.fatal.Store(true)
		rs.cancel()
	})
}

// moduleFramework is the spiderevent.Framework handle injected into one
// module for one scan (spec.md §9: "module instances carrying framework
// back-references → injection").
type moduleFramework struct {
	sched   *Scheduler
	rs      *runningScan
	modName string
	opts    map[string]string
}

func (f *moduleFramework) NotifyListeners(ctx context.Context, e spiderevent.Event) error {
	if e.Module == "" {
		e.Module = f.modName
	}

	if e.Generated == 0 {
		e.Generated = nowSeconds()
	}

	if e.Confidence == 0 {
		e.Confidence = spiderevent.DefaultConfidence
	}

	if e.Visibility == 0 {
		e.Visibility = spiderevent.DefaultVisibility
	}

	if e.Hash == "" {
		e.Hash = spiderevent.Hash(e.Type, e.Data, e.SourceHash)
	}

	if mr, ok := f.rs.moduleRuntime(f.modName); ok {
		f.rs.bus.WarnUndeclaredType(mr.mod, e.Type)
		mr.eventsProduced.Add(1)
	}

	if _, err := f.sched.store.InsertEvent(ctx, f.rs.id, e); err != nil {
		f.sched.handleStoreError(f.rs, err)
		return err
	}

	return f.rs.bus.Publish(ctx, e)
}

func (f *moduleFramework) GetOption(name string) (string, bool) {
	v, ok := f.opts[name]
	return v, ok
}

func (f *moduleFramework) IsCancelled() bool {
	select {
	case <-f.rs.ctx.Done():
		return true
	default:
		return false
	}
}

func (f *moduleFramework) Log(level slog.Level, msg string, args ...any) {
	f.sched.logger.Log(context.Background(), level, msg, append([]any{"scan_id", f.rs.id, "module", f.modName}, args...)...)

	logLevel := storage.LogInfo
	switch level {
	case slog.LevelDebug:
		logLevel = storage.LogDebug
	case slog.LevelWarn:
		logLevel = storage.LogWarning
	case slog.LevelError:
		logLevel = storage.LogError
	}

	_ = f.sched.store.AppendLog(context.Background(), storage.LogEntry{
		ScanID: f.rs.id, Generated: time.Now(), Component: f.modName, Level: logLevel, Message: msg,
	})
}

// dispatch pops deliveries off the bus and submits them to a bounded
// worker pool, serializing calls per-module when the module declares
// itself not thread-safe (spec.md §4.6 "Module execution model").
func (s *Scheduler) dispatch(rs *runningScan) {
	sem := make(chan struct{}, s.cfg.WorkerPoolSize)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case delivery, ok := <-rs.bus.Deliveries():
			if !ok {
				return
			}

			sem <- struct{}{}
			wg.Add(1)

			go func(d eventbus.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()

				s.handleDelivery(rs, d)
			}(delivery)
		case <-rs.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleDelivery(rs *runningScan, d eventbus.Delivery) {
	defer rs.bus.Release()

	mr, ok := rs.moduleRuntime(d.Module.Name())
	if !ok || mr.getStatus() == storage.ModuleErrored {
		return
	}

	if !d.Module.ThreadSafe() {
		mr.mu.Lock()
		defer mr.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(rs.ctx, s.cfg.ModuleTimeout)
	defer cancel()

	err := s.callModule(ctx, d.Module, d.Event)
	if err == nil {
		return
	}

	s.logger.Error("module handleEvent failed",
		slog.String("scan_id", rs.id), slog.String("module", d.Module.Name()), slog.String("error", err.Error()))

	_ = s.store.AppendLog(context.Background(), storage.LogEntry{
		ScanID: rs.id, Generated: time.Now(), Component: d.Module.Name(), Level: storage.LogError, Message: err.Error(),
	})

	if mr.errorCount.Add(1) >= int32(s.cfg.ModuleErrorThreshold) {
		mr.setStatus(storage.ModuleErrored)
		_ = s.store.UpdateModuleState(context.Background(), storage.ModuleState{
			ScanID: rs.id, Module: d.Module.Name(), Status: storage.ModuleErrored,
		})
	}
}

// callModule invokes HandleEvent, converting a recovered panic into an
// error so one module's crash cannot take down the dispatcher goroutine.
func (s *Scheduler) callModule(ctx context.Context, mod spiderevent.Module, e spiderevent.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panic: %v", r)
		}
	}()

	return mod.HandleEvent(ctx, e)
}

// supervise waits for bus quiescence (or cancellation) and drives the
// scan to its terminal state.
func (s *Scheduler) supervise(rs *runningScan) {
	defer close(rs.done)

	quiescent := rs.bus.Quiescent(rs.ctx)

	if !quiescent || rs.fatal.Load() {
		if rs.fatal.Load() {
			s.finalizeErrorFailed(rs)
		} else {
			s.finalizeAborted(rs)
		}

		return
	}

	select {
	case <-rs.ctx.Done():
		s.finalizeAborted(rs)
	default:
		s.finalizeFinished(rs)
	}
}

func (s *Scheduler) finalizeFinished(rs *runningScan) {
	now := time.Now()
	rs.setStatus(storage.StatusFinished)
	_ = s.store.SetScanStatus(context.Background(), rs.id, storage.StatusFinished, &now)

	s.finishModules(rs)

	if s.corr != nil {
		if _, err := s.corr.Run(context.Background(), s.store, rs.id, nil); err != nil {
			s.logger.Error("post-scan correlation run failed", slog.String("scan_id", rs.id), slog.String("error", err.Error()))
		}
	}

	rs.cancel()
	_ = rs.bus.Close()
}

func (s *Scheduler) finalizeAborted(rs *runningScan) {
	waitCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AbortTimeout)
	defer cancel()

	rs.bus.Quiescent(waitCtx)

	now := time.Now()
	rs.setStatus(storage.StatusAborted)
	_ = s.store.SetScanStatus(context.Background(), rs.id, storage.StatusAborted, &now)

	s.finishModules(rs)

	rs.cancel()
	_ = rs.bus.Close()
}

func (s *Scheduler) finalizeErrorFailed(rs *runningScan) {
	now := time.Now()
	rs.setStatus(storage.StatusErrorFailed)
	_ = s.store.SetScanStatus(context.Background(), rs.id, storage.StatusErrorFailed, &now)

	s.finishModules(rs)

	rs.cancel()
	_ = rs.bus.Close()
}

func (s *Scheduler) finishModules(rs *runningScan) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now()

	for name, mr := range rs.modules {
		if mr.getStatus() == storage.ModuleErrored {
			continue
		}

		mr.setStatus(storage.ModuleFinished)

		_ = s.store.UpdateModuleState(context.Background(), storage.ModuleState{
			ScanID:         rs.id,
			Module:         name,
			Status:         storage.ModuleFinished,
			EventsProduced: int(mr.eventsProduced.Load()),
			Ended:          &now,
		})
	}
}

// handleStoreError marks the scan for a fatal ERROR-FAILED transition.
// Every InsertEvent failure that reaches it is terminal, transient or not:
// the scheduler does not retry, and neither PostgresStore nor SQLiteStore
// retries a failed write. AppendLog and UpdateModuleState errors do not
// reach it; the scheduler ignores them.
func (s *Scheduler) handleStoreError(rs *runningScan, err error) {
	s.logger.Error("store write failed, failing scan", slog.String("scan_id", rs.id), slog.String("error", err.Error()))
	rs.markFatal()
}
