package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gocast/gocast/internal/config"
	"github.com/gocast/gocast/internal/stream"
)

// ErrSourceTimeout marks a relay connection that went quiet for longer
// than its read timeout, mirroring the master-side SOURCE_TIMEOUT
// condition (spec.md §4.4 "Per-attempt failure policy").
var ErrSourceTimeout = errors.New("relay: upstream read timeout")

// readTimeout bounds how long a relay connection may go without
// delivering data before it is torn down as stalled.
const readTimeout = 30 * time.Second

// relayPumpBuf is the chunk size used to move bytes from an upstream
// connection into the local mount's ingest path.
const relayPumpBuf = 4096

// Logf is a printf-style logging hook matching the rest of the
// server's zero-dependency logger signature so Engine slots into the
// same logging call sites.
type Logf func(format string, v ...interface{})

// Engine owns the set of currently installed relays and drives each
// through its lifecycle on its own goroutine (spec.md §4.4
// "RelayEngine").
type Engine struct {
	mm   *stream.MountManager
	pool *WorkerPool
	log  Logf

	mu     sync.Mutex
	relays map[string]*Relay

	static []config.RelayMountConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a relay engine publishing into mm.
func NewEngine(mm *stream.MountManager, log Logf) *Engine {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Engine{
		mm:     mm,
		pool:   NewWorkerPool(),
		log:    log,
		relays: make(map[string]*Relay),
	}
}

// Start begins the engine's lifetime; it does not itself install any
// relays. Call SetStaticMounts and/or Diff (typically via
// MasterPoller) once started.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop requests every relay goroutine shut down and waits for them.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
}

// SetStaticMounts installs the relays declared directly in
// configuration (as opposed to ones discovered by polling a master),
// then folds them into the next Diff call so config reloads and
// polled updates share one reconciliation path.
func (e *Engine) SetStaticMounts(mounts []config.RelayMountConfig) {
	e.mu.Lock()
	e.static = mounts
	e.mu.Unlock()
	e.Diff(nil)
}

// Diff merges the statically configured relays with polled ones,
// then reconciles the result against the currently running set:
// unchanged relays are left alone, changed ones get a newDetails swap
// picked up by their own goroutine, new ones are installed and
// started, and relays no longer present are marked for cleanup
// (spec.md §4.4 "Diff").
func (e *Engine) Diff(polled []config.RelayMountConfig) {
	merged := make(map[string]*config.RelayMountConfig)

	e.mu.Lock()
	for _, m := range e.static {
		mergeMountConfig(merged, m)
	}
	e.mu.Unlock()
	for _, m := range polled {
		mergeMountConfig(merged, m)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(merged))
	for lm, rc := range merged {
		seen[lm] = true
		masters := toMasters(rc.Masters)

		existing, ok := e.relays[lm]
		if !ok {
			r := newRelay(lm, masters, rc.Username, rc.Password, rc.Mp3Metadata, rc.OnDemand, rc.Interval, true)
			e.relays[lm] = r
			e.spawn(r)
			continue
		}

		if mastersDiffer(existing.Masters, masters) || existing.Mp3Metadata != rc.Mp3Metadata {
			nd := newRelay(lm, masters, rc.Username, rc.Password, rc.Mp3Metadata, rc.OnDemand, rc.Interval, true)
			existing.mu.Lock()
			existing.newDetails = nd
			existing.mu.Unlock()
		} else {
			existing.mu.Lock()
			existing.OnDemand = rc.OnDemand
			existing.mu.Unlock()
		}
	}

	for lm, r := range e.relays {
		if !seen[lm] {
			r.setCleanup()
			delete(e.relays, lm)
		}
	}
}

// mergeMountConfig folds one mount config's masters into the
// accumulator, combining entries for the same LocalMount coming from
// different master peers into one relay with several candidates.
func mergeMountConfig(acc map[string]*config.RelayMountConfig, m config.RelayMountConfig) {
	existing, ok := acc[m.LocalMount]
	if !ok {
		cp := m
		cp.Masters = append([]config.RelayMasterEntry(nil), m.Masters...)
		acc[m.LocalMount] = &cp
		return
	}
	existing.Masters = append(existing.Masters, m.Masters...)
}

func toMasters(entries []config.RelayMasterEntry) []*Master {
	out := make([]*Master, len(entries))
	for i, e := range entries {
		out[i] = &Master{Host: e.Host, Port: e.Port, Mount: e.Mount, Bind: e.Bind, Timeout: e.Timeout}
	}
	return out
}

// Statuses returns a snapshot of every installed relay for the admin
// status page.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Status, 0, len(e.relays))
	for _, r := range e.relays {
		out = append(out, r.Status())
	}
	return out
}

// spawn starts r's lifecycle goroutine. Callers reach this only after
// Engine.Start has set e.ctx: config changes (which call SetStaticMounts)
// arrive over the admin API or a SIGHUP reload, and Server.Start starts
// the engine before it begins serving.
func (e *Engine) spawn(r *Relay) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runRelay(r)
	}()
}

// runRelay drives one relay through Init→Startup→Connected→
// Terminating→Restart/Disabled/Dead (spec.md §4.4's state table).
func (e *Engine) runRelay(r *Relay) {
	r.setState(StateInit)

	for {
		if e.ctx.Err() != nil {
			r.setState(StateDead)
			return
		}
		if r.isCleanup() {
			r.setState(StateDead)
			return
		}
		if nd := r.takeNewDetails(); nd != nil {
			r.mu.Lock()
			r.Masters = nd.Masters
			r.Username = nd.Username
			r.Password = nd.Password
			r.Mp3Metadata = nd.Mp3Metadata
			r.OnDemand = nd.OnDemand
			r.Interval = nd.Interval
			r.mu.Unlock()
		}

		snap := r.snapshot()
		if !snap.running {
			r.setState(StateDisabled)
			if !e.sleepFor(time.Second) {
				r.setState(StateDead)
				return
			}
			continue
		}
		if snap.onDemand && !e.mountHasListeners(snap.localMount) {
			r.setState(StateDisabled)
			if !e.sleepFor(time.Second) {
				r.setState(StateDead)
				return
			}
			continue
		}

		r.setState(StateStartup)
		if !e.pool.TryAcquireConnect() {
			if !e.sleepFor(200 * time.Millisecond) {
				r.setState(StateDead)
				return
			}
			continue
		}

		started := time.Now()
		runErr := e.connectAndPump(r, snap)
		elapsed := time.Since(started)

		r.setState(StateTerminating)
		if elapsed < 60*time.Second || errors.Is(runErr, ErrSourceTimeout) {
			r.markSkip(r.lastMasterIndex())
		} else if runErr == nil || errors.Is(runErr, io.EOF) {
			r.clearAllSkip()
		}
		// Once every master is skipped, the next attempt starts a fresh
		// round over all of them.
		if idx, _ := r.nextMaster(); idx < 0 {
			r.clearAllSkip()
		}
		r.setLastError(runErr)

		r.setState(StateRestart)
		if !e.sleepFor(snap.interval) {
			r.setState(StateDead)
			return
		}
	}
}

// lastMasterIndex reports the master the relay was last attached to,
// for the post-run Skip decision.
func (r *Relay) lastMasterIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUse
}

// connectAndPump opens the upstream connection, attaches it as the
// mount's source, and pumps bytes until the connection ends or the
// engine is stopped. The connecting-slot is released as soon as the
// Startup phase resolves, win or lose (spec.md §5 "relay_start_lock").
func (e *Engine) connectAndPump(r *Relay, snap snapshot) error {
	up, err := openRelayConnection(e.ctx, r)
	e.pool.ReleaseConnect()
	if err != nil {
		r.setLastError(err)
		return err
	}
	defer up.Close()

	mount, err := e.mm.GetOrCreateMount(snap.localMount)
	if err != nil {
		return err
	}
	if err := mount.StartSource("relay:" + up.Master.Host); err != nil {
		return err
	}
	defer mount.StopSource()

	if up.IcyMetaInt > 0 {
		mount.SetInlineMetadataInterval(up.IcyMetaInt)
	}

	r.setState(StateConnected)
	r.setLastError(nil)
	return e.pumpUpstream(up, mount)
}

// pumpUpstream copies bytes from the upstream connection into the
// mount's ingest path until EOF, a read error, or a stall longer than
// readTimeout (spec.md §6 "Upstream ingest").
func (e *Engine) pumpUpstream(up *Upstream, mount *stream.Mount) error {
	buf := make([]byte, relayPumpBuf)
	for {
		if e.ctx.Err() != nil {
			return nil
		}
		if tc, ok := up.Conn.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = tc.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, err := up.Reader.Read(buf)
		if n > 0 {
			if _, werr := mount.WriteData(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrSourceTimeout
			}
			return err
		}
	}
}

func (e *Engine) mountHasListeners(path string) bool {
	m := e.mm.GetMount(path)
	if m == nil {
		return false
	}
	return m.ListenerCount() > 0
}

// sleepFor waits out d, or returns false early if the engine is
// stopped.
func (e *Engine) sleepFor(d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
