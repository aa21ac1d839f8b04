// Package relay implements the relay/slave subsystem: a control loop that
// periodically fetches a stream list from a master peer, diffs it against
// the currently running relays, and drives each relay through a state
// machine that opens upstream connections (with redirect following and
// failover across master candidates) and pulls audio into a local mount
// (spec.md §4.4, §4.5).
package relay

import (
	"strconv"
	"sync"
	"time"
)

// State is a relay's position in the lifecycle state machine (spec.md
// §4.4's table). Each relay runs on its own goroutine rather than a
// shared cooperative scheduler, but the named states and transitions
// are preserved so the admin status page and logs read the same way.
type State int

const (
	// StateInit is the state a freshly installed (or post-shutdown)
	// relay starts in.
	StateInit State = iota
	// StateStartup is reserving a connecting slot and opening the
	// upstream connection.
	StateStartup
	// StateConnected is actively reading from an attached master.
	StateConnected
	// StateTerminating is tearing the source down and draining
	// listeners.
	StateTerminating
	// StateRestart is waiting out the relay's retry interval before
	// the next Startup attempt.
	StateRestart
	// StateDisabled means the relay is idle: running == false, or it is
	// on-demand and its mount has no listeners.
	StateDisabled
	// StateDead means cleanup was requested and the relay has fully
	// released its resources.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStartup:
		return "startup"
	case StateConnected:
		return "connected"
	case StateTerminating:
		return "terminating"
	case StateRestart:
		return "restart"
	case StateDisabled:
		return "disabled"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Master is one candidate upstream for a relay, tried in the order it
// appears in Relay.Masters (spec.md §3 "Relay.masters").
type Master struct {
	Host    string
	Port    int
	Mount   string
	Bind    string
	Timeout time.Duration

	// Skip is a transient per-attempt flag: open_relay_connection sets
	// it after a failed attempt so the next cycle tries other masters
	// first (spec.md §4.4 "Per-attempt failure policy").
	Skip bool
}

// Relay is one locally published mount populated by pulling from a
// remote server (spec.md §3 "Relay", §GLOSSARY).
type Relay struct {
	LocalMount string

	mu      sync.Mutex
	Masters []*Master

	Username    string
	Password    string
	Mp3Metadata bool
	OnDemand    bool
	Interval    time.Duration
	Running     bool

	// inUse is a list index into Masters, not a pointer, so its
	// lifetime stays tied to the slice it indexes (spec.md §9
	// "Back-pointer in_use").
	inUse int

	// newDetails holds a diff-installed replacement record, picked up
	// by the relay's goroutine at its next state-machine tick (spec.md
	// §4.4 "Diff").
	newDetails *Relay

	cleanup bool

	state      State
	stateSince time.Time
	lastError  string
}

// snapshot is an immutable copy of the fields the relay's goroutine and
// its upstream request writer need to read without holding Relay's lock.
type snapshot struct {
	localMount  string
	masters     []Master
	username    string
	password    string
	mp3Metadata bool
	onDemand    bool
	interval    time.Duration
	running     bool
}

func newRelay(localMount string, masters []*Master, username, password string, mp3Metadata, onDemand bool, interval time.Duration, running bool) *Relay {
	return &Relay{
		LocalMount:  localMount,
		Masters:     masters,
		Username:    username,
		Password:    password,
		Mp3Metadata: mp3Metadata,
		OnDemand:    onDemand,
		Interval:    interval,
		Running:     running,
		state:       StateInit,
		stateSince:  time.Now(),
	}
}

func (r *Relay) snapshot() snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	masters := make([]Master, len(r.Masters))
	for i, m := range r.Masters {
		masters[i] = *m
	}
	return snapshot{
		localMount:  r.LocalMount,
		masters:     masters,
		username:    r.Username,
		password:    r.Password,
		mp3Metadata: r.Mp3Metadata,
		onDemand:    r.OnDemand,
		interval:    r.Interval,
		running:     r.Running,
	}
}

// nextMaster returns the first master (in list order) not flagged
// Skip, or (-1, nil) if every candidate has been exhausted for this
// attempt (spec.md §4.4 "open_relay_connection").
func (r *Relay) nextMaster() (int, Master) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.Masters {
		if !m.Skip {
			return i, *m
		}
	}
	return -1, Master{}
}

// markSkip flags the master at idx so the next nextMaster call passes
// over it.
func (r *Relay) markSkip(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 && idx < len(r.Masters) {
		r.Masters[idx].Skip = true
	}
}

// clearAllSkip resets every master's Skip flag (spec.md §4.4
// "Per-attempt failure policy": "Longer runs that end normally clear
// all skip").
func (r *Relay) clearAllSkip() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.Masters {
		m.Skip = false
	}
}

// setInUse records which master index is currently attached.
func (r *Relay) setInUse(idx int) {
	r.mu.Lock()
	r.inUse = idx
	r.mu.Unlock()
}

// setLastError records the most recent failure for the status page.
func (r *Relay) setLastError(err error) {
	r.mu.Lock()
	if err != nil {
		r.lastError = err.Error()
	} else {
		r.lastError = ""
	}
	r.mu.Unlock()
}

// takeNewDetails atomically claims a diff-installed replacement, if
// any, clearing it so it is only applied once (spec.md §4.4 "Diff").
func (r *Relay) takeNewDetails() *Relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	nd := r.newDetails
	r.newDetails = nil
	return nd
}

// isCleanup reports whether the diff pass asked this relay to shut
// down and be released.
func (r *Relay) isCleanup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanup
}

func (r *Relay) setCleanup() {
	r.mu.Lock()
	r.cleanup = true
	r.mu.Unlock()
}

// mastersDiffer reports whether a's masters list differs from b's by
// mount/ip/port, element-wise (spec.md §4.4 "Diff").
func mastersDiffer(a, b []*Master) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i].Host != b[i].Host || a[i].Port != b[i].Port || a[i].Mount != b[i].Mount {
			return true
		}
	}
	return false
}

// setState transitions the relay's reported state; callers hold no
// external lock, this method is safe to call from the relay's own
// goroutine only (single-writer).
func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.stateSince = time.Now()
	r.mu.Unlock()
}

// Status is the read-only view exposed to the admin API.
type Status struct {
	LocalMount string
	State      string
	Since      time.Time
	Master     string
	LastError  string
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	master := ""
	if r.inUse >= 0 && r.inUse < len(r.Masters) {
		m := r.Masters[r.inUse]
		master = m.Host + ":" + strconv.Itoa(m.Port) + m.Mount
	}
	return Status{
		LocalMount: r.LocalMount,
		State:      r.state.String(),
		Since:      r.stateSince,
		Master:     master,
		LastError:  r.lastError,
	}
}
