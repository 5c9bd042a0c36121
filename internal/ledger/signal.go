package ledger

import (
	"sync"
	"sync/atomic"
)

// StopReason says why a runner was asked to stop
type StopReason int32

const (
	StopNone StopReason = iota
	StopPause
	StopCancel
)

func (r StopReason) String() string {
	switch r {
	case StopPause:
		return "pause"
	case StopCancel:
		return "cancel"
	default:
		return "none"
	}
}

// Signal is a cooperative stop request for one job. Runners poll Reason
// between work units.
type Signal struct {
	reason atomic.Int32
	once   sync.Once
	done   chan struct{}
}

func newSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Raise records the stop reason. Cancel overrides an earlier pause.
func (s *Signal) Raise(r StopReason) {
	for {
		cur := StopReason(s.reason.Load())
		if cur == StopCancel || cur == r {
			break
		}
		if s.reason.CompareAndSwap(int32(cur), int32(r)) {
			break
		}
	}
	s.once.Do(func() { close(s.done) })
}

// Reason returns the current stop reason
func (s *Signal) Reason() StopReason {
	return StopReason(s.reason.Load())
}

// Done is closed once any stop reason is raised
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Signals hands out one Signal per job id
type Signals struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

// NewSignals creates an empty registry
func NewSignals() *Signals {
	return &Signals{signals: make(map[string]*Signal)}
}

// Get returns the live signal for id, creating it if needed
func (r *Signals) Get(id string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.signals[id]
	if !ok {
		s = newSignal()
		r.signals[id] = s
	}
	return s
}

// Reset replaces the signal for id with a fresh one, used when a job starts
// or resumes
func (r *Signals) Reset(id string) *Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := newSignal()
	r.signals[id] = s
	return s
}

// Raise raises r on the live signal for id
func (r *Signals) Raise(id string, reason StopReason) {
	r.Get(id).Raise(reason)
}

// Forget drops the signal for id
func (r *Signals) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, id)
}
