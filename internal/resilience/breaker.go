package resilience

import (
	"sync"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
)

// CircuitStatus is the breaker position.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)

// Outcome is how one attempt is reported to the breaker.
type Outcome int

const (
	// OutcomeSuccess resets the failure count and closes a probing circuit.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is a transient failure: timeout, 5xx, connection error.
	OutcomeFailure
	// OutcomeRejected means the dependency answered but refused the input.
	// It neither counts nor resets while closed, and closes a probing circuit.
	OutcomeRejected
	// OutcomeAbandoned means the caller went away before an answer.
	// A trial abandoned this way lets the next caller try again.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeRejected:
		return "rejected"
	default:
		return "abandoned"
	}
}

// CircuitState is a point-in-time view of one breaker.
type CircuitState struct {
	Dependency          string        `json:"dependency"`
	Status              CircuitStatus `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Ticket is handed out by Acquire and must be returned to Record.
type Ticket struct {
	trial bool
}

// Breaker is a per-dependency circuit breaker. All transitions happen under
// one mutex, so concurrent failures cannot open the circuit twice.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	cooldown  time.Duration
	clock     clock.Clock
	onChange  func(dependency string, from, to CircuitStatus)

	status   CircuitStatus
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, threshold int, cooldown time.Duration, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clk,
		status:    CircuitClosed,
	}
}

// Acquire admits a call or rejects it with circuit_open. After the cooldown
// exactly one caller gets a trial ticket; the rest are rejected until the
// trial is recorded.
func (b *Breaker) Acquire() (Ticket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case CircuitClosed:
		return Ticket{}, nil
	case CircuitOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return Ticket{}, b.rejectLocked()
		}
		b.transitionLocked(CircuitHalfOpen)
		b.probing = true
		return Ticket{trial: true}, nil
	default: // half-open
		if b.probing {
			return Ticket{}, b.rejectLocked()
		}
		b.probing = true
		return Ticket{trial: true}, nil
	}
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(t Ticket, outcome Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t.trial {
		b.probing = false
		switch outcome {
		case OutcomeSuccess, OutcomeRejected:
			b.failures = 0
			b.transitionLocked(CircuitClosed)
		case OutcomeFailure:
			b.openedAt = b.clock.Now()
			b.transitionLocked(CircuitOpen)
		case OutcomeAbandoned:
			// stay half-open; the next Acquire becomes the trial
		}
		return
	}

	// Calls admitted before the circuit opened may finish while it is open.
	// They must not extend the cooldown or close the circuit.
	if b.status != CircuitClosed {
		return
	}
	switch outcome {
	case OutcomeSuccess:
		b.failures = 0
	case OutcomeFailure:
		b.failures++
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			b.transitionLocked(CircuitOpen)
		}
	}
}

// State returns a snapshot.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitState{
		Dependency:          b.name,
		Status:              b.status,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		Cooldown:            b.cooldown,
	}
}

func (b *Breaker) rejectLocked() error {
	return &errmodel.Error{
		Kind:       errmodel.KindCircuitOpen,
		Dependency: b.name,
		Message:    "circuit is open",
	}
}

func (b *Breaker) transitionLocked(to CircuitStatus) {
	from := b.status
	if from == to {
		return
	}
	b.status = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
