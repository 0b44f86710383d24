package orchestrator

import (
	"sync"
	"time"

	"github.com/ChuLiYu/maga-orchestrator/internal/clock"
	"github.com/ChuLiYu/maga-orchestrator/internal/errmodel"
	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// PlanStore keeps finished plan results for later lookup. Entries expire
// after ttl; expired entries are dropped lazily on Put.
type PlanStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	results map[types.PlanID]storedResult
}

type storedResult struct {
	result  types.PlanResult
	expires time.Time
}

// NewPlanStore creates a store. ttl <= 0 keeps results for an hour.
func NewPlanStore(ttl time.Duration, clk clock.Clock) *PlanStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &PlanStore{ttl: ttl, clock: clk, results: make(map[types.PlanID]storedResult)}
}

// Put records a result.
func (s *PlanStore) Put(r types.PlanResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for id, e := range s.results {
		if now.After(e.expires) {
			delete(s.results, id)
		}
	}
	s.results[r.PlanID] = storedResult{result: r, expires: now.Add(s.ttl)}
}

// Get returns a stored result.
func (s *PlanStore) Get(id types.PlanID) (types.PlanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.results[id]
	if !ok || s.clock.Now().After(e.expires) {
		return types.PlanResult{}, errmodel.NotFound("plan %s not found", id)
	}
	return e.result, nil
}

// Len returns the number of retained results, expired ones included.
func (s *PlanStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
