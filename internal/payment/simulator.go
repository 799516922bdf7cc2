package payment

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/imrishuroy/go-checkout-saga/internal/money"
)

// Simulator is an in-memory Gateway used for local runs and tests. It deduplicates by
// key like a real provider would.
type Simulator struct {
	mu             sync.Mutex
	results        map[string]Result
	calls          int
	captured       money.Amount
	declineReason  string
	transientLeft  int
	declineAbove   money.Amount
	beforeResponse func(ctx context.Context) error
}

// NewSimulator returns a simulator that accepts every charge.
func NewSimulator() *Simulator {
	return &Simulator{results: map[string]Result{}}
}

// SetDecline makes every new charge fail with reason; an empty reason restores approval.
func (s *Simulator) SetDecline(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declineReason = reason
}

// SetDeclineAbove declines new charges greater than limit. Zero disables the limit.
func (s *Simulator) SetDeclineAbove(limit money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declineAbove = limit
}

// FailNext makes the next n calls return ErrTransient before touching any state.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientLeft = n
}

// OnCall installs a hook run at the start of every call; a non-nil return is the call's
// error. Tests use it to block until the caller's context expires.
func (s *Simulator) OnCall(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeResponse = fn
}

// AuthorizeAndCapture implements Gateway.
func (s *Simulator) AuthorizeAndCapture(ctx context.Context, amount money.Amount, key string) (Result, error) {
	s.mu.Lock()
	s.calls++
	hook := s.beforeResponse
	s.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return Result{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transientLeft > 0 {
		s.transientLeft--
		return Result{}, ErrTransient
	}
	if r, ok := s.results[key]; ok {
		return r, nil
	}

	var r Result
	switch {
	case s.declineReason != "":
		r = Result{Outcome: OutcomeDeclined, Reason: s.declineReason}
	case s.declineAbove > 0 && amount > s.declineAbove:
		r = Result{Outcome: OutcomeDeclined, Reason: "amount over limit"}
	default:
		r = Result{Outcome: OutcomeSucceeded, Reference: "sim_" + uuid.NewString()}
		s.captured += amount
	}
	s.results[key] = r
	return r, nil
}

// Calls returns how many times AuthorizeAndCapture was invoked.
func (s *Simulator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Charges returns the number of distinct successful charges.
func (s *Simulator) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.results {
		if r.Outcome == OutcomeSucceeded {
			n++
		}
	}
	return n
}

// Captured returns the total amount captured.
func (s *Simulator) Captured() money.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captured
}
