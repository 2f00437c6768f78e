package app

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Custom application-level errors for operator actions
var ErrOperatorNotAuthorized = fmt.Errorf("performing user is not authorized as an operator")
var ErrNoSweepYet = fmt.Errorf("no expiration sweep has run yet")

// Sweeper runs one expiration sweep at the given instant.
type Sweeper interface {
	RunSweep(ctx context.Context, now time.Time) SweepResult
}

// OperatorService is the entry point for scheduled and operator-triggered sweeps.
// It remembers the most recent result.
type OperatorService struct {
	sweeper         Sweeper
	adminTelegramID int64
	clock           func() time.Time

	mu   sync.RWMutex
	last *SweepResult
}

func NewOperatorService(sw Sweeper, adminID int64) *OperatorService {
	return &OperatorService{
		sweeper:         sw,
		adminTelegramID: adminID,
		clock:           time.Now,
	}
}

// IsOperator reports whether the Telegram user may run operator commands.
func (s *OperatorService) IsOperator(telegramID int64) bool {
	return s.adminTelegramID != 0 && telegramID == s.adminTelegramID
}

// Run executes a sweep at the current UTC time and stores its result.
func (s *OperatorService) Run(ctx context.Context) SweepResult {
	result := s.sweeper.RunSweep(ctx, s.clock().UTC())

	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()
	return result
}

// TriggerSweep runs a sweep on behalf of an operator.
func (s *OperatorService) TriggerSweep(ctx context.Context, performingID int64) (SweepResult, error) {
	if !s.IsOperator(performingID) {
		return SweepResult{}, ErrOperatorNotAuthorized
	}
	return s.Run(ctx), nil
}

// LastSweep returns the result of the most recent sweep.
func (s *OperatorService) LastSweep(performingID int64) (SweepResult, error) {
	if !s.IsOperator(performingID) {
		return SweepResult{}, ErrOperatorNotAuthorized
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return SweepResult{}, ErrNoSweepYet
	}
	return *s.last, nil
}
