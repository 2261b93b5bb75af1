package events

import (
	"fmt"
	"time"
)

// Phase - фаза выполнения операции
type Phase string

const (
	PhasePrepare Phase = "prepare"
	PhaseSplit   Phase = "split"
	PhaseWork    Phase = "work"
	PhaseWrite   Phase = "write"
	PhaseCleanup Phase = "cleanup"
)

// RunError - ошибка операции экспорта, импорта или удаления с фазой,
// в которой она произошла
type RunError struct {
	Op    string
	Phase Phase
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s failed in %s phase: %v", e.Op, e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Status - итог операции
type Status string

const (
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusFailed    Status = "failed"
)

// Summary - итог операции для журнала результатов и отчета
type Summary struct {
	Operation string
	Status    Status
	Started   time.Time
	Finished  time.Time
	Counters  *Counters
	Files     []string
	Error     string
}

// Duration - длительность операции
func (s Summary) Duration() time.Duration {
	return s.Finished.Sub(s.Started)
}

// NewSummary строит итог по ошибке операции
// aborted - операция прервана пользователем
func NewSummary(op string, started time.Time, counters *Counters, aborted bool, err error) Summary {
	s := Summary{
		Operation: op,
		Status:    StatusCompleted,
		Started:   started,
		Finished:  time.Now(),
		Counters:  counters,
	}
	switch {
	case err != nil:
		s.Status = StatusFailed
		s.Error = err.Error()
	case aborted:
		s.Status = StatusAborted
	}
	return s
}
