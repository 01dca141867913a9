package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is a mock implementation of Scheduler for testing.
type MockScheduler struct {
	mu            sync.Mutex
	schedules     map[string]RecurringSend // map[scheduleID]send
	sweepInterval time.Duration
	createErr     error
	deleteErr     error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]RecurringSend),
	}
}

// CreateRecurringSendSchedule records that a schedule was created.
func (m *MockScheduler) CreateRecurringSendSchedule(ctx context.Context, send RecurringSend) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := recurringScheduleID(send.ID)
	if _, exists := m.schedules[id]; exists {
		return fmt.Errorf("schedule %q already exists", id)
	}
	m.schedules[id] = send
	return nil
}

// DeleteRecurringSendSchedule records that a schedule was deleted.
func (m *MockScheduler) DeleteRecurringSendSchedule(ctx context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sid := recurringScheduleID(id)
	if _, exists := m.schedules[sid]; !exists {
		return fmt.Errorf("schedule %q not found", sid)
	}

	delete(m.schedules, sid)
	return nil
}

// EnsureSweepSchedule records the sweep interval.
func (m *MockScheduler) EnsureSweepSchedule(ctx context.Context, interval time.Duration) error {
	if m.createErr != nil {
		return m.createErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepInterval = interval
	return nil
}

// SetCreateError makes create calls return an error.
func (m *MockScheduler) SetCreateError(err error) {
	m.createErr = err
}

// SetDeleteError makes DeleteRecurringSendSchedule return an error.
func (m *MockScheduler) SetDeleteError(err error) {
	m.deleteErr = err
}

// RecurringSend returns the recorded schedule for id.
func (m *MockScheduler) RecurringSend(id string) (RecurringSend, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	send, ok := m.schedules[recurringScheduleID(id)]
	return send, ok
}

// SweepInterval returns the interval passed to the last EnsureSweepSchedule.
func (m *MockScheduler) SweepInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepInterval
}

// ScheduleCount returns the number of recurring send schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}

// Reset clears all schedules and errors.
func (m *MockScheduler) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules = make(map[string]RecurringSend)
	m.sweepInterval = 0
	m.createErr = nil
	m.deleteErr = nil
}
