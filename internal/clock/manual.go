package clock

import (
	"sync"
	"time"
)

// Manual is a Clock and Scheduler driven by explicit Advance calls.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	id       int
	interval time.Duration
	next     time.Time
	fn       func()
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, tasks: make(map[int]*manualTask)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.tasks[id] = &manualTask{id: id, interval: interval, next: m.now.Add(interval), fn: fn}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.tasks, id)
		m.mu.Unlock()
	}
}

// Pending returns the number of scheduled tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Set moves the clock to t without firing any task.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	for _, task := range m.tasks {
		if task.next.Before(t) {
			task.next = t.Add(task.interval)
		}
	}
	m.mu.Unlock()
}

// Advance moves the clock forward by d, firing due tasks in time order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var due *manualTask
		for _, task := range m.tasks {
			if task.next.After(target) {
				continue
			}
			if due == nil || task.next.Before(due.next) || (task.next.Equal(due.next) && task.id < due.id) {
				due = task
			}
		}
		if due == nil {
			m.now = target
			m.mu.Unlock()
			return
		}
		m.now = due.next
		due.next = due.next.Add(due.interval)
		fn := due.fn
		m.mu.Unlock()

		fn()
	}
}
