// Package prioritizer implements the Task Prioritizer (spec §4.5, component
// C5): a generic multi-level scheduler with high/low priority thresholds
// that runs, pauses and resumes arbitrary work. No teacher equivalent
// exists (the proxy's downloader used a flat worker pool, internal/dash's
// downloader.go); this package follows that file's worker/queue shape but
// adds the priority-banding semantics spec.md requires, using
// golang.org/x/sync/semaphore for the "high" band's concurrency gate the
// way ManuGH-xg2g's proxy server gates concurrent streams.
package prioritizer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// State is a Task's runtime state.
type State int

const (
	StateWaiting State = iota
	StateRunning
	StatePaused
	StateDone
)

// Task is the generic unit of work the prioritizer schedules. Start is
// invoked when the task transitions to Running; it must itself watch ctx
// and return promptly on cancellation. Abort is invoked to pause or cancel
// a running task; it must stop work and not mutate shared state further,
// per spec §5's cancellation semantics.
type Task interface {
	Start(ctx context.Context)
	Abort()
}

// entry is the prioritizer's bookkeeping for one submitted task.
type entry struct {
	task     Task
	priority int
	state    State
	cancel   context.CancelFunc
}

// Thresholds configures the high/low priority bands (spec §4.5): priority
// <= High runs immediately and concurrently; priority in (High, Low] starts
// only when no strictly-higher-priority task is running or waiting; priority
// > Low is pauseable.
type Thresholds struct {
	High int
	Low  int
}

// Prioritizer schedules Tasks by priority under the semantics of spec
// §4.5. Lower integer values mean higher priority.
type Prioritizer struct {
	thresholds Thresholds
	highSlots  *semaphore.Weighted

	mu      sync.Mutex
	tasks   map[int]*entry
	nextID  int
	running map[int]struct{} // ids currently Running, any band
}

// New creates a Prioritizer. highConcurrency bounds how many priority<=High
// tasks may run at once (0 means unbounded).
func New(thresholds Thresholds, highConcurrency int64) *Prioritizer {
	p := &Prioritizer{
		thresholds: thresholds,
		tasks:      make(map[int]*entry),
		running:    make(map[int]struct{}),
	}
	if highConcurrency > 0 {
		p.highSlots = semaphore.NewWeighted(highConcurrency)
	}
	return p
}

// TaskID is an opaque per-submission handle returned by Submit, used by
// the caller to Cancel or UpdatePriority without holding onto internal
// state.
type TaskID int

// Submit enqueues task at priority and immediately runs it if its band
// allows, pausing any lower-priority pauseable tasks that must yield.
func (p *Prioritizer) Submit(task Task, priority int) TaskID {
	p.mu.Lock()
	defer p.mu.Unlock()

	tid := p.nextID
	p.nextID++
	e := &entry{task: task, priority: priority, state: StateWaiting}
	p.tasks[tid] = e

	p.scheduleLocked()
	return TaskID(tid)
}

// UpdatePriority may promote (resume) or demote (pause) the task
// identified by tid.
func (p *Prioritizer) UpdatePriority(tid TaskID, priority int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.tasks[int(tid)]
	if !ok || e.state == StateDone {
		return
	}
	// A running task that crosses the High threshold gives up or takes a
	// high-band slot; with no slot free it is paused until one frees up.
	if e.state == StateRunning && p.highSlots != nil && p.isHighBand(e.priority) != p.isHighBand(priority) {
		if p.isHighBand(e.priority) {
			p.highSlots.Release(1)
		} else if !p.highSlots.TryAcquire(1) {
			p.pauseLocked(int(tid), e)
		}
	}
	e.priority = priority
	p.scheduleLocked()
}

// Cancel ends the task identified by tid and releases its slot.
func (p *Prioritizer) Cancel(tid TaskID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(int(tid))
}

func (p *Prioritizer) finishLocked(rawID int) {
	e, ok := p.tasks[rawID]
	if !ok || e.state == StateDone {
		return
	}
	if e.state == StateRunning {
		e.task.Abort()
		if e.cancel != nil {
			e.cancel()
		}
		if p.isHighBand(e.priority) && p.highSlots != nil {
			p.highSlots.Release(1)
		}
	}
	e.state = StateDone
	delete(p.running, rawID)
	delete(p.tasks, rawID)
	p.scheduleLocked()
}

func (p *Prioritizer) isHighBand(priority int) bool { return priority <= p.thresholds.High }

func (p *Prioritizer) isMidBand(priority int) bool {
	return priority > p.thresholds.High && priority <= p.thresholds.Low
}

// scheduleLocked re-evaluates every task's desired state given current
// priorities, and starts/pauses tasks to converge on it. Caller holds p.mu.
func (p *Prioritizer) scheduleLocked() {
	// Determine the best (lowest-numbered) priority among tasks that are
	// either already running or waiting to run.
	bestPriority := 0
	hasAny := false
	for _, e := range p.tasks {
		if e.state == StateDone {
			continue
		}
		if !hasAny || e.priority < bestPriority {
			bestPriority = e.priority
			hasAny = true
		}
	}

	for rawID, e := range p.tasks {
		switch {
		case e.state == StateDone:
			continue
		case p.isHighBand(e.priority):
			p.ensureRunningLocked(rawID, e)
		case p.isMidBand(e.priority):
			if hasAny && bestPriority < e.priority {
				// A strictly higher-priority task exists; mid-band tasks
				// only run when nothing higher is running, but they are
				// not pauseable once started (spec §4.5: only priority >
				// Low is pauseable). If not yet started, hold it waiting.
				if e.state != StateRunning {
					continue
				}
			}
			p.ensureRunningLocked(rawID, e)
		default: // low band: pauseable
			if hasAny && bestPriority < e.priority {
				p.pauseLocked(rawID, e)
			} else {
				p.ensureRunningLocked(rawID, e)
			}
		}
	}
}

func (p *Prioritizer) ensureRunningLocked(rawID int, e *entry) {
	if e.state == StateRunning {
		return
	}
	if p.isHighBand(e.priority) && p.highSlots != nil {
		if !p.highSlots.TryAcquire(1) {
			return // at capacity; stays waiting until a slot frees up
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.state = StateRunning
	p.running[rawID] = struct{}{}
	go e.task.Start(ctx)
}

func (p *Prioritizer) pauseLocked(rawID int, e *entry) {
	if e.state != StateRunning {
		e.state = StateWaiting
		return
	}
	e.task.Abort()
	if e.cancel != nil {
		e.cancel()
	}
	delete(p.running, rawID)
	e.state = StatePaused
}

// Snapshot returns the current state of every tracked task, for debugging
// and tests.
func (p *Prioritizer) Snapshot() map[int]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]State, len(p.tasks))
	for rawID, e := range p.tasks {
		out[rawID] = e.state
	}
	return out
}
