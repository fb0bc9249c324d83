package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrInvalidWindow = errors.New("goal end must be after start")
var ErrExpired = errors.New("goal already ended")

// Task is a demand goal. A zero End means the goal never ends.
type Task struct {
	ID     string    `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end,omitempty"`
	Target float64   `json:"target"`
}

func (t Task) contains(now time.Time) bool {
	return !now.Before(t.Start) && (t.End.IsZero() || now.Before(t.End))
}

func (t Task) ended(now time.Time) bool {
	return !t.End.IsZero() && !now.Before(t.End)
}

func (t Task) overlaps(o Task) bool {
	return (o.End.IsZero() || t.Start.Before(o.End)) && (t.End.IsZero() || o.Start.Before(t.End))
}

type Edge string

var EdgeStart = Edge("start")
var EdgeEnd = Edge("end")

// Event is posted by a timer when a goal starts or ends. Generation identifies the schedule
// that armed the timer so events of replaced or cancelled goals are ignored.
type Event struct {
	ID         string
	Generation uint64
	Edge       Edge
}

type Timer interface {
	Stop() bool
}

// AfterFunc arms a one shot timer. time.AfterFunc satisfies it through Wall.
type AfterFunc func(d time.Duration, f func()) Timer

func Wall(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type entry struct {
	task   Task
	gen    uint64
	timers []Timer
}

func (e *entry) stop() {
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = nil
}

// Scheduler keeps the demand goals and the limit they impose. It is not safe for concurrent use;
// timers only post events which the owner hands back to Fire.
type Scheduler struct {
	tasks  map[string]*entry
	post   func(Event)
	after  AfterFunc
	gen    uint64
	active string
	limit  *float64
}

// New returns a Scheduler arming timers with after. A nil after disables timers and the owner must
// call CheckSchedule instead.
func New(post func(Event), after AfterFunc) *Scheduler {
	return &Scheduler{
		tasks: make(map[string]*entry),
		post:  post,
		after: after,
	}
}

// Schedule installs task replacing any task with the same id and cancelling every task it overlaps.
func (s *Scheduler) Schedule(task Task, now time.Time) error {
	if !task.End.IsZero() && !task.End.After(task.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidWindow, task.ID)
	}
	if task.ended(now) {
		return fmt.Errorf("%w: %s", ErrExpired, task.ID)
	}

	s.Cancel(task.ID)
	for _, id := range s.ids() {
		if s.tasks[id].task.overlaps(task) {
			logrus.WithFields(logrus.Fields{
				"goal":       id,
				"replacedBy": task.ID,
			}).Info("cancelling overlapping goal")
			s.Cancel(id)
		}
	}

	s.gen++
	e := &entry{task: task, gen: s.gen}
	s.tasks[task.ID] = e
	logrus.WithFields(logrus.Fields{
		"goal":   task.ID,
		"start":  task.Start,
		"end":    task.End,
		"target": task.Target,
	}).Info("scheduled goal")

	if task.contains(now) {
		s.activate(e)
	}
	if s.after == nil {
		return nil
	}
	if task.Start.After(now) {
		e.timers = append(e.timers, s.arm(e, EdgeStart, task.Start.Sub(now)))
	}
	if !task.End.IsZero() {
		e.timers = append(e.timers, s.arm(e, EdgeEnd, task.End.Sub(now)))
	}
	return nil
}

func (s *Scheduler) arm(e *entry, edge Edge, d time.Duration) Timer {
	ev := Event{ID: e.task.ID, Generation: e.gen, Edge: edge}
	return s.after(d, func() {
		s.post(ev)
	})
}

// Fire applies a timer event. Events for tasks that were replaced or cancelled are ignored.
func (s *Scheduler) Fire(ev Event) {
	e, ok := s.tasks[ev.ID]
	if !ok || e.gen != ev.Generation {
		logrus.WithField("goal", ev.ID).Debug("ignoring stale goal event")
		return
	}
	switch ev.Edge {
	case EdgeStart:
		s.activate(e)
	case EdgeEnd:
		s.remove(ev.ID)
	}
}

// CheckSchedule applies and clears goals by comparing with now instead of relying on timers.
func (s *Scheduler) CheckSchedule(now time.Time) *float64 {
	var current *entry
	for _, id := range s.ids() {
		e := s.tasks[id]
		if e.task.ended(now) {
			s.remove(id)
			continue
		}
		if e.task.contains(now) && (current == nil || e.task.Start.After(current.task.Start)) {
			current = e
		}
	}
	if current == nil {
		s.clear()
		return nil
	}
	if s.active != current.task.ID {
		s.activate(current)
	}
	return s.Limit()
}

// Cancel removes the task with id. It reports whether such a task existed.
func (s *Scheduler) Cancel(id string) bool {
	if _, ok := s.tasks[id]; !ok {
		return false
	}
	s.remove(id)
	return true
}

// Limit returns the active demand limit or nil when no goal is in force.
func (s *Scheduler) Limit() *float64 {
	if s.limit == nil {
		return nil
	}
	v := *s.limit
	return &v
}

// Tasks returns the scheduled tasks ordered by start.
func (s *Scheduler) Tasks() []Task {
	out := make([]Task, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) ids() []string {
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) activate(e *entry) {
	target := e.task.Target
	s.active = e.task.ID
	s.limit = &target
	logrus.WithFields(logrus.Fields{
		"goal":   e.task.ID,
		"target": target,
	}).Info("demand limit set")
}

func (s *Scheduler) clear() {
	if s.active == "" && s.limit == nil {
		return
	}
	logrus.WithField("goal", s.active).Info("demand limit cleared")
	s.active = ""
	s.limit = nil
}

func (s *Scheduler) remove(id string) {
	e, ok := s.tasks[id]
	if !ok {
		return
	}
	e.stop()
	delete(s.tasks, id)
	if s.active == id {
		s.clear()
	}
}
