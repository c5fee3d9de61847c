// Package dispatcher implements the two cooperative event loops described
// in spec.md §4.9 and §5: an Input loop (adapter commands, frontend
// events, DVR reads) and a Network/User loop (command channel, polling
// sinks), each on its own goroutine with an explicit wake channel so it
// can be interrupted for reconfiguration or shutdown without blocking.
//
// A real "add watcher for fd readiness" reactor would sit on
// golang.org/x/sys/unix.Poll; this package instead exposes a timer/command
// driven loop and leaves fd readiness to the caller (the TS Filter's read
// loop reads the Adapter's DVR on its own goroutine, outside any Loop),
// which is the "equivalent" spec.md §4.9 explicitly allows in place of a
// literal wake-up pipe.
package dispatcher

import (
	"log"
	"sync"
	"time"
)

// Task is one unit of work run on a Loop's own goroutine.
type Task func()

// Watcher fires repeatedly on its own interval until removed.
type Watcher struct {
	id       int
	interval time.Duration
	waited   time.Duration // time accumulated since the last firing
	fn       func()
}

// Loop is one named event loop: a queue of posted Tasks, a set of interval
// Watchers, and a wake channel used to break out of a blocking wait.
type Loop struct {
	Name string

	mu       sync.Mutex
	tasks    chan Task
	wake     chan struct{}
	watchers map[int]*Watcher
	nextID   int
	running  bool
	stopped  chan struct{}
	exitCh   chan struct{}
}

// NewLoop returns a Loop with the given task-queue depth.
func NewLoop(name string, queueDepth int) *Loop {
	return &Loop{
		Name:     name,
		tasks:    make(chan Task, queueDepth),
		wake:     make(chan struct{}, 1),
		watchers: make(map[int]*Watcher),
		stopped:  make(chan struct{}),
	}
}

// Post enqueues a task to run on the loop's goroutine and wakes the loop.
// Callers never block on the task executing; Post returns once the task is
// queued (or immediately, if the queue is full and the loop has already
// stopped).
func (l *Loop) Post(t Task) {
	select {
	case l.tasks <- t:
		l.wakeUp()
	default:
		// Queue full: wait for room rather than silently drop a command.
		// This mirrors a bounded pipe write blocking briefly under load.
		select {
		case l.tasks <- t:
			l.wakeUp()
		case <-l.stopped:
		}
	}
}

func (l *Loop) wakeUp() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AddWatcher registers fn to run every interval until RemoveWatcher is
// called, and returns an id for removal.
func (l *Loop) AddWatcher(interval time.Duration, fn func()) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.watchers[id] = &Watcher{id: id, interval: interval, fn: fn}
	return id
}

// RemoveWatcher unregisters a previously added watcher.
func (l *Loop) RemoveWatcher(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.watchers, id)
}

// Run executes the loop until Stop is called. It is meant to be the entire
// body of the loop's dedicated goroutine.
func (l *Loop) Run() {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	defer close(l.stopped)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	lastTick := time.Now()

	for {
		select {
		case t, ok := <-l.tasks:
			if !ok {
				return
			}
			l.runTask(t)
		case <-l.wake:
			// Loop woken for reconfiguration; drain any ready tasks then
			// fall through to re-check stop state via the outer select.
		case now := <-ticker.C:
			elapsed := now.Sub(lastTick)
			lastTick = now
			l.fireWatchers(elapsed)
		case <-l.exitSignal():
			return
		}
	}
}

// exitSignal returns exitCh, which Stop closes; it is used only to break
// Run's select.
func (l *Loop) exitSignal() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.exitCh == nil {
		l.exitCh = make(chan struct{})
	}
	return l.exitCh
}

func (l *Loop) fireWatchers(elapsed time.Duration) {
	l.mu.Lock()
	watchers := make([]*Watcher, 0, len(l.watchers))
	for _, w := range l.watchers {
		watchers = append(watchers, w)
	}
	l.mu.Unlock()
	for _, w := range watchers {
		w.waited += elapsed
		if w.waited < w.interval {
			continue
		}
		w.waited = 0
		w.fn()
	}
}

func (l *Loop) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatcher: %s loop task panicked: %v", l.Name, r)
		}
	}()
	t()
}

// Stop requests the loop exit and blocks until its goroutine has returned.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.exitCh == nil {
		l.exitCh = make(chan struct{})
	}
	select {
	case <-l.exitCh:
		l.mu.Unlock()
		<-l.stopped
		return
	default:
		close(l.exitCh)
	}
	l.mu.Unlock()
	l.wakeUp()
	<-l.stopped
}

// Dispatcher owns the Input and Network/User loops and the orderly
// shutdown sequence from spec.md §4.9: stop Network/User first and wait
// for it, then stop Input and wait for it.
type Dispatcher struct {
	Input        *Loop
	NetworkUser  *Loop
	syncNetUser  bool
	wg           sync.WaitGroup
}

// New returns a Dispatcher. When sync is true, Network/User work is run
// inline on whatever goroutine calls Dispatcher.Run instead of its own
// goroutine (the "sync mode" collapse spec.md §5 allows at startup).
func New(sync bool) *Dispatcher {
	return &Dispatcher{
		Input:       NewLoop("input", 256),
		NetworkUser: NewLoop("network-user", 256),
		syncNetUser: sync,
	}
}

// Run starts both loops (Input always on its own goroutine; Network/User
// on its own goroutine unless sync mode is enabled) and blocks until both
// have been stopped.
func (d *Dispatcher) Run() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Input.Run()
	}()

	if d.syncNetUser {
		d.NetworkUser.Run()
	} else {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.NetworkUser.Run()
		}()
	}
	d.wg.Wait()
}

// Shutdown stops Network/User first, waits for it, then stops Input and
// waits for it — the exact order spec.md §4.9 requires.
func (d *Dispatcher) Shutdown() {
	d.NetworkUser.Stop()
	d.Input.Stop()
}
