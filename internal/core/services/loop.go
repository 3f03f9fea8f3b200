package services

import "sync"

// eventLoop serializes all state transitions of the signaling core: roster,
// session map and negotiators are mutated only from closures executed here,
// one at a time, so none of them need locks. Handlers must not block; slow
// work (transport calls, channel I/O) runs in goroutines that post their
// continuations back.
type eventLoop struct {
	events chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventLoop(buffer int) *eventLoop {
	if buffer <= 0 {
		buffer = 256
	}
	return &eventLoop{
		events: make(chan func(), buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.quit:
			// Drain what was admitted before the stop.
			for {
				select {
				case fn := <-l.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post schedules fn; returns false once the loop is stopped.
func (l *eventLoop) post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.events <- fn:
		return true
	case <-l.quit:
		return false
	}
}

func (l *eventLoop) stop() {
	l.once.Do(func() { close(l.quit) })
	<-l.done
}
