package post

import (
	"sync"

	"github.com/xiaonanln/gostate/engine/consts"
	"github.com/xiaonanln/gostate/engine/gwutils"
)

// PostCallback is the type of functions to be posted
type PostCallback func()

// Queue holds callbacks posted from any goroutine, to be executed by the single goroutine owning the queue
//
// Post never blocks and never runs the callback directly, even when called by the owning goroutine.
// The owner waits on C() and calls Tick to run everything posted so far.
type Queue struct {
	lock      sync.Mutex
	callbacks []PostCallback
	notify    chan struct{}
}

// NewQueue creates a post queue
func NewQueue() *Queue {
	return &Queue{
		callbacks: make([]PostCallback, 0, consts.CLIENT_POST_QUEUE_SIZE/100),
		notify:    make(chan struct{}, 1),
	}
}

var defaultQueue = NewQueue()

// Post a callback which will be executed when other things are done in the owner's routine
//
// Post might be called from other goroutine, so we use a lock to protect the data
func (q *Queue) Post(f PostCallback) {
	q.lock.Lock()
	q.callbacks = append(q.callbacks, f)
	q.lock.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
		// already notified
	}
}

// C returns the channel which is ready when callbacks are posted
func (q *Queue) C() <-chan struct{} {
	return q.notify
}

// Len returns the number of callbacks waiting
func (q *Queue) Len() int {
	q.lock.Lock()
	n := len(q.callbacks)
	q.lock.Unlock()
	return n
}

// Tick is called by the owner routine to run all posted functions
func (q *Queue) Tick() {
	for { // loop until there is no callbacks posted anymore
		q.lock.Lock() // lock to check number of callbacks
		if len(q.callbacks) == 0 {
			q.lock.Unlock()
			break // all callbacked executed, quit
		}
		// switch callbacks in locked section
		callbacksCopy := q.callbacks
		q.callbacks = make([]PostCallback, 0, len(callbacksCopy))
		q.lock.Unlock()

		for _, f := range callbacksCopy {
			gwutils.RunPanicless(f)
		}
	}
}

// Post a callback to the queue of the main routine
func Post(f PostCallback) {
	defaultQueue.Post(f)
}

// Tick runs all callbacks posted to the queue of the main routine
func Tick() {
	defaultQueue.Tick()
}

// C returns the notify channel of the queue of the main routine
func C() <-chan struct{} {
	return defaultQueue.C()
}
