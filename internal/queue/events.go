package queue

import "time"

// EventType names a queue event.
type EventType string

const (
	EventUploadSuccess EventType = "upload:success"
	EventUploadError   EventType = "upload:error"
	// EventUploadWarning fires once when an operation reaches the warning
	// attempt count while still being retried.
	EventUploadWarning EventType = "upload:warning"
)

// Event reports the outcome of one processing attempt.
type Event struct {
	Type     EventType
	Path     string
	Attempts int
	Err      error

	// WillRetry is true when the operation stays queued.
	WillRetry bool
	// RetryIn is the backoff before the next attempt, if known.
	RetryIn time.Duration
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn runs on a worker goroutine and must not block.
func (q *Queue) Subscribe(fn func(Event)) func() {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

func (q *Queue) emit(ev Event) {
	q.subMu.Lock()
	fns := make([]func(Event), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	q.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
