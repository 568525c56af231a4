package queue

import (
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// run is the dispatch loop. It wakes on signal() and when the earliest
// backoff expires.
func (q *Queue) run() {
	defer q.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		next := q.dispatch()
		if next.IsZero() {
			timer.Stop()
		} else {
			timer.Reset(time.Until(next))
		}

		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		case <-timer.C:
		}
	}
}

// dispatch starts every ready operation a free slot allows and returns the
// earliest future ready time, or zero if nothing is waiting on backoff.
func (q *Queue) dispatch() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.closed || q.processor == nil {
		return time.Time{}
	}

	now := time.Now()
	var next time.Time
	for _, e := range q.orderedLocked() {
		if q.inflight[e.op.Path] {
			continue
		}
		if e.readyAt.After(now) {
			if next.IsZero() || e.readyAt.Before(next) {
				next = e.readyAt
			}
			continue
		}
		// A finishing worker signals, so stopping here loses nothing.
		if !q.sem.TryAcquire(1) {
			break
		}
		q.inflight[e.op.Path] = true
		op := e.op
		processor := q.processor
		q.wg.Add(1)
		go q.process(processor, op)
	}
	return next
}

func (q *Queue) process(processor Processor, op PendingOperation) {
	defer q.wg.Done()
	defer q.signal()
	defer q.sem.Release(1)

	start := time.Now()
	err := processor(q.ctx, op)
	q.cfg.Metrics.RecordUpload(time.Since(start), err == nil)
	q.complete(op, err)
}

// complete applies the outcome of one attempt and emits events.
func (q *Queue) complete(op PendingOperation, err error) {
	attempts := op.Attempts + 1

	q.mu.Lock()
	delete(q.inflight, op.Path)
	if q.closed {
		q.mu.Unlock()
		return
	}

	e := q.ops[op.Path]
	current := e != nil && e.op.seq == op.seq
	var events []Event

	switch {
	case err == nil:
		if current {
			delete(q.ops, op.Path)
			q.unpersistLocked(op.Path)
		} else if e != nil {
			// A newer payload arrived during the upload; send it next.
			e.op.Attempts = 0
			e.readyAt = time.Time{}
			q.persistLocked(e.op)
		}
		events = append(events, Event{Type: EventUploadSuccess, Path: op.Path, Attempts: attempts})

	case e == nil:
		// Dequeued while in flight.
		events = append(events, Event{Type: EventUploadError, Path: op.Path, Attempts: attempts, Err: err})

	case q.shouldRetry(err):
		e.op.Attempts = attempts
		delay := q.backoff(attempts)
		e.readyAt = time.Now().Add(delay)
		q.persistLocked(e.op)
		events = append(events, Event{
			Type:      EventUploadError,
			Path:      op.Path,
			Attempts:  attempts,
			Err:       err,
			WillRetry: true,
			RetryIn:   delay,
		})
		if attempts == q.cfg.WarnAfter {
			events = append(events, Event{
				Type:      EventUploadWarning,
				Path:      op.Path,
				Attempts:  attempts,
				Err:       err,
				WillRetry: true,
				RetryIn:   delay,
			})
		}

	case current:
		delete(q.ops, op.Path)
		q.unpersistLocked(op.Path)
		events = append(events, Event{Type: EventUploadError, Path: op.Path, Attempts: attempts, Err: err})

	default:
		// The failed payload is already superseded; try the new one now.
		e.op.Attempts = 0
		e.readyAt = time.Time{}
		q.persistLocked(e.op)
		events = append(events, Event{Type: EventUploadError, Path: op.Path, Attempts: attempts, Err: err, WillRetry: true})
	}

	q.notifyLocked()
	depth := len(q.ops)
	q.mu.Unlock()

	q.cfg.Metrics.SetQueueDepth(depth)
	for _, ev := range events {
		q.log(ev)
		q.emit(ev)
	}
}

func (q *Queue) shouldRetry(err error) bool {
	if q.cfg.ShouldRetry == nil {
		return true
	}
	return q.cfg.ShouldRetry(err)
}

// backoff returns BaseDelay * 2^min(attempts, MaxBackoffExponent) with
// ±Jitter applied.
func (q *Queue) backoff(attempts int) time.Duration {
	d := Backoff(q.cfg.BaseDelay, attempts, q.cfg.MaxBackoffExponent)
	if q.cfg.Jitter > 0 {
		d = time.Duration(float64(d) * (1 + q.cfg.Jitter*(rand.Float64()*2-1)))
	}
	return d
}

// Backoff computes the delay before the next attempt without jitter.
func Backoff(base time.Duration, attempts, maxExponent int) time.Duration {
	exp := attempts
	if exp > maxExponent {
		exp = maxExponent
	}
	if exp < 0 {
		exp = 0
	}
	return time.Duration(float64(base) * math.Pow(2, float64(exp)))
}

func (q *Queue) log(ev Event) {
	fields := []zap.Field{zap.String("path", ev.Path), zap.Int("attempts", ev.Attempts)}
	switch ev.Type {
	case EventUploadSuccess:
		q.logger.Debug("upload succeeded", fields...)
	case EventUploadWarning:
		q.logger.Warn("upload keeps failing", append(fields, zap.Error(ev.Err), zap.Duration("retry_in", ev.RetryIn))...)
	default:
		if ev.WillRetry {
			q.logger.Info("upload failed, will retry", append(fields, zap.Error(ev.Err), zap.Duration("retry_in", ev.RetryIn))...)
		} else {
			q.logger.Warn("upload failed", append(fields, zap.Error(ev.Err))...)
		}
	}
}
