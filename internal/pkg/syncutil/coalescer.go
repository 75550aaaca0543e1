// Package syncutil provides small concurrency helpers shared across services.
package syncutil

import (
	"sync"
	"time"
)

// DefaultCoalesceInterval is the delay between a scheduled write and its commit.
const DefaultCoalesceInterval = 500 * time.Millisecond

// Coalescer batches rapid successive write requests into a single commit.
// Schedule marks the state dirty and arms a timer; further Schedule calls
// within the interval reset the timer so a burst of mutations produces one
// commit. Flush commits immediately and Close flushes any pending write
// before shutting the worker down.
type Coalescer struct {
	interval time.Duration
	commit   func() error
	onError  func(error)

	schedule chan struct{}
	flush    chan chan error
	done     chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewCoalescer creates a coalescer that invokes commit after interval of
// quiet following a Schedule call. A non-positive interval falls back to
// DefaultCoalesceInterval. onError receives commit failures from the
// background worker; it may be nil.
func NewCoalescer(interval time.Duration, commit func() error, onError func(error)) *Coalescer {
	if interval <= 0 {
		interval = DefaultCoalesceInterval
	}
	c := &Coalescer{
		interval: interval,
		commit:   commit,
		onError:  onError,
		schedule: make(chan struct{}, 1),
		flush:    make(chan chan error),
		done:     make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Schedule marks pending state and (re)arms the commit timer.
// It never blocks; a schedule signal already in flight is sufficient.
func (c *Coalescer) Schedule() {
	select {
	case c.schedule <- struct{}{}:
	case <-c.done:
	default:
	}
}

// Flush commits any pending write synchronously and returns the commit error.
// If nothing is pending it commits anyway, so callers can use it as a
// write-through save.
func (c *Coalescer) Flush() error {
	reply := make(chan error, 1)
	select {
	case c.flush <- reply:
		return <-reply
	case <-c.done:
		return c.commit()
	}
}

// Close flushes pending state and stops the worker. It is safe to call
// multiple times; subsequent calls return nil.
func (c *Coalescer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Flush()
		close(c.done)
		c.wg.Wait()
	})
	return err
}

func (c *Coalescer) run() {
	defer c.wg.Done()

	timer := time.NewTimer(c.interval)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	for {
		select {
		case <-c.schedule:
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.interval)
			armed = true

		case <-timer.C:
			armed = false
			if err := c.commit(); err != nil && c.onError != nil {
				c.onError(err)
			}

		case reply := <-c.flush:
			if armed {
				if !timer.Stop() {
					<-timer.C
				}
				armed = false
			}
			reply <- c.commit()

		case <-c.done:
			if armed && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			return
		}
	}
}
