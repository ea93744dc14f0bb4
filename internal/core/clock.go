package core

import (
	"sync"
	"time"
)

// Clock supplies the ms-since-epoch reading passed to operations as Op.Now.
type Clock interface {
	NowMillis() int64
}

// MonotonicClock reads the wall clock but never goes backwards.
type MonotonicClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{now: time.Now}
}

func (c *MonotonicClock) NowMillis() int64 {
	ms := c.now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ms < c.last {
		ms = c.last
	}
	c.last = ms
	return ms
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() int64

func (f ClockFunc) NowMillis() int64 { return f() }
