package common

import (
	"sync/atomic"
	"time"
)

type Clock interface {
	NowMillis() uint64
}

type systemClock struct {
}

func SystemClock() Clock {
	return systemClock{}
}

func (c systemClock) NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// ManualClock is a Clock whose time only moves when the test advances it.
type ManualClock struct {
	now atomic.Uint64
}

func NewManualClock(startMillis uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(startMillis)
	return c
}

func (c *ManualClock) NowMillis() uint64 {
	return c.now.Load()
}

func (c *ManualClock) Advance(d time.Duration) {
	c.now.Add(uint64(d.Milliseconds()))
}
