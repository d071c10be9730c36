package session

import (
	"fmt"
	"runtime"
	"strings"

	"code.hybscloud.com/iox"
)

// IdlePolicy decides what a poll loop does after a pass that found no
// completions.
type IdlePolicy int

const (
	// IdleSpin polls again immediately.
	IdleSpin IdlePolicy = iota
	// IdleYield gives the processor to other goroutines first.
	IdleYield
	// IdleBackoff waits with adaptive backoff, reset whenever a pass makes
	// progress.
	IdleBackoff
)

func (p IdlePolicy) String() string {
	switch p {
	case IdleSpin:
		return "spin"
	case IdleYield:
		return "yield"
	case IdleBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("IdlePolicy(%d)", int(p))
	}
}

// ParseIdlePolicy parses "spin", "yield" or "backoff".
func ParseIdlePolicy(s string) (IdlePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "spin":
		return IdleSpin, nil
	case "yield":
		return IdleYield, nil
	case "backoff":
		return IdleBackoff, nil
	default:
		return IdleSpin, fmt.Errorf("unknown idle policy %q", s)
	}
}

type waiter interface {
	Wait()
	Reset()
}

type spinWaiter struct{}

func (spinWaiter) Wait()  {}
func (spinWaiter) Reset() {}

type yieldWaiter struct{}

func (yieldWaiter) Wait()  { runtime.Gosched() }
func (yieldWaiter) Reset() {}

// waiter returns fresh idle state for one poll loop.
func (p IdlePolicy) waiter() waiter {
	switch p {
	case IdleYield:
		return yieldWaiter{}
	case IdleBackoff:
		return new(iox.Backoff)
	default:
		return spinWaiter{}
	}
}
