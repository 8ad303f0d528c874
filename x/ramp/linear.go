// Package ramp steps an integer level towards a target over time.
package ramp

import (
	"context"
	"time"

	"audiocode-go/x/mathx"
)

// Step applies one intermediate level. An error stops the ramp.
type Step func(level int) error

// Linear moves from cur to to in steps equal increments spaced d apart,
// calling set for every level that differs from the previous one. The final
// call is always set(to). steps <= 1 or d <= 0 snaps straight to the target.
// It returns ctx.Err() if cancelled between steps.
func Linear(ctx context.Context, cur, to, steps int, d time.Duration, set Step) error {
	if steps <= 1 || d <= 0 || cur == to {
		return set(to)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	delta := to - cur
	if n := mathx.Abs(delta); steps > n {
		steps = n
	}
	t := time.NewTimer(d)
	defer t.Stop()

	acc, lvl := 0, cur
	for i := 1; i < steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		t.Reset(d)

		acc += delta
		inc := acc / steps
		if inc == 0 {
			continue
		}
		acc -= inc * steps
		lvl = mathx.Clamp(lvl+inc, cur, to)
		if err := set(lvl); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return set(to)
}
