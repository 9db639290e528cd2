package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/internal/cancel"
	"github.com/oht50/firmware-core/rtu"
)

// smartReadRetries and smartReadDelay implement the recipe-group retry
// policy: "up to 3 retries with 100 ms spacing".
const (
	smartReadRetries = 3
	smartReadDelay   = 100 * time.Millisecond
)

// Reader is the read-only subset of rtu.Transport a poll group needs.
type Reader interface {
	ReadHoldingRegisters(ctx context.Context, addr rtu.Address, start rtu.Register, qty rtu.Quantity) ([]uint16, error)
}

// smartRead performs a register-group read with its own bounded retry loop
// and an "all zeros" sanity filter: a group that reads back as all-zero
// registers is treated as a failed read rather than a silently accepted
// one, since every shipped register map has at least one non-zero field
// when a module is actually alive.
func smartRead(ctx context.Context, r Reader, log *zap.Logger, addr rtu.Address, g Group) ([]uint16, error) {
	var lastErr error
	for attempt := 0; attempt <= smartReadRetries; attempt++ {
		vals, err := r.ReadHoldingRegisters(ctx, addr, g.Start, g.Quantity)
		if err == nil {
			if allZero(vals) {
				lastErr = errAllZero
			} else {
				return vals, nil
			}
		} else {
			lastErr = err
		}

		if attempt < smartReadRetries {
			log.Debug("smart read retry",
				zap.Uint8("address", uint8(addr)), zap.String("group", g.Name),
				zap.Int("attempt", attempt+1), zap.Error(lastErr))
			if !cancel.SleepUntil(ctx, smartReadDelay) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func allZero(vals []uint16) bool {
	for _, v := range vals {
		if v != 0 {
			return false
		}
	}
	return len(vals) > 0
}

var errAllZero = allZeroError{}

type allZeroError struct{}

func (allZeroError) Error() string { return "scheduler: register group read back all zeros" }
