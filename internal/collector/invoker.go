package collector

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/ratelimit"
	"github.com/openpolicy/civicsync/internal/resilience"
)

// FailurePrefix starts the synthetic error of a failed invocation.
const FailurePrefix = "collector_failed: "

// Invoker runs collectors with a timeout, recovering panics. It never
// returns an error: every failure becomes a result with zero records and a
// single FailurePrefix error.
type Invoker struct {
	table    *Table
	breakers *resilience.Breakers
}

// NewInvoker creates an invoker over table. breakers may be nil.
func NewInvoker(table *Table, breakers *resilience.Breakers) *Invoker {
	return &Invoker{table: table, breakers: breakers}
}

type outcome struct {
	result model.CollectorResult
	err    error
}

// Invoke runs j's collector, bounded by timeout.
func (inv *Invoker) Invoke(ctx context.Context, j model.Jurisdiction, timeout time.Duration) model.CollectorResult {
	log := zap.L().With(zap.String("component", "collector"), zap.String("jurisdiction", j.ID))

	c, err := inv.table.Lookup(j)
	if err != nil {
		return failure(err.Error())
	}

	run := func(ctx context.Context) (model.CollectorResult, error) {
		return inv.runBounded(ctx, c, j, timeout)
	}

	var res model.CollectorResult
	if inv.breakers != nil && j.PrimaryEndpoint() != "" {
		res, err = resilience.Execute(ctx, inv.breakers.Get(ratelimit.DomainOf(j.PrimaryEndpoint())), run)
	} else {
		res, err = run(ctx)
	}
	if err != nil {
		log.Warn("collector failed", zap.Error(err))
		return failure(err.Error())
	}
	return res
}

func (inv *Invoker) runBounded(ctx context.Context, c Collector, j model.Jurisdiction, timeout time.Duration) (model.CollectorResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Buffered so a collector that ignores ctx can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("collector panic",
					zap.String("jurisdiction", j.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := c.Collect(ctx, j)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return model.CollectorResult{}, fmt.Errorf("timeout after %s", timeout)
			}
			return model.CollectorResult{}, o.err
		}
		return o.result, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return model.CollectorResult{}, fmt.Errorf("timeout after %s", timeout)
		}
		return model.CollectorResult{}, ctx.Err()
	}
}

func failure(reason string) model.CollectorResult {
	return model.CollectorResult{Errors: []string{FailurePrefix + reason}}
}

// Failed reports whether r is a synthetic invocation failure.
func Failed(r model.CollectorResult) bool {
	return len(r.Records) == 0 && len(r.Errors) == 1 && strings.HasPrefix(r.Errors[0], FailurePrefix)
}

// FailureError converts a failed result into a collector-failure error, or
// returns nil.
func FailureError(r model.CollectorResult) error {
	if !Failed(r) {
		return nil
	}
	return resilience.CollectorFailure(r.Errors[0])
}
