// Package telemetry exposes the OpenTelemetry metric counters shared
// across the execution engine and the advisory lock service. It defaults
// to the process-wide no-op MeterProvider when none is configured, so no
// collector is required to run.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("go.trai.ch/e3")

var (
	executedCounter      = mustCounter("e3.tasks.executed", "tasks run to completion")
	cachedCounter        = mustCounter("e3.tasks.cached", "tasks satisfied from the execution record cache")
	failedCounter        = mustCounter("e3.tasks.failed", "tasks that returned an error")
	skippedCounter       = mustCounter("e3.tasks.skipped", "tasks skipped because an upstream dependency failed or an input was unassigned")
	lockAcquiredCounter  = mustCounter("e3.locks.acquired", "workspace lock acquisitions")
	lockContendedCounter = mustCounter("e3.locks.contended", "workspace lock acquisitions that found a live holder")
)

func mustCounter(name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		panic(err)
	}
	return c
}

// RecordExecuted counts one task run to completion by a task runner.
func RecordExecuted(ctx context.Context) { executedCounter.Add(ctx, 1) }

// RecordCached counts one task satisfied from the execution record cache.
func RecordCached(ctx context.Context) { cachedCounter.Add(ctx, 1) }

// RecordFailed counts one task that returned an error or non-zero exit.
func RecordFailed(ctx context.Context) { failedCounter.Add(ctx, 1) }

// RecordSkipped counts one task skipped by cascade or an unassigned input.
func RecordSkipped(ctx context.Context) { skippedCounter.Add(ctx, 1) }

// RecordLockAcquired counts one successful workspace lock acquisition.
func RecordLockAcquired(ctx context.Context) { lockAcquiredCounter.Add(ctx, 1) }

// RecordLockContended counts one acquisition attempt that found a live holder.
func RecordLockContended(ctx context.Context) { lockContendedCounter.Add(ctx, 1) }
