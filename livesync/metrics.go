// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package livesync

import (
	"context"
	"time"
)

// StageTiming describes one timed remote call.
type StageTiming struct {
	Collection string
	Stage      string // one of the Op* remote operation names
	Duration   time.Duration
	Count      int
	Error      bool
}

// StageMetricsRecorder receives stage timings. Implementations must be safe
// for concurrent use.
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to StageMetricsRecorder.
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (c *Collection[T]) stageStart() time.Time {
	if c.cfg.StageMetrics == nil && !c.cfg.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (c *Collection[T]) observeStage(ctx context.Context, stage string, start time.Time, count int, err error) {
	if start.IsZero() {
		return
	}

	timing := StageTiming{
		Collection: c.name,
		Stage:      stage,
		Duration:   time.Since(start),
		Count:      count,
		Error:      err != nil,
	}
	if c.cfg.StageMetrics != nil {
		c.cfg.StageMetrics.ObserveStage(ctx, timing)
	}
	if c.cfg.LogStageTimings {
		c.logger.Debug("Stage timing",
			"collection", timing.Collection,
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
