package scripting

import (
	"context"

	"github.com/lexlapax/engram/pkg/engine"
	"github.com/lexlapax/engram/pkg/log"
)

// Lua hook function names called by the consolidation scheduler
const (
	// Called after every successful consolidation pass
	// Parameters: report table {decayed, reinforced, started_at, duration}
	// Return: ignored
	afterConsolidationFuncName = "after_consolidation"

	// Called when the feedback volume of the last window crosses the threshold
	// Parameters: count number
	// Return: ignored
	onFeedbackThresholdFuncName = "on_feedback_threshold"
)

// Hooks adapts a scripting engine to the scheduler's maintenance hooks.
// Undefined hook functions are skipped.
type Hooks struct {
	engine Engine
}

// NewHooks creates scheduler hooks backed by the given scripting engine.
func NewHooks(engine Engine) *Hooks {
	return &Hooks{engine: engine}
}

// AfterConsolidate calls after_consolidation(report) when defined.
func (h *Hooks) AfterConsolidate(ctx context.Context, report engine.Report) error {
	return h.call(ctx, afterConsolidationFuncName, map[string]interface{}{
		"decayed":    report.Decayed,
		"reinforced": report.Reinforced,
		"started_at": report.StartedAt,
		"duration":   report.Duration,
	})
}

// OnFeedbackThreshold calls on_feedback_threshold(count) when defined.
func (h *Hooks) OnFeedbackThreshold(ctx context.Context, count int64) error {
	return h.call(ctx, onFeedbackThresholdFuncName, count)
}

func (h *Hooks) call(ctx context.Context, funcName string, args ...interface{}) error {
	if !h.engine.HasFunction(funcName) {
		log.DebugContext(ctx, "Lua hook not defined, skipping", "hook", funcName)
		return nil
	}
	_, err := h.engine.ExecuteFunction(ctx, funcName, args...)
	return err
}
