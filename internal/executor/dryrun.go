package executor

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"cdpguard/internal/planner"
)

// DryRun encodes plans and logs them instead of broadcasting.
type DryRun struct {
	logger zerolog.Logger
}

// NewDryRun builds a logging executor.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{logger: logger.With().Str("component", "dryrun_executor").Logger()}
}

// Submit validates and encodes the plan so encoding errors surface exactly as they would live.
func (d *DryRun) Submit(ctx context.Context, plan planner.Plan) Result {
	spells, err := EncodeSpells(plan)
	if err != nil {
		return failed("", fmt.Errorf("%w: %v", ErrExecution, err))
	}

	for i, op := range plan.Operations {
		d.logger.Info().
			Str("plan_id", plan.ID).
			Int("step", i).
			Str("target", spells.Targets[i]).
			Str("op", op.String()).
			Str("calldata", "0x"+hex.EncodeToString(spells.Datas[i])).
			Msg("dry-run spell")
	}
	return Result{Success: true, TxRef: "dry-run:" + plan.ID}
}

var _ Executor = (*DryRun)(nil)
