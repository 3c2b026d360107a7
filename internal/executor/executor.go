package executor

import (
	"context"
	"errors"

	"cdpguard/internal/planner"
)

// ErrExecution wraps every failed submission. A failed submission never changes the position.
var ErrExecution = errors.New("executor: submission failed")

// Result is the terminal outcome of one plan submission.
type Result struct {
	Success bool
	TxRef   string
	Err     error
}

// Executor submits a plan as one atomic transaction and waits for its outcome.
type Executor interface {
	Submit(ctx context.Context, plan planner.Plan) Result
}

func failed(txRef string, err error) Result {
	return Result{Success: false, TxRef: txRef, Err: err}
}
