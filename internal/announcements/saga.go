package announcements

import (
	"context"

	"github.com/congregation-app/backend/internal/logging"
)

// step is one forward action with an optional undo.
type step struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// runSaga executes steps in order. When a step fails, the compensations of
// the steps that already succeeded run in reverse order and the failed step's
// name and error are returned. Compensation failures are logged, not returned.
func runSaga(ctx context.Context, logger *logging.Logger, steps []step) (string, error) {
	done := make([]step, 0, len(steps))

	for _, st := range steps {
		if err := st.run(ctx); err != nil {
			log := logger.WithContext(ctx).WithField("step", st.name)
			log.WithError(err).Warn("saga step failed; compensating")

			// Undo even if the request context is already cancelled.
			undoCtx := context.WithoutCancel(ctx)
			for i := len(done) - 1; i >= 0; i-- {
				if done[i].compensate == nil {
					continue
				}
				if cerr := done[i].compensate(undoCtx); cerr != nil {
					logger.WithContext(ctx).WithError(cerr).WithField("step", done[i].name).
						Error("saga compensation failed")
				}
			}
			return st.name, err
		}
		done = append(done, st)
	}
	return "", nil
}
