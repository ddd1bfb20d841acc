// Package sqlite implements the SQLite half of the Work Distributor
//. SQLite has no LISTEN/NOTIFY equivalent, so readiness
// discovery is pure polling at a short baseline interval — cheap enough
// given SQLite's single-process, single-writer deployment target.
package sqlite

import (
	"context"
	"time"

	"github.com/cloacina-io/cloacina/internal/store"
)

const defaultPollInterval = 500 * time.Millisecond

// Distributor implements executor.WorkSource against a SQLite store by
// polling task_outbox on a fixed interval.
type Distributor struct {
	st           store.Store
	pollInterval time.Duration
}

func New(st store.Store, pollInterval time.Duration) *Distributor {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Distributor{st: st, pollInterval: pollInterval}
}

// Next blocks until a task is claimable, the poll interval elapses, or
// ctx is done. It satisfies executor.WorkSource.
func (d *Distributor) Next(ctx context.Context, workerID string) (store.ClaimedTask, bool, error) {
	claimed, ok, err := d.st.ClaimReadyTask(ctx, workerID, nil)
	if err != nil {
		return store.ClaimedTask{}, false, err
	}
	if ok {
		return claimed, true, nil
	}

	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return store.ClaimedTask{}, false, nil
	case <-timer.C:
		return store.ClaimedTask{}, false, nil
	}
}
