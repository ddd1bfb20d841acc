// Package postgres implements the Postgres half of the Work Distributor:
// a LISTEN on the task_ready channel that wakes workers the moment
// notify_task_ready() fires, backed by a poll fallback so a missed or
// dropped notification never stalls a pipeline. The reconnect-on-error
// LISTEN loop carries a bare wakeup signal rather than a typed payload,
// since every notification here means the same thing regardless of
// which row changed: "check task_outbox again".
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloacina-io/cloacina/internal/logging"
	"github.com/cloacina-io/cloacina/internal/store"
)

const notifyChannel = "task_ready"

var log = logging.Component("distributor.postgres")

// Distributor implements executor.WorkSource against a Postgres store,
// using LISTEN/NOTIFY to wake idle workers and a poll fallback (every
// pollInterval) in case a notification never arrives.
type Distributor struct {
	st           store.Store
	pool         *pgxpool.Pool
	pollInterval time.Duration

	wake chan struct{}
}

// New wires a Distributor over st (a *postgres.Store, passed as
// store.Store to keep this package decoupled from the concrete type)
// and pool (the same pgxpool.Pool the store was built from, used only
// for LISTEN).
func New(st store.Store, pool *pgxpool.Pool, pollInterval time.Duration) *Distributor {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Distributor{st: st, pool: pool, pollInterval: pollInterval, wake: make(chan struct{}, 1)}
}

// Run starts the LISTEN loop in the background until ctx is cancelled.
// Call it once before handing the Distributor to an executor.Pool.
func (d *Distributor) Run(ctx context.Context) {
	go d.listenLoop(ctx)
}

func (d *Distributor) listenLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := d.listen(ctx); err != nil {
			log.WithError(err).Warn("listen connection dropped, reconnecting in 1s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (d *Distributor) listen(ctx context.Context) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	log.WithField("channel", notifyChannel).Info("listening for task readiness notifications")

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return err
		}
		d.signal()
	}
}

func (d *Distributor) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Next blocks until a task is claimable, a notification arrives, the
// poll interval elapses, or ctx is done. It satisfies executor.WorkSource.
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
	case <-d.wake:
		return store.ClaimedTask{}, false, nil
	case <-timer.C:
		return store.ClaimedTask{}, false, nil
	}
}
