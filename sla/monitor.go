// Package sla implements the deadline monitor: a periodic scan over active
// requests that marks expired ones sla_breached and warns about the ones
// running out of budget. The monitor is not a queue consumer; it talks to
// PostgreSQL directly and never cancels in-flight stage work.
package sla

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
)

// AtRiskFraction of the SLA budget: when the remaining time drops below
// sla_seconds multiplied by this fraction, the request is logged as at risk.
const AtRiskFraction = 0.3

// DefaultInterval between scans.
const DefaultInterval = 5 * time.Second

// leaderLockName guards against concurrent monitor replicas double-scanning.
const leaderLockName = "sla_monitor"

// Store is the database surface the monitor needs.
type Store interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Locker is the advisory-lock surface used for leader election. Optional:
// a nil Locker means every replica scans, which is safe but noisy.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// Remaining returns the time left until the deadline; negative when past.
func Remaining(deadline, now time.Time) time.Duration {
	return deadline.Sub(now)
}

// Breached reports whether the deadline has passed.
func Breached(deadline, now time.Time) bool {
	return !deadline.After(now)
}

// AtRisk reports whether a still-unbreached request has less than the
// at-risk fraction of its SLA budget remaining.
func AtRisk(deadline, now time.Time, slaSeconds int) bool {
	remaining := Remaining(deadline, now)
	if remaining <= 0 {
		return false
	}
	budget := time.Duration(float64(slaSeconds)*AtRiskFraction) * time.Second
	return remaining < budget
}

// Monitor runs the periodic SLA scan.
type Monitor struct {
	store    Store
	locker   Locker
	interval time.Duration
	log      *logrus.Entry
}

// NewMonitor creates a monitor. locker may be nil when Redis is not
// configured; interval defaults to DefaultInterval when zero.
func NewMonitor(store Store, locker Locker, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		store:    store,
		locker:   locker,
		interval: interval,
		log:      common.ComponentLogger("sla_monitor"),
	}
}

// Run scans on every tick until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.WithField("interval", m.interval.String()).Info("sla monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("sla monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.log.WithError(err).Error("sla scan failed")
			}
		}
	}
}

// Tick runs one scan, first taking the leader lock when one is configured.
// Replicas that lose the lock skip the scan.
func (m *Monitor) Tick(ctx context.Context) error {
	if m.locker != nil {
		acquired, err := m.locker.AcquireLock(ctx, leaderLockName, m.interval)
		if err != nil {
			return err
		}
		if !acquired {
			m.log.Debug("another replica holds the leader lock")
			return nil
		}
	}
	_, _, err := m.Scan(ctx)
	return err
}

// Scan marks expired active requests breached and logs the at-risk ones.
// Returns the number of breached and at-risk requests.
func (m *Monitor) Scan(ctx context.Context) (int, int, error) {
	breached, err := m.breachExpired(ctx)
	if err != nil {
		return 0, 0, err
	}
	atRisk, err := m.warnAtRisk(ctx)
	if err != nil {
		return breached, 0, err
	}
	return breached, atRisk, nil
}

func (m *Monitor) breachExpired(ctx context.Context) (int, error) {
	message := "SLA deadline exceeded at " + time.Now().UTC().Format(time.RFC3339)
	rows, err := m.store.Query(ctx, `
		UPDATE requests
		SET status = $1,
		    error_message = $2,
		    updated_at = NOW()
		WHERE status NOT IN ($3, $4, $5)
		  AND deadline_utc IS NOT NULL
		  AND deadline_utc <= NOW()
		RETURNING id, workflow_name`,
		db.StatusSLABreached, message, db.StatusCompleted, db.StatusFailed, db.StatusSLABreached,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id, workflowName string
		if err := rows.Scan(&id, &workflowName); err != nil {
			return count, err
		}
		count++
		m.log.WithFields(logrus.Fields{
			"request_id": id,
			"workflow":   workflowName,
		}).Warn("sla breached")
	}
	return count, rows.Err()
}

func (m *Monitor) warnAtRisk(ctx context.Context) (int, error) {
	rows, err := m.store.Query(ctx, `
		SELECT id, deadline_utc, sla_seconds
		FROM requests
		WHERE status NOT IN ($1, $2, $3)
		  AND deadline_utc IS NOT NULL
		  AND deadline_utc > NOW()
		  AND deadline_utc < NOW() + make_interval(secs => sla_seconds * $4)`,
		db.StatusCompleted, db.StatusFailed, db.StatusSLABreached, AtRiskFraction,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	now := time.Now().UTC()
	for rows.Next() {
		var id string
		var deadline time.Time
		var slaSeconds int
		if err := rows.Scan(&id, &deadline, &slaSeconds); err != nil {
			return count, err
		}
		count++
		m.log.WithFields(logrus.Fields{
			"request_id":        id,
			"remaining_seconds": int(Remaining(deadline, now).Seconds()),
			"sla_seconds":       slaSeconds,
		}).Warn("sla at risk")
	}
	return count, rows.Err()
}
