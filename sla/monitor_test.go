package sla

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docproc.evalgo.org/db"

	"github.com/alicebob/miniredis/v2"
)

func TestBreached(t *testing.T) {
	now := time.Now().UTC()
	assert.True(t, Breached(now.Add(-time.Second), now))
	assert.True(t, Breached(now, now))
	assert.False(t, Breached(now.Add(time.Second), now))
}

func TestAtRisk(t *testing.T) {
	now := time.Now().UTC()
	tests := []struct {
		name       string
		deadline   time.Time
		slaSeconds int
		want       bool
	}{
		// 30% of a 60s budget is 18s.
		{name: "WellWithinBudget", deadline: now.Add(40 * time.Second), slaSeconds: 60, want: false},
		{name: "ExactlyAtThreshold", deadline: now.Add(18 * time.Second), slaSeconds: 60, want: false},
		{name: "BelowThreshold", deadline: now.Add(10 * time.Second), slaSeconds: 60, want: true},
		{name: "AlreadyBreached", deadline: now.Add(-time.Second), slaSeconds: 60, want: false},
		{name: "LongBudget", deadline: now.Add(2 * time.Minute), slaSeconds: 3600, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AtRisk(tt.deadline, now, tt.slaSeconds))
		})
	}
}

func TestRemaining(t *testing.T) {
	now := time.Now().UTC()
	assert.Equal(t, 30*time.Second, Remaining(now.Add(30*time.Second), now))
	assert.Equal(t, -10*time.Second, Remaining(now.Add(-10*time.Second), now))
}

// emptyRows satisfies pgx.Rows with zero result rows.
type emptyRows struct{}

func (emptyRows) Close()                                       {}
func (emptyRows) Err() error                                   { return nil }
func (emptyRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (emptyRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (emptyRows) Next() bool                                   { return false }
func (emptyRows) Scan(dest ...any) error                       { return nil }
func (emptyRows) Values() ([]any, error)                       { return nil, nil }
func (emptyRows) RawValues() [][]byte                          { return nil }
func (emptyRows) Conn() *pgx.Conn                              { return nil }

// countingStore records how often it was queried.
type countingStore struct {
	queries int
}

func (s *countingStore) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	s.queries++
	return emptyRows{}, nil
}

// recordingStore captures the queries a scan issues.
type recordingStore struct {
	sqls []string
	args [][]interface{}
}

func (s *recordingStore) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	s.sqls = append(s.sqls, sql)
	s.args = append(s.args, args)
	return emptyRows{}, nil
}

func TestScan_BreachMessageCarriesTimestamp(t *testing.T) {
	store := &recordingStore{}
	monitor := NewMonitor(store, nil, time.Minute)

	_, _, err := monitor.Scan(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, store.args)

	message, ok := store.args[0][1].(string)
	require.True(t, ok, "error_message is bound as the second parameter")
	require.True(t, strings.HasPrefix(message, "SLA deadline exceeded at "))

	stamp := strings.TrimPrefix(message, "SLA deadline exceeded at ")
	parsed, err := time.Parse(time.RFC3339, stamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), parsed, time.Minute)
}

func TestScan_AtRiskWindowExcludesBoundary(t *testing.T) {
	store := &recordingStore{}
	monitor := NewMonitor(store, nil, time.Minute)

	_, _, err := monitor.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, store.sqls, 2)

	// Strictly less than: a request exactly at the threshold is not at
	// risk, matching AtRisk.
	assert.Contains(t, store.sqls[1], "deadline_utc < NOW() + make_interval")
	assert.NotContains(t, store.sqls[1], "deadline_utc <= NOW() + make_interval")
}

func TestTick_LeaderElection(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := db.NewCacheRepository("redis://" + mr.Addr())
	require.NoError(t, err)
	defer cache.Close()

	first := &countingStore{}
	second := &countingStore{}
	leader := NewMonitor(first, cache, time.Minute)
	follower := NewMonitor(second, cache, time.Minute)

	ctx := context.Background()
	require.NoError(t, leader.Tick(ctx))
	require.NoError(t, follower.Tick(ctx))

	assert.Equal(t, 2, first.queries, "leader runs both scans")
	assert.Equal(t, 0, second.queries, "follower skips while the lock is held")

	// Once the lock expires the other replica can take over.
	mr.FastForward(2 * time.Minute)
	require.NoError(t, follower.Tick(ctx))
	assert.Equal(t, 2, second.queries)
}

func TestTick_NoLockerScansAlways(t *testing.T) {
	store := &countingStore{}
	monitor := NewMonitor(store, nil, time.Minute)

	require.NoError(t, monitor.Tick(context.Background()))
	require.NoError(t, monitor.Tick(context.Background()))
	assert.Equal(t, 4, store.queries)
}
