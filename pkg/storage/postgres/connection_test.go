package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsgraph/rbacengine/pkg/observability"
)

func TestParseReplicaURLsSplitsTrimsAndDrops(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "postgres://a/db", []string{"postgres://a/db"}},
		{"padded and duplicated separators", " postgres://a/db ,, postgres://b/db ,", []string{"postgres://a/db", "postgres://b/db"}},
		{"only separators", " , , ", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseReplicaURLs(tc.input))
		})
	}
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, nil)
}

func TestNewConnectionManagerRejectsBadPrimary(t *testing.T) {
	t.Run("malformed URL", func(t *testing.T) {
		cm, err := NewConnectionManager(ConnectionConfig{
			PrimaryURL: "not-a-dsn://nope",
			MaxConns:   10, MinConns: 2,
			Timeout: 5 * time.Second, MaxLifetime: time.Hour, MaxIdleTime: 10 * time.Minute,
		}, testLogger())
		require.Error(t, err)
		assert.Nil(t, cm)
		assert.True(t,
			strings.Contains(err.Error(), "failed to open primary connection") ||
				strings.Contains(err.Error(), "failed to ping primary"))
	})

	t.Run("unreachable host", func(t *testing.T) {
		cm, err := NewConnectionManager(ConnectionConfig{
			PrimaryURL: "postgres://nonexistent:9999/rbac?connect_timeout=1",
			MaxConns:   10, MinConns: 2,
			Timeout: 2 * time.Second, MaxLifetime: time.Hour, MaxIdleTime: 10 * time.Minute,
		}, nil)
		require.Error(t, err)
		assert.Nil(t, cm)
		assert.Contains(t, err.Error(), "failed to ping primary")
	})
}

func TestConnectionManagerPrimaryAccessor(t *testing.T) {
	primary := &sql.DB{}
	cm := &ConnectionManager{primary: primary, logger: testLogger()}
	assert.Same(t, primary, cm.Primary())
}

func TestReplicaSelectionRoundRobin(t *testing.T) {
	t.Run("no replicas falls back to primary", func(t *testing.T) {
		primary := &sql.DB{}
		cm := &ConnectionManager{primary: primary, logger: testLogger()}
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("single replica always wins", func(t *testing.T) {
		replica := &sql.DB{}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{replica}, logger: testLogger()}
		assert.Same(t, replica, cm.Replica())
	})

	t.Run("cycles evenly across three replicas", func(t *testing.T) {
		r := []*sql.DB{{}, {}, {}}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: r, logger: testLogger()}

		counts := make(map[*sql.DB]int)
		for i := 0; i < 30; i++ {
			counts[cm.Replica()]++
		}
		for _, replica := range r {
			assert.Equal(t, 10, counts[replica])
		}
	})

	t.Run("concurrent selection never returns nil and stays in bounds", func(t *testing.T) {
		r := []*sql.DB{{}, {}}
		cm := &ConnectionManager{primary: &sql.DB{}, replicas: r, logger: testLogger()}

		var wg sync.WaitGroup
		results := make(chan *sql.DB, 200)
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- cm.Replica()
			}()
		}
		wg.Wait()
		close(results)

		total := 0
		for got := range results {
			require.NotNil(t, got)
			total++
		}
		assert.Equal(t, 200, total)
	})
}

func TestAllReplicasReturnsDefensiveCopy(t *testing.T) {
	r1, r2 := &sql.DB{}, &sql.DB{}
	cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1, r2}, logger: testLogger()}

	copyA := cm.AllReplicas()
	require.Len(t, copyA, 2)
	copyA[0] = &sql.DB{}

	copyB := cm.AllReplicas()
	assert.Same(t, r1, copyB[0])
}

func TestHealthCheckAggregatesPrimaryAndReplicas(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()
		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		primaryMock.ExpectPing()
		replicaMock.ExpectPing()

		cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{replicaDB}, logger: testLogger()}
		require.NoError(t, cm.HealthCheck(context.Background()))
		assert.NoError(t, primaryMock.ExpectationsWereMet())
		assert.NoError(t, replicaMock.ExpectationsWereMet())
	})

	t.Run("primary down fails the whole check", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()
		primaryMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primaryDB, logger: testLogger()}
		err = cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("one of two replicas down is still healthy overall", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()
		goodDB, goodMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer goodDB.Close()
		badDB, badMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer badDB.Close()

		primaryMock.ExpectPing()
		goodMock.ExpectPing()
		badMock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{goodDB, badDB}, logger: testLogger()}
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("every replica down fails the check", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()
		r1, r1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer r1.Close()
		r2, r2Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer r2.Close()

		primaryMock.ExpectPing()
		r1Mock.ExpectPing().WillReturnError(errors.New("down"))
		r2Mock.ExpectPing().WillReturnError(errors.New("down"))

		cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{r1, r2}, logger: testLogger()}
		err = cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all replicas unhealthy")
	})

	t.Run("respects a canceled context", func(t *testing.T) {
		primaryDB, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer primaryDB.Close()

		cm := &ConnectionManager{primary: primaryDB, logger: testLogger()}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.Error(t, cm.HealthCheck(ctx))
	})
}

func TestConnectionStatsReflectsPoolShape(t *testing.T) {
	primaryDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer primaryDB.Close()
	r1, _, err := sqlmock.New()
	require.NoError(t, err)
	defer r1.Close()

	cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{r1}, logger: testLogger()}
	stats := cm.Stats()
	assert.Len(t, stats.Replicas, 1)

	cmNoReplicas := &ConnectionManager{primary: primaryDB, logger: testLogger()}
	assert.Empty(t, cmNoReplicas.Stats().Replicas)
}

func TestRemoveUnhealthyReplicasPrunesFailedPings(t *testing.T) {
	t.Run("none removed when all healthy", func(t *testing.T) {
		r1, r1Mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer r1.Close()
		r1Mock.ExpectPing()

		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{r1}, logger: testLogger()}
		assert.Equal(t, 0, cm.RemoveUnhealthyReplicas(context.Background()))
		assert.Len(t, cm.replicas, 1)
	})

	t.Run("dead replica is closed and dropped", func(t *testing.T) {
		good, goodMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer good.Close()
		dead, deadMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer dead.Close()

		goodMock.ExpectPing()
		deadMock.ExpectPing().WillReturnError(errors.New("refused"))
		deadMock.ExpectClose()

		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{good, dead}, logger: testLogger()}
		removed := cm.RemoveUnhealthyReplicas(context.Background())
		assert.Equal(t, 1, removed)
		require.Len(t, cm.replicas, 1)
		assert.Same(t, good, cm.replicas[0])
	})
}

func TestAddReplicaValidatesDSNBeforeAppending(t *testing.T) {
	cfg := ConnectionConfig{MaxConns: 10, MinConns: 2, Timeout: time.Second, MaxLifetime: time.Hour, MaxIdleTime: 10 * time.Minute}

	t.Run("malformed DSN", func(t *testing.T) {
		cm := &ConnectionManager{primary: &sql.DB{}, config: cfg, logger: testLogger()}
		err := cm.AddReplica("not-a-dsn://nope")
		require.Error(t, err)
		assert.True(t,
			strings.Contains(err.Error(), "failed to open replica connection") ||
				strings.Contains(err.Error(), "failed to ping replica"))
		assert.Empty(t, cm.replicas)
	})

	t.Run("unreachable host never gets appended", func(t *testing.T) {
		cm := &ConnectionManager{primary: &sql.DB{}, config: cfg, logger: testLogger()}
		err := cm.AddReplica("postgres://nonexistent:9999/rbac?connect_timeout=1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ping replica")
		assert.Empty(t, cm.replicas)
	})
}

func TestReplicaPoolSizeIsHalfPrimaryWithFloor(t *testing.T) {
	cases := []struct{ primaryMax, wantReplicaMax int }{
		{20, 10}, {100, 50}, {3, 2}, {1, 2}, {15, 7},
	}
	for _, tc := range cases {
		got := tc.primaryMax / 2
		if got < 2 {
			got = 2
		}
		assert.Equal(t, tc.wantReplicaMax, got)
	}
}

func TestConnectionManagerCloseTearsDownEverything(t *testing.T) {
	t.Run("primary only", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New()
		require.NoError(t, err)
		primaryMock.ExpectClose()

		cm := &ConnectionManager{primary: primaryDB, logger: testLogger()}
		require.NoError(t, cm.Close())
		assert.NoError(t, primaryMock.ExpectationsWereMet())
	})

	t.Run("primary and replicas, replicas cleared after close", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New()
		require.NoError(t, err)
		r1, r1Mock, err := sqlmock.New()
		require.NoError(t, err)

		primaryMock.ExpectClose()
		r1Mock.ExpectClose()

		cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{r1}, logger: testLogger()}
		require.NoError(t, cm.Close())
		assert.Nil(t, cm.replicas)
	})

	t.Run("collects close errors from every connection", func(t *testing.T) {
		primaryDB, primaryMock, err := sqlmock.New()
		require.NoError(t, err)
		r1, r1Mock, err := sqlmock.New()
		require.NoError(t, err)

		primaryMock.ExpectClose().WillReturnError(errors.New("primary close error"))
		r1Mock.ExpectClose().WillReturnError(errors.New("replica close error"))

		cm := &ConnectionManager{primary: primaryDB, replicas: []*sql.DB{r1}, logger: testLogger()}
		err = cm.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection close errors")
	})
}

// TestHealthCheckRoutinePrunesOnSchedule exercises the background ticker
// that drives RemoveUnhealthyReplicas, including the panic-recovery wrapper
// added around it.
func TestHealthCheckRoutinePrunesOnSchedule(t *testing.T) {
	t.Run("default interval applies when zero", func(t *testing.T) {
		cm := &ConnectionManager{primary: &sql.DB{}, logger: testLogger()}
		ctx, cancel := context.WithCancel(context.Background())
		cm.StartHealthCheckRoutine(ctx, 0)
		cancel()
		time.Sleep(50 * time.Millisecond)
	})

	t.Run("stops promptly on context cancellation", func(t *testing.T) {
		cm := &ConnectionManager{primary: &sql.DB{}, logger: testLogger()}
		ctx, cancel := context.WithCancel(context.Background())
		cm.StartHealthCheckRoutine(ctx, time.Second)
		cancel()
		time.Sleep(50 * time.Millisecond)
	})

	t.Run("removes a replica once it starts failing pings", func(t *testing.T) {
		replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer replicaDB.Close()

		replicaMock.ExpectPing()
		replicaMock.ExpectPing().WillReturnError(errors.New("connection lost"))
		replicaMock.ExpectClose()

		cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{replicaDB}, logger: testLogger()}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cm.StartHealthCheckRoutine(ctx, 50*time.Millisecond)
		time.Sleep(150 * time.Millisecond)
		cancel()
		time.Sleep(50 * time.Millisecond)

		cm.mu.RLock()
		remaining := len(cm.replicas)
		cm.mu.RUnlock()
		assert.Equal(t, 0, remaining)
	})
}

func TestConcurrentReadsAndPruningDontRace(t *testing.T) {
	replicaDB, replicaMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer replicaDB.Close()
	for i := 0; i < 50; i++ {
		replicaMock.ExpectPing()
	}

	cm := &ConnectionManager{primary: &sql.DB{}, replicas: []*sql.DB{replicaDB}, logger: testLogger()}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); _ = cm.AllReplicas() }()
	}
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() { defer wg.Done(); _ = cm.RemoveUnhealthyReplicas(context.Background()) }()
	}
	wg.Wait()
}
