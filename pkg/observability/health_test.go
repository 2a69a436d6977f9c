package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoleDefinitionProbeMock(t *testing.T) (*HealthChecker, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	return NewHealthChecker(db, nil), mock, func() { db.Close() }
}

func expectHealthyDatabaseProbe(mock sqlmock.Sqlmock) {
	mock.ExpectPing().WillReturnError(nil)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM role_definition").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
}

func TestNewHealthCheckerWiresOptionalDependencies(t *testing.T) {
	t.Run("no dependencies", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil)
		assert.Nil(t, checker.db)
		assert.Nil(t, checker.redis)
	})

	t.Run("database only", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		assert.NotNil(t, NewHealthChecker(db, nil).db)
	})

	t.Run("redis only", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		assert.NotNil(t, NewHealthChecker(nil, client).redis)
	})
}

func TestLivenessIsAlwaysHealthy(t *testing.T) {
	checker := NewHealthChecker(nil, nil)
	req := httptest.NewRequest("GET", "/health/live", nil)
	rr := httptest.NewRecorder()
	checker.Liveness(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, StatusHealthy, body["status"])
	assert.Contains(t, body, "timestamp")
}

func TestReadinessStatusCode(t *testing.T) {
	t.Run("no dependencies is 200", func(t *testing.T) {
		checker := NewHealthChecker(nil, nil)
		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("unhealthy database returns 503", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		mock.ExpectPing().WillReturnError(errors.New("connection failed"))

		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))

		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var status HealthStatus
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
		assert.Equal(t, StatusUnhealthy, status.Status)
	})

	t.Run("degraded redis still returns 200", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		expectHealthyDatabaseProbe(mock)

		redisClient := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
		defer redisClient.Close()
		checker.redis = redisClient

		rr := httptest.NewRecorder()
		checker.Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		var status HealthStatus
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
		assert.Equal(t, StatusDegraded, status.Status)
	})
}

func TestCheckAggregatesDependencyStatuses(t *testing.T) {
	t.Run("nothing configured", func(t *testing.T) {
		status := NewHealthChecker(nil, nil).Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Empty(t, status.Dependencies)
		assert.False(t, status.Timestamp.IsZero())
	})

	t.Run("healthy database registers one dependency", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		expectHealthyDatabaseProbe(mock)

		status := checker.Check(context.Background())
		require.Len(t, status.Dependencies, 1)
		dbStatus, ok := status.Dependencies["database"]
		require.True(t, ok)
		assert.NotEqual(t, StatusUnhealthy, dbStatus.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy database fails the whole status", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		status := checker.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, StatusUnhealthy, status.Dependencies["database"].Status)
	})

	t.Run("healthy redis registers with nonzero latency", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		status := NewHealthChecker(nil, client).Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		redisStatus, ok := status.Dependencies["redis"]
		require.True(t, ok)
		assert.Equal(t, StatusHealthy, redisStatus.Status)
		assert.NotZero(t, redisStatus.Latency)
	})

	t.Run("unreachable redis degrades rather than fails", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
		defer client.Close()

		status := NewHealthChecker(nil, client).Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
	})

	t.Run("database and redis both healthy", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		expectHealthyDatabaseProbe(mock)

		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer redisClient.Close()
		checker.redis = redisClient

		status := checker.Check(context.Background())
		require.Len(t, status.Dependencies, 2)
		assert.NotEqual(t, StatusUnhealthy, status.Dependencies["database"].Status)
		assert.NotEqual(t, StatusUnhealthy, status.Dependencies["redis"].Status)
	})
}

func TestCheckDatabaseProbesRoleDefinitionTable(t *testing.T) {
	t.Run("ping and probe both succeed", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		expectHealthyDatabaseProbe(mock)

		status := checker.checkDatabase(context.Background())
		assert.NotEqual(t, StatusUnhealthy, status.Status)
		assert.NotZero(t, status.Latency)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ping fails before the probe query ever runs", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		status := checker.checkDatabase(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "connection refused", status.Message)
	})

	t.Run("role_definition probe query fails", func(t *testing.T) {
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		mock.ExpectPing().WillReturnError(nil)
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM role_definition").
			WillReturnError(errors.New("relation \"role_definition\" does not exist"))

		status := checker.checkDatabase(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.True(t, strings.Contains(status.Message, "role_definition probe failed"))
	})
}

func TestCheckRedisReportsLatencyAndErrors(t *testing.T) {
	t.Run("ping succeeds", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		status := (&HealthChecker{redis: client}).checkRedis(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Empty(t, status.Message)
		assert.NotZero(t, status.Latency)
		assert.False(t, status.Timestamp.IsZero())
	})

	t.Run("ping fails", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:9999"})
		defer client.Close()

		status := (&HealthChecker{redis: client}).checkRedis(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.NotEmpty(t, status.Message)
	})
}

func TestRegisterHealthRoutesOnMuxRouter(t *testing.T) {
	t.Run("registers all three paths", func(t *testing.T) {
		router := mux.NewRouter()
		RegisterHealthRoutes(router, NewHealthChecker(nil, nil))

		for _, path := range []string{"/health", "/health/live", "/health/ready"} {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
			assert.Equalf(t, http.StatusOK, rr.Code, "path %s", path)
		}
	})

	t.Run("readiness route surfaces dependency detail", func(t *testing.T) {
		router := mux.NewRouter()
		checker, mock, cleanup := newRoleDefinitionProbeMock(t)
		defer cleanup()
		expectHealthyDatabaseProbe(mock)
		RegisterHealthRoutes(router, checker)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", "/health", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var status HealthStatus
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
		assert.Contains(t, status.Dependencies, "database")
	})
}

func TestHealthStatusConstants(t *testing.T) {
	assert.Equal(t, "healthy", StatusHealthy)
	assert.Equal(t, "degraded", StatusDegraded)
	assert.Equal(t, "unhealthy", StatusUnhealthy)
}

func TestHealthStatusRoundTripsThroughJSON(t *testing.T) {
	original := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().Round(time.Second),
		Version:   "1.0.0",
		Dependencies: map[string]DependencyStatus{
			"database": {Status: StatusHealthy, Message: "OK", Latency: 10 * time.Millisecond, Timestamp: time.Now().Round(time.Second)},
		},
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded HealthStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.Version, decoded.Version)
}

func TestDependencyStatusRoundTripsThroughJSON(t *testing.T) {
	original := DependencyStatus{Status: StatusDegraded, Message: "high latency", Latency: 500 * time.Millisecond, Timestamp: time.Now().Round(time.Second)}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded DependencyStatus
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original.Status, decoded.Status)
	assert.Equal(t, original.Message, decoded.Message)
}
