package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/convoy/internal/model"
)

// mockDB implements the DB interface for testing.
type mockDB struct {
	mock.Mock
}

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	return m.scanFunc(dest...)
}

func testRecord() model.RolloutRecord {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return model.RolloutRecord{
		ID:              "9f1c2a1e-0000-0000-0000-000000000001",
		Host:            "web-1",
		ManifestVersion: "v42",
		StartedAt:       started,
		FinishedAt:      started.Add(45 * time.Second),
		Outcome:         model.OutcomeSucceeded,
		Health: []model.HealthCheckResult{
			{Service: "web", Healthy: true, CheckedAt: started.Add(30 * time.Second)},
		},
	}
}

func TestRecordStore_Append(t *testing.T) {
	db := &mockDB{}
	s := NewRecordStore(db)
	rec := testRecord()

	db.On("Exec", mock.Anything, mock.Anything, mock.MatchedBy(func(args []any) bool {
		if args[0] != rec.ID || args[1] != "web-1" || args[5] != "succeeded" {
			return false
		}
		var health []model.HealthCheckResult
		require.NoError(t, json.Unmarshal(args[7].([]byte), &health))
		return len(health) == 1 && health[0].Service == "web"
	})).Return(pgconn.CommandTag{}, nil)

	err := s.Append(context.Background(), rec)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestRecordStore_GetByID(t *testing.T) {
	db := &mockDB{}
	s := NewRecordStore(db)
	want := testRecord()
	health, err := json.Marshal(want.Health)
	require.NoError(t, err)

	db.On("QueryRow", mock.Anything, mock.Anything, []any{want.ID}).Return(&mockRow{
		scanFunc: func(dest ...any) error {
			*dest[0].(*string) = want.ID
			*dest[1].(*string) = want.Host
			*dest[2].(*string) = want.ManifestVersion
			*dest[3].(*time.Time) = want.StartedAt
			*dest[4].(*time.Time) = want.FinishedAt
			*dest[5].(*model.RolloutOutcome) = want.Outcome
			*dest[6].(*string) = want.Reason
			*dest[7].(*[]byte) = health
			return nil
		},
	})

	got, err := s.GetByID(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, &want, got)
}

func TestRecordStore_GetByID_NotFound(t *testing.T) {
	db := &mockDB{}
	s := NewRecordStore(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{
		scanFunc: func(dest ...any) error { return pgx.ErrNoRows },
	})

	_, err := s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
