package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/store"
)

type fakeTrigger struct {
	submitted []*model.DeploymentManifest
	submitErr error
	nextID    string
	states    map[string]model.RolloutState
	depth     int
}

func (f *fakeTrigger) Submit(m *model.DeploymentManifest) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, m)
	return f.nextID, nil
}

func (f *fakeTrigger) Status(id string) (model.RolloutState, bool) {
	state, ok := f.states[id]
	return state, ok
}

func (f *fakeTrigger) QueueDepth() int { return f.depth }

type fakeRecords struct {
	records map[string]*model.RolloutRecord
	recent  []model.RolloutRecord
	err     error
}

func (f *fakeRecords) GetByID(_ context.Context, id string) (*model.RolloutRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecords) Recent(_ context.Context, _ string, _ int) ([]model.RolloutRecord, error) {
	return f.recent, f.err
}

func testServer(trigger *fakeTrigger, records *fakeRecords) *Server {
	return NewServer(zerolog.Nop(), trigger, records, nil, "web-1")
}

const manifestBody = `{
	"version": "v7",
	"services": [
		{"name": "web", "image": "ghcr.io/acme/web@sha256:` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `"}
	]
}`

func TestCreateRollout(t *testing.T) {
	trigger := &fakeTrigger{nextID: "r-1"}
	srv := testServer(trigger, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts", strings.NewReader(manifestBody))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp rolloutAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r-1", resp.ID)
	assert.Equal(t, model.RolloutPending, resp.State)

	require.Len(t, trigger.submitted, 1)
	assert.Equal(t, "v7", trigger.submitted[0].Version)
}

func TestCreateRollout_InvalidJSON(t *testing.T) {
	srv := testServer(&fakeTrigger{}, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts", bytes.NewReader([]byte("{not json")))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")
}

func TestCreateRollout_RejectedManifest(t *testing.T) {
	trigger := &fakeTrigger{submitErr: errors.New("image must be digest-pinned")}
	srv := testServer(trigger, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/rollouts", strings.NewReader(manifestBody))
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "digest-pinned")
}

func TestGetRollout_InFlight(t *testing.T) {
	trigger := &fakeTrigger{states: map[string]model.RolloutState{"r-9": model.RolloutHealthChecking}}
	srv := testServer(trigger, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/r-9", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rolloutStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.RolloutHealthChecking, resp.State)
	assert.Nil(t, resp.Record)
}

func TestGetRollout_QueuedBehindActive(t *testing.T) {
	// A trigger accepted with 202 but waiting behind an in-flight rollout
	// must still be pollable, not a 404.
	trigger := &fakeTrigger{states: map[string]model.RolloutState{
		"r-10": model.RolloutSwapping,
		"r-11": model.RolloutPending,
	}}
	srv := testServer(trigger, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/r-11", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rolloutStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r-11", resp.ID)
	assert.Equal(t, model.RolloutPending, resp.State)
	assert.Nil(t, resp.Record)
}

func TestGetRollout_Dropped(t *testing.T) {
	trigger := &fakeTrigger{states: map[string]model.RolloutState{"r-12": model.RolloutDropped}}
	srv := testServer(trigger, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/r-12", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rolloutStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.RolloutDropped, resp.State)
}

func TestGetRollout_Finished(t *testing.T) {
	want := &model.RolloutRecord{
		ID:              "r-2",
		Host:            "web-1",
		ManifestVersion: "v7",
		StartedAt:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt:      time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC),
		Outcome:         model.OutcomeRolledBack,
		Reason:          "health check timeout",
	}
	records := &fakeRecords{records: map[string]*model.RolloutRecord{"r-2": want}}
	srv := testServer(&fakeTrigger{}, records)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/r-2", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp rolloutStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Record)
	assert.Equal(t, model.OutcomeRolledBack, resp.Record.Outcome)
}

func TestGetRollout_NotFound(t *testing.T) {
	srv := testServer(&fakeTrigger{}, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts/unknown", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRollouts(t *testing.T) {
	records := &fakeRecords{recent: []model.RolloutRecord{
		{ID: "r-3", Outcome: model.OutcomeSucceeded},
		{ID: "r-2", Outcome: model.OutcomeRolledBack},
	}}
	srv := testServer(&fakeTrigger{depth: 2}, records)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/rollouts", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Host       string                `json:"host"`
		QueueDepth int                   `json:"queue_depth"`
		Records    []model.RolloutRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "web-1", resp.Host)
	assert.Equal(t, 2, resp.QueueDepth)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "r-3", resp.Records[0].ID)
}

func TestHealthz(t *testing.T) {
	srv := testServer(&fakeTrigger{}, &fakeRecords{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}
