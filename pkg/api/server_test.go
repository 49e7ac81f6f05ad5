package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genesishq/genesis/pkg/bus"
	"github.com/genesishq/genesis/pkg/cloud"
	"github.com/genesishq/genesis/pkg/config"
	"github.com/genesishq/genesis/pkg/fleet"
	"github.com/genesishq/genesis/pkg/hibernation"
	"github.com/genesishq/genesis/pkg/sidecar"
	"github.com/genesishq/genesis/pkg/store/storetest"
	"github.com/genesishq/genesis/pkg/types"
)

type stubService struct {
	status types.ServiceStatus
}

func (s *stubService) Status() types.ServiceStatus { return s.status }

type world struct {
	server *Server
	mem    *storetest.Memory
	bus    *bus.Bus
	engine *fleet.Engine
}

func newWorld(t *testing.T, services ...StatusReporter) *world {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Port:                    3000,
		Version:                 "test",
		Queues:                  config.DefaultQueues(),
		IdempotencyWindow:       5 * time.Minute,
		DLQRetention:            30 * 24 * time.Hour,
		DLQAlertThreshold:       100,
		HibernateInactivityDays: 7,
		HibernateLoginDays:      14,
		WakeGap:                 time.Second,
	}
	b := bus.New(rdb, cfg)
	t.Cleanup(b.Close)

	mem := storetest.New()
	engine := fleet.NewEngine(mem, b)
	t.Cleanup(engine.Close)
	hib := hibernation.New(mem, cloud.NewDryRun(), sidecar.NewClient(time.Second), b, cfg)

	srv := NewServer(cfg, Deps{
		Store:       mem,
		Bus:         b,
		Engine:      engine,
		Hibernation: hib,
		Services:    services,
	})
	return &world{server: srv, mem: mem, bus: b, engine: engine}
}

func (w *world) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	w.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealthHealthy(t *testing.T) {
	w := newWorld(t,
		&stubService{types.ServiceStatus{Name: "watchdog", Running: true}},
		&stubService{types.ServiceStatus{Name: "heartbeat-processor", Running: true}},
	)

	rec := w.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[healthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Contains(t, resp.Services, "watchdog")
	assert.Contains(t, resp.Services, "heartbeat-processor")
}

func TestHealthDegradedAndUnhealthy(t *testing.T) {
	w := newWorld(t, &stubService{types.ServiceStatus{
		Name: "watchdog", Running: true, Degraded: true, Reason: "dependency unavailable",
	}})
	rec := w.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode[healthResponse](t, rec).Status)

	w2 := newWorld(t, &stubService{types.ServiceStatus{Name: "scale-alerts", Running: false}})
	rec = w2.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode[healthResponse](t, rec).Status)
}

func seedFleet(w *world, n int) {
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("t-%d", i)
		w.mem.AddTenant(types.Tenant{ID: id, Slug: id, Tier: types.TierStandard})
		w.mem.AddDroplet(types.Droplet{TenantID: id, ProviderID: int64(1000 + i), State: types.StateActiveHealthy})
	}
}

func TestCreateAndGetRollout(t *testing.T) {
	w := newWorld(t)
	seedFleet(w, 20)

	rec := w.do(t, http.MethodPost, "/api/v1/rollouts", createRolloutRequest{
		Component: "workflow:welcome",
		ToVersion: "v2",
		CreatedBy: "ops",
		Paused:    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ro := decode[types.Rollout](t, rec)
	assert.NotEmpty(t, ro.ID)
	assert.Equal(t, 20, ro.TotalTenants)
	assert.Equal(t, types.RolloutPending, ro.Status)

	rec = w.do(t, http.MethodGet, "/api/v1/rollouts/"+ro.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[rolloutResponse](t, rec)
	assert.Equal(t, ro.ID, got.Rollout.ID)
	assert.NotEmpty(t, got.Waves)
}

func TestCreateRolloutRejectsMissingFields(t *testing.T) {
	w := newWorld(t)
	rec := w.do(t, http.MethodPost, "/api/v1/rollouts", createRolloutRequest{Component: "sidecar"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAbortRollout(t *testing.T) {
	w := newWorld(t)
	seedFleet(w, 5)

	rec := w.do(t, http.MethodPost, "/api/v1/rollouts", createRolloutRequest{
		Component: "sidecar", ToVersion: "1.5.0", Paused: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ro := decode[types.Rollout](t, rec)

	rec = w.do(t, http.MethodPost, "/api/v1/rollouts/"+ro.ID+"/abort", map[string]string{"reason": "bad build"})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := w.mem.GetRollout(context.Background(), ro.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutAborted, stored.Status)
	assert.Equal(t, "bad build", stored.Reason)
}

func TestRollbackRollout(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	seedFleet(w, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, w.mem.AppendVersion(ctx, &types.VersionEntry{
			TenantID: fmt.Sprintf("t-%d", i), Component: "sidecar", Version: "1.5.0",
		}))
	}

	rec := w.do(t, http.MethodPost, "/api/v1/rollouts/rollback", rollbackRequest{
		Component: "sidecar", ToVersion: "1.4.2", Reason: "bad image",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ro := decode[types.Rollout](t, rec)
	assert.Equal(t, types.StrategyFleetSync, ro.Strategy)
	assert.Equal(t, 1, ro.Priority)
	assert.Equal(t, 3, ro.TotalTenants)
	assert.Equal(t, types.RolloutRunning, ro.Status)

	stored, err := w.mem.GetRollout(ctx, ro.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RolloutRunning, stored.Status)
}

func TestRollbackRejectsMissingFields(t *testing.T) {
	w := newWorld(t)
	rec := w.do(t, http.MethodPost, "/api/v1/rollouts/rollback", rollbackRequest{Component: "sidecar"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLQListAndReplay(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	payload, err := types.NewPayload(types.PayloadIgnition, types.IgnitionPayload{TenantID: "t-1", Slug: "acme", Region: "nyc3"})
	require.NoError(t, err)
	_, err = w.bus.Add(ctx, config.QueueIgnition, payload, bus.AddOptions{})
	require.NoError(t, err)

	job, err := w.bus.Reserve(ctx, config.QueueIgnition)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, w.bus.Fail(ctx, job, types.Errorf(types.KindValidationFailed, "test", "bad input")))

	rec := w.do(t, http.MethodGet, "/api/v1/queues/ignition/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Queue   string         `json:"queue"`
		Entries []bus.DLQEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, job.ID, listing.Entries[0].Job.ID)

	rec = w.do(t, http.MethodPost, "/api/v1/queues/ignition/dlq/"+job.ID+"/replay", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	size, err := w.bus.DLQ().Size(ctx, config.QueueIgnition)
	require.NoError(t, err)
	assert.Zero(t, size)

	replayed, err := w.bus.Reserve(ctx, config.QueueIgnition)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.Equal(t, job.ID, replayed.ParentDLQID)
}

func TestProvisionEnqueuesIgnition(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	body := provisionRequest{Slug: "acme", Region: "nyc3", Requester: "ops", IdempotencyKey: "prov:t-1"}
	rec := w.do(t, http.MethodPost, "/api/v1/tenants/t-1/provision", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[map[string]string](t, rec)["job_id"]
	require.NotEmpty(t, first)

	// duplicate submission inside the idempotency window returns the
	// same job ID and enqueues nothing
	rec = w.do(t, http.MethodPost, "/api/v1/tenants/t-1/provision", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, first, decode[map[string]string](t, rec)["job_id"])

	n, err := w.bus.PendingCount(ctx, config.QueueIgnition)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := w.bus.Reserve(ctx, config.QueueIgnition)
	require.NoError(t, err)
	require.NotNil(t, job)
	var p types.IgnitionPayload
	require.NoError(t, job.Payload.Decode(&p))
	assert.Equal(t, "t-1", p.TenantID)
	assert.Equal(t, "acme", p.Slug)
}

func TestProvisionValidatesBody(t *testing.T) {
	w := newWorld(t)
	rec := w.do(t, http.MethodPost, "/api/v1/tenants/t-1/provision", provisionRequest{Slug: "acme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWakeTenant(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	w.mem.AddTenant(types.Tenant{ID: "t-1", Slug: "acme"})
	w.mem.AddDroplet(types.Droplet{TenantID: "t-1", ProviderID: 2001, State: types.StateHibernated})

	rec := w.do(t, http.MethodPost, "/api/v1/tenants/t-1/wake", wakeRequest{Reason: string(types.WakeUserLogin)})
	require.Equal(t, http.StatusAccepted, rec.Code)

	job, err := w.bus.Reserve(ctx, config.QueueWakeDroplet)
	require.NoError(t, err)
	require.NotNil(t, job)
	var p types.WakeDropletPayload
	require.NoError(t, job.Payload.Decode(&p))
	assert.Equal(t, "t-1", p.TenantID)
	assert.Equal(t, int64(2001), p.DropletID)
	assert.Equal(t, types.WakeUserLogin, p.Reason)
}

func TestHibernationEligibilityEndpoint(t *testing.T) {
	w := newWorld(t)
	w.mem.AddTenant(types.Tenant{ID: "t-ent", Slug: "bigco", Tier: types.TierEnterprise})

	rec := w.do(t, http.MethodGet, "/api/v1/tenants/t-ent/hibernation", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	elig := decode[hibernation.Eligibility](t, rec)
	assert.False(t, elig.Eligible)
	assert.Equal(t, hibernation.ReasonEnterpriseNever, elig.Reason)
}

func TestWakeRejectsRunningDroplet(t *testing.T) {
	w := newWorld(t)
	w.mem.AddTenant(types.Tenant{ID: "t-1", Slug: "acme"})
	w.mem.AddDroplet(types.Droplet{TenantID: "t-1", ProviderID: 2001, State: types.StateActiveHealthy})

	rec := w.do(t, http.MethodPost, "/api/v1/tenants/t-1/wake", wakeRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)
}
