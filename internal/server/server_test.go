package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"FundingLedger/internal/core"
	"FundingLedger/internal/ingestion"
	fpmath "FundingLedger/internal/math"
	"FundingLedger/internal/observability"
	"FundingLedger/internal/query"
	"FundingLedger/internal/server"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const t0 int64 = 1_700_000_000

func e8(n int64) fpmath.Wad {
	return fpmath.NewWad(n).MulInt(100_000_000)
}

type fixture struct {
	deps  *server.ServerDeps
	clock *ingestion.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	persist := make(chan core.CoreOutput, 256)
	c := core.NewDeterministicCore(core.Config{MarketID: "ETH-PERP"}, persist, nil, nil, nil)
	clock := ingestion.NewManualClock(time.Unix(t0, 0))
	return &fixture{
		clock: clock,
		deps: &server.ServerDeps{
			Commands:      ingestion.NewCommandService(c, clock, "ETH-PERP"),
			Queries:       query.NewQueryService(c, nil, nil, nil),
			HealthChecker: observability.NewHealthChecker(),
		},
	}
}

// =============================================================================
// HTTP
// =============================================================================

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHTTP_OpenPendingClose(t *testing.T) {
	f := newFixture(t)
	h := server.NewHTTPServer(":0", f.deps).Handler()
	owner := uuid.New().String()

	w := doJSON(t, h, http.MethodPost, "/v1/positions", server.OpenPositionRequest{
		Owner: owner, Size: e8(10_000_000), Side: "short",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var opened server.CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &opened))
	require.NotNil(t, opened.EntryIndex)
	assert.True(t, opened.EntryIndex.IsZero())

	f.clock.Advance(24 * time.Hour)

	w = doJSON(t, h, http.MethodGet, "/v1/positions/"+owner+"/pending", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pending query.PendingFundingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pending))
	// Short-only book: rate is -0.1/day, so shorts pay.
	assert.True(t, pending.Pending.Raw.Equal(e8(-1_000_000)), pending.Pending.Decimal)

	w = doJSON(t, h, http.MethodPost, "/v1/positions/"+owner+"/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var closed server.CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &closed))
	require.NotNil(t, closed.Settled)
	assert.True(t, closed.Settled.Equal(e8(-1_000_000)))
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	h := server.NewHTTPServer(":0", f.deps).Handler()
	owner := uuid.New().String()

	w := doJSON(t, h, http.MethodPost, "/v1/positions", server.OpenPositionRequest{Owner: owner, Size: fpmath.Zero, Side: "long"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "zero size")

	w = doJSON(t, h, http.MethodPost, "/v1/positions", server.OpenPositionRequest{Owner: owner, Size: e8(1), Side: "sideways"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "bad side")

	w = doJSON(t, h, http.MethodPost, "/v1/positions", server.OpenPositionRequest{Owner: owner, Size: e8(1), Side: "long"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, h, http.MethodPost, "/v1/positions", server.OpenPositionRequest{Owner: owner, Size: e8(1), Side: "long"})
	assert.Equal(t, http.StatusConflict, w.Code, "position exists")

	w = doJSON(t, h, http.MethodPost, "/v1/positions/"+uuid.New().String()+"/close", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "no position")

	w = doJSON(t, h, http.MethodGet, "/v1/positions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "bad owner")

	w = doJSON(t, h, http.MethodGet, "/v1/market/index-history", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no database")
}

func TestHTTP_DuplicateOpenIsOK(t *testing.T) {
	f := newFixture(t)
	h := server.NewHTTPServer(":0", f.deps).Handler()
	req := server.OpenPositionRequest{
		RequestID: uuid.New().String(),
		Owner:     uuid.New().String(),
		Size:      e8(3),
		Side:      "long",
	}

	w := doJSON(t, h, http.MethodPost, "/v1/positions", req)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, h, http.MethodPost, "/v1/positions", req)
	require.Equal(t, http.StatusOK, w.Code)
	var resp server.CommandResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
}

func TestHTTP_Health(t *testing.T) {
	f := newFixture(t)
	h := server.NewHTTPServer(":0", f.deps).Handler()

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, h, http.MethodGet, "/readyz", nil).Code)

	f.deps.HealthChecker.SetReady(true)
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/readyz", nil).Code)
}

func TestHTTP_SnapshotNotConfigured(t *testing.T) {
	f := newFixture(t)
	h := server.NewHTTPServer(":0", f.deps).Handler()
	assert.Equal(t, http.StatusNotImplemented, doJSON(t, h, http.MethodPost, "/v1/admin/snapshot", nil).Code)
}

type stubAdmin struct {
	seq int64
	err error
}

func (a stubAdmin) TakeSnapshot(context.Context) (int64, error) {
	return a.seq, a.err
}

func TestHTTP_AdminRoutes(t *testing.T) {
	f := newFixture(t)
	f.deps.Admin = stubAdmin{seq: 41}
	h := server.NewHTTPServer(":0", f.deps).Handler()

	w := doJSON(t, h, http.MethodPost, "/v1/admin/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var snap map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(41), snap["sequence"])

	// Admin errors share the gRPC code table.
	f.deps.Admin = stubAdmin{seq: -1, err: core.ErrStaleSequence}
	h = server.NewHTTPServer(":0", f.deps).Handler()
	w = doJSON(t, h, http.MethodPost, "/v1/admin/snapshot", nil)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])

	w = doJSON(t, h, http.MethodGet, "/v1/admin/integrity", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no database")

	w = doJSON(t, h, http.MethodGet, "/v1/admin/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_BadLimitRejected(t *testing.T) {
	f := newFixture(t)
	h := server.NewHTTPServer(":0", f.deps).Handler()
	owner := uuid.New().String()

	for _, path := range []string{
		"/v1/positions/" + owner + "/settlements?limit=abc",
		"/v1/positions/" + owner + "/journal?limit=abc",
		"/v1/market/index-history?limit=abc",
	} {
		w := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

// =============================================================================
// gRPC
// =============================================================================

func dialBufconn(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufnet", f.deps)
	go srv.Server().Serve(lis)
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_FundingService(t *testing.T) {
	f := newFixture(t)
	client := server.NewFundingServiceClient(dialBufconn(t, f))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	long, short := uuid.New().String(), uuid.New().String()
	_, err := client.OpenPosition(ctx, &server.OpenPositionRequest{Owner: long, Size: e8(30_000_000), Side: "long"})
	require.NoError(t, err)
	_, err = client.OpenPosition(ctx, &server.OpenPositionRequest{Owner: short, Size: e8(10_000_000), Side: "short"})
	require.NoError(t, err)

	oi, err := client.GetOpenInterest(ctx)
	require.NoError(t, err)
	assert.True(t, oi.Long.Raw.Equal(e8(30_000_000)))
	assert.True(t, oi.Short.Raw.Equal(e8(10_000_000)))

	rate, err := client.CurrentRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.2", rate.Rate.Decimal)

	f.clock.Advance(12 * time.Hour)
	res, err := client.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1", res.Index.Display())

	pending, err := client.PendingFunding(ctx, &server.PendingFundingRequest{Owner: short})
	require.NoError(t, err)
	assert.True(t, pending.Pending.Raw.Equal(e8(1_000_000)), pending.Pending.Decimal)
}

func TestGRPC_StatusCodes(t *testing.T) {
	f := newFixture(t)
	client := server.NewFundingServiceClient(dialBufconn(t, f))
	ctx := context.Background()
	owner := uuid.New().String()

	_, err := client.OpenPosition(ctx, &server.OpenPositionRequest{Owner: owner, Size: fpmath.Zero, Side: "long"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.OpenPosition(ctx, &server.OpenPositionRequest{Owner: owner, Size: e8(1), Side: "long"})
	require.NoError(t, err)
	_, err = client.OpenPosition(ctx, &server.OpenPositionRequest{Owner: owner, Size: e8(1), Side: "long"})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = client.ClosePosition(ctx, &server.ClosePositionRequest{Owner: uuid.New().String()})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.PendingFunding(ctx, &server.PendingFundingRequest{Owner: ""})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_HealthFollowsReadiness(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, f)
	hc := healthpb.NewHealthClient(conn)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.deps.HealthChecker.SetReady(true)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
