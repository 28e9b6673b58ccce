package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// adminGateway serves /v1/admin on a gateway mux. Routes are registered by
// path since FundingService has no generated gateway stubs; errors go
// through the same code table as gRPC.
type adminGateway struct {
	deps      *ServerDeps
	mux       *runtime.ServeMux
	marshaler runtime.Marshaler
	logger    zerolog.Logger
}

func newAdminGateway(deps *ServerDeps, logger zerolog.Logger) (*adminGateway, error) {
	g := &adminGateway{
		deps:      deps,
		marshaler: &runtime.JSONBuiltin{},
		logger:    logger,
	}
	g.mux = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, g.marshaler),
		runtime.WithErrorHandler(g.handleError),
	)

	if err := g.mux.HandlePath(http.MethodGet, "/v1/admin/integrity", g.verifyIntegrity); err != nil {
		return nil, err
	}
	if err := g.mux.HandlePath(http.MethodPost, "/v1/admin/snapshot", g.takeSnapshot); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *adminGateway) write(w http.ResponseWriter, code int, v interface{}) {
	body, err := g.marshaler.Marshal(v)
	if err != nil {
		g.logger.Error().Err(err).Msg("marshal admin response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", g.marshaler.ContentType(v))
	w.WriteHeader(code)
	w.Write(body)
}

func (g *adminGateway) handleError(ctx context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	var routing *runtime.HTTPStatusError
	if errors.As(err, &routing) {
		code = routing.HTTPStatus
	}
	if code >= http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	g.write(w, code, map[string]string{"error": err.Error()})
}

func (g *adminGateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	runtime.HTTPError(r.Context(), g.mux, g.marshaler, w, r, err)
}

func (g *adminGateway) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := g.deps.Queries.VerifyIntegrity(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	code := http.StatusOK
	if !report.IsHealthy {
		code = http.StatusConflict
	}
	g.write(w, code, report)
}

func (g *adminGateway) takeSnapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if g.deps.Admin == nil {
		g.write(w, http.StatusNotImplemented, map[string]string{"error": "snapshots not configured"})
		return
	}
	seq, err := g.deps.Admin.TakeSnapshot(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.write(w, http.StatusOK, map[string]int64{"sequence": seq})
}
