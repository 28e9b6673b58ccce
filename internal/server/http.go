package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"FundingLedger/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Admin is the operator surface behind /v1/admin.
type Admin interface {
	TakeSnapshot(ctx context.Context) (int64, error)
}

// HTTPServer serves the JSON API under /v1 plus health endpoints. The
// admin routes live on a gateway mux, everything else on gin.
type HTTPServer struct {
	deps    *ServerDeps
	addr    string
	engine  *gin.Engine
	handler http.Handler
	logger  zerolog.Logger
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{
		deps:   deps,
		addr:   addr,
		engine: gin.New(),
		logger: observability.NewLogger("http"),
	}
	s.engine.Use(gin.Recovery())
	s.RegisterRoutes(s.engine)

	admin, err := newAdminGateway(deps, s.logger)
	if err != nil {
		panic(fmt.Sprintf("register admin routes: %v", err))
	}
	mux := http.NewServeMux()
	mux.Handle("/v1/admin/", admin.mux)
	mux.Handle("/", s.engine)
	s.handler = mux
	return s
}

// Handler returns the root handler (tests drive it with httptest).
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// RegisterRoutes registers all routes on router.
func (s *HTTPServer) RegisterRoutes(router *gin.Engine) {
	if hc := s.deps.HealthChecker; hc != nil {
		router.GET("/healthz", hc.LivenessHandler)
		router.GET("/readyz", hc.ReadinessHandler)
	}

	api := router.Group("/v1")
	{
		api.POST("/positions", s.openPosition)
		api.GET("/positions/:owner", s.getPosition)
		api.POST("/positions/:owner/close", s.closePosition)
		api.GET("/positions/:owner/pending", s.pendingFunding)
		api.GET("/positions/:owner/realised", s.realisedFunding)
		api.GET("/positions/:owner/settlements", s.settlementHistory)
		api.GET("/positions/:owner/journal", s.journalHistory)

		api.GET("/market", s.marketSummary)
		api.GET("/market/rate", s.currentRate)
		api.GET("/market/open-interest", s.openInterest)
		api.GET("/market/index-history", s.indexHistory)
		api.POST("/market/catchup", s.catchUp)
	}
}

// Start serves HTTP until ctx is done (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// in-flight requests finish before Start returns
	<-stopped
	return nil
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *HTTPServer) now(c *gin.Context) (int64, error) {
	raw := c.Query("at")
	if raw == "" {
		return s.deps.Commands.Now(), nil
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: at: %v", errInvalidRequest, err)
	}
	return at, nil
}

func queryInt(c *gin.Context, key string) (*int64, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errInvalidRequest, key, err)
	}
	return &v, nil
}

// limitOf returns 0 when limit is absent; the query service clamps it.
func limitOf(c *gin.Context) (int, error) {
	limit, err := queryInt(c, "limit")
	if err != nil || limit == nil {
		return 0, err
	}
	return int(*limit), nil
}

// --- Commands ---

func (s *HTTPServer) openPosition(c *gin.Context) {
	var req OpenPositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	cmd, err := req.toCommand()
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.deps.Commands.OpenPosition(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, commandResponse(res))
}

func (s *HTTPServer) closePosition(c *gin.Context) {
	var req ClosePositionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, fmt.Errorf("%w: %v", errInvalidRequest, err))
			return
		}
	}
	req.Owner = c.Param("owner")
	cmd, err := req.toCommand()
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.deps.Commands.ClosePosition(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, commandResponse(res))
}

func (s *HTTPServer) catchUp(c *gin.Context) {
	res, err := s.deps.Commands.CatchUp(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, commandResponse(res))
}

// --- Position reads ---

func (s *HTTPServer) getPosition(c *gin.Context) {
	owner, err := parseOwner(c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	at, err := s.now(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := s.deps.Queries.GetPosition(c.Request.Context(), owner, at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) pendingFunding(c *gin.Context) {
	owner, err := parseOwner(c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	at, err := s.now(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := s.deps.Queries.PendingFunding(c.Request.Context(), owner, at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) realisedFunding(c *gin.Context) {
	owner, err := parseOwner(c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := s.deps.Queries.GetRealisedFunding(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) settlementHistory(c *gin.Context) {
	owner, err := parseOwner(c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	before, err := queryInt(c, "before")
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, err := limitOf(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := s.deps.Queries.SettlementHistory(c.Request.Context(), owner, limit, before)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlements": resp})
}

func (s *HTTPServer) journalHistory(c *gin.Context) {
	owner, err := parseOwner(c.Param("owner"))
	if err != nil {
		s.fail(c, err)
		return
	}
	before, err := queryInt(c, "before")
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, err := limitOf(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := s.deps.Queries.GetJournalHistory(c.Request.Context(), owner, limit, before)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"journals": resp})
}

// --- Market reads ---

func (s *HTTPServer) marketSummary(c *gin.Context) {
	at, err := s.now(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp, err := s.deps.Queries.GetMarketSummary(c.Request.Context(), at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) currentRate(c *gin.Context) {
	resp, err := s.deps.Queries.CurrentRate(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) openInterest(c *gin.Context) {
	resp, err := s.deps.Queries.GetOpenInterest(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *HTTPServer) indexHistory(c *gin.Context) {
	from, err := queryInt(c, "from")
	if err != nil {
		s.fail(c, err)
		return
	}
	to, err := queryInt(c, "to")
	if err != nil {
		s.fail(c, err)
		return
	}
	limit, err := limitOf(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	fromT := time.Unix(0, 0)
	if from != nil {
		fromT = time.Unix(*from, 0)
	}
	toT := time.Unix(s.deps.Commands.Now(), 0)
	if to != nil {
		toT = time.Unix(*to, 0)
	}
	resp, err := s.deps.Queries.IndexHistory(c.Request.Context(), fromT, toT, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"points": resp})
}
