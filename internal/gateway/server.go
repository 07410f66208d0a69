// Package gateway exposes the ingest HTTP API: callback pushes, manual
// run triggers, ticket and history queries, and the audit trail.
package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chronicle/ingest-core/internal/audit"
	"github.com/chronicle/ingest-core/internal/core"
	"github.com/chronicle/ingest-core/internal/history"
	"github.com/chronicle/ingest-core/internal/puller"
	"github.com/chronicle/ingest-core/internal/receiver"
	"github.com/chronicle/ingest-core/internal/reconcile"
	"github.com/chronicle/ingest-core/internal/source"
)

// Server wires the HTTP routes to the ingest components.
type Server struct {
	catalog *source.Catalog
	pull    *puller.Puller
	recv    *receiver.Receiver
	tickets reconcile.TicketStore
	hist    history.Store
	auditor audit.Log
	engine  *reconcile.Engine
	router  *gin.Engine
}

// New builds a server with all routes registered.
func New(catalog *source.Catalog, pull *puller.Puller, recv *receiver.Receiver,
	tickets reconcile.TicketStore, hist history.Store, auditor audit.Log,
	engine *reconcile.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		catalog: catalog,
		pull:    pull,
		recv:    recv,
		tickets: tickets,
		hist:    hist,
		auditor: auditor,
		engine:  engine,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)

	v1 := s.router.Group("/v1")
	v1.POST("/push", s.handlePush)
	v1.POST("/runs/incremental", s.handleIncremental)
	v1.POST("/runs/backfill", s.handleBackfill)
	v1.POST("/sweeps", s.handleSweep)
	v1.GET("/sources", s.handleSources)
	v1.GET("/tickets", s.handleTickets)
	v1.GET("/audit", s.handleAudit)

	records := v1.Group("/records/:source/:entity/:id")
	records.GET("/current", s.handleCurrent)
	records.GET("/history", s.handleHistory)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handlePush accepts a callback delivery. 202 is returned only once the
// record is durably enqueued (or a ticket opened); versioning finishes in
// the background.
func (s *Server) handlePush(c *gin.Context) {
	var push receiver.Push
	if err := c.ShouldBindJSON(&push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receipt, err := s.recv.Handle(c.Request.Context(), &push)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

type runRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	EntityID string `json:"entity_id" binding:"required"`
}

func (s *Server) handleIncremental(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.pull.RunIncremental(c.Request.Context(), req.SourceID, req.EntityID)
	if err != nil {
		if errors.Is(err, puller.ErrRunInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type backfillRequest struct {
	SourceID    string    `json:"source_id" binding:"required"`
	EntityID    string    `json:"entity_id" binding:"required"`
	ExternalIDs []string  `json:"external_ids"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Reason      string    `json:"reason"`
}

func (s *Server) handleBackfill(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.ExternalIDs) == 0 && (req.From.IsZero() || req.To.IsZero()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "either external_ids or a from/to window is required"})
		return
	}
	result, err := s.pull.RunBackfill(c.Request.Context(), puller.BackfillRequest{
		SourceID:    req.SourceID,
		EntityID:    req.EntityID,
		ExternalIDs: req.ExternalIDs,
		Window:      source.Window{From: req.From, To: req.To},
		Reason:      req.Reason,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type sweepRequest struct {
	SourceID string    `json:"source_id" binding:"required"`
	EntityID string    `json:"entity_id" binding:"required"`
	From     time.Time `json:"from" binding:"required"`
	To       time.Time `json:"to" binding:"required"`
}

func (s *Server) handleSweep(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.engine.Sweep(c.Request.Context(), req.SourceID, req.EntityID,
		source.Window{From: req.From, To: req.To})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSources(c *gin.Context) {
	ids := s.catalog.SourceIDs()
	out := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		cfg, ok := s.catalog.Get(id)
		if !ok {
			continue
		}
		entities := make([]string, 0, len(cfg.Entities))
		for _, e := range cfg.Entities {
			entities = append(entities, e.ID)
		}
		out = append(out, gin.H{
			"id":       cfg.ID,
			"version":  cfg.Version,
			"template": cfg.Template,
			"entities": entities,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (s *Server) handleTickets(c *gin.Context) {
	pending, err := s.tickets.Pending(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": pending})
}

func (s *Server) handleAudit(c *gin.Context) {
	filter := audit.Filter{
		SourceID: c.Query("source_id"),
		EntityID: c.Query("entity_id"),
		Action:   c.Query("action"),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	events, err := s.auditor.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleCurrent returns the current version of a record, or the version
// effective at ?as_of=RFC3339 when given.
func (s *Server) handleCurrent(c *gin.Context) {
	sourceID, entityID, externalID := c.Param("source"), c.Param("entity"), c.Param("id")

	var (
		v   *history.Version
		err error
	)
	if asOf := c.Query("as_of"); asOf != "" {
		at, perr := time.Parse(time.RFC3339, asOf)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC 3339"})
			return
		}
		v, err = s.hist.AsOf(c.Request.Context(), sourceID, entityID, externalID, at)
	} else {
		v, err = s.hist.Current(c.Request.Context(), sourceID, entityID, externalID)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	if v == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no version found"})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleHistory(c *gin.Context) {
	sourceID, entityID, externalID := c.Param("source"), c.Param("entity"), c.Param("id")
	versions, err := s.hist.History(c.Request.Context(), sourceID, entityID, externalID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// writeError maps the error taxonomy to HTTP statuses. Unclassified
// errors are internal.
func (s *Server) writeError(c *gin.Context, err error) {
	var ie *core.Error
	if !errors.As(err, &ie) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch ie.Code {
	case core.CodePermanent, core.CodeSchemaDrift:
		status = http.StatusBadRequest
	case core.CodeConflict:
		status = http.StatusConflict
	case core.CodeRateLimited:
		status = http.StatusTooManyRequests
	case core.CodeAuthExpired:
		status = http.StatusBadGateway
	case core.CodeTransient:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": ie.Code})
}
