// Package api serves read-only snapshots of the live registry over
// HTTP and pushes row-change notifications over WebSocket.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/poolshare/aggregator/internal/config"
	"github.com/poolshare/aggregator/internal/metrics"
	"github.com/poolshare/aggregator/internal/registry"
	"github.com/poolshare/aggregator/internal/share"
	"github.com/poolshare/aggregator/internal/util"
)

// Server is the read-only status API: HTTP routes over the live
// registry, a Prometheus handler mounted alongside them, and a
// WebSocket feed that re-publishes the KV sink's row-change notices.
type Server struct {
	cfg     *config.Config
	agg     *registry.LiveAggregator
	metrics *metrics.Exporter
	hub     *hub

	sub *redis.Client

	router *gin.Engine
	server *http.Server

	subCancel context.CancelFunc
}

// NewServer builds the router. sub is an optional dedicated Redis
// connection used only for PSUBSCRIBE to the KV sink's row-change
// channels; with nil, /ws still accepts clients but no notices are
// relayed to them.
func NewServer(cfg *config.Config, agg *registry.LiveAggregator, exp *metrics.Exporter, sub *redis.Client) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg,
		agg:     agg,
		metrics: exp,
		hub:     newHub(),
		sub:     sub,
		router:  router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	status := s.router.Group("/status")
	{
		status.GET("/pool", s.handlePoolStatus)
		status.GET("/user/:user_id", s.handleUserStatus)
		status.GET("/worker/:user_id/:worker_id", s.handleWorkerStatus)
	}

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.serve(c.Writer, c.Request)
	})

	if s.metrics != nil {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(s.metrics.Handler()))
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Start begins serving HTTP and, if a subscriber connection was
// configured, the row-change relay that feeds the WebSocket hub.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("api: listening on %s", s.cfg.API.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()

	if s.sub != nil {
		subCtx, cancel := context.WithCancel(ctx)
		s.subCancel = cancel
		go s.relayNotifications(subCtx)
	}

	return nil
}

// relayNotifications subscribes to every row-change channel the KV
// sink publishes into (the same "<prefix>mining_workers/..." key space
// doubles as the PUBLISH channel name) and rebroadcasts each message
// to connected WebSocket clients verbatim.
func (s *Server) relayNotifications(ctx context.Context) {
	pattern := s.cfg.KV.Prefix + "mining_workers/*"
	ps := s.sub.PSubscribe(ctx, pattern)
	defer ps.Close()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.hub.broadcast([]byte(`{"channel":"` + msg.Channel + `","payload":"` + msg.Payload + `"}`))
		}
	}
}

// Stop shuts down the HTTP server and the notification relay.
func (s *Server) Stop() error {
	if s.subCancel != nil {
		s.subCancel()
	}
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) now() uint32 { return uint32(time.Now().Unix()) }

func (s *Server) handlePoolStatus(c *gin.Context) {
	statuses := s.agg.GetWorkerStatusBatch([]share.Key{{UserID: 0, WorkerHashID: 0}}, s.now())
	c.JSON(http.StatusOK, toResponse(statuses[0]))
}

func (s *Server) handleUserStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	statuses := s.agg.GetWorkerStatusBatch([]share.Key{{UserID: int32(userID), WorkerHashID: 0}}, s.now())
	c.JSON(http.StatusOK, toResponse(statuses[0]))
}

func (s *Server) handleWorkerStatus(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}
	workerID, err := strconv.ParseInt(c.Param("worker_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker_id"})
		return
	}
	statuses := s.agg.GetWorkerStatusBatch([]share.Key{{UserID: int32(userID), WorkerHashID: workerID}}, s.now())
	c.JSON(http.StatusOK, toResponse(statuses[0]))
}

// ClientCount reports the number of connected WebSocket clients, for
// the ambient metrics exporter to sample if wired.
func (s *Server) ClientCount() int { return s.hub.clientCount() }
