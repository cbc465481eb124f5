// Package webserver exposes the local control surface: a small JWT-guarded
// HTTP API for status, local pairing confirmation, job management, manual
// exploration, and the recent event feed.
package webserver

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/gosling/src/events"
	"github.com/stake-plus/gosling/src/jobs"
	"github.com/stake-plus/gosling/src/pairing"
	"github.com/stake-plus/gosling/src/scheduler"
)

const eventRingSize = 256

type Config struct {
	Addr         string
	ControlToken string
	JWTSecret    string

	Bus       *events.Bus
	Pairing   *pairing.Service
	Jobs      *jobs.Store
	Scheduler *scheduler.Scheduler

	AgentName string
	StartedAt time.Time
}

type Server struct {
	config  Config
	httpSrv *http.Server

	ringMu sync.Mutex
	ring   []events.Event
	unsub  func()
}

func New(config Config) *Server {
	if config.StartedAt.IsZero() {
		config.StartedAt = time.Now()
	}
	s := &Server{config: config}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	s.attachRoutes(r)

	s.httpSrv = &http.Server{
		Addr:              config.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.unsub = config.Bus.Subscribe(s.recordEvent)
	return s
}

func (s *Server) attachRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	{
		v1.POST("/auth", s.handleAuth)

		secured := v1.Use(JWTMiddleware([]byte(s.config.JWTSecret)))
		secured.GET("/status", s.handleStatus)
		secured.POST("/pair", s.handlePair)
		secured.POST("/explore", s.handleExplore)
		secured.GET("/jobs", s.handleListJobs)
		secured.POST("/jobs", s.handleAddJob)
		secured.POST("/jobs/:id/run", s.handleRunJob)
		secured.DELETE("/jobs/:id", s.handleRemoveJob)
		secured.GET("/events", s.handleEvents)
	}
}

// recordEvent keeps the most recent events for GET /v1/events.
func (s *Server) recordEvent(ev events.Event) {
	s.ringMu.Lock()
	s.ring = append(s.ring, ev)
	if len(s.ring) > eventRingSize {
		s.ring = s.ring[len(s.ring)-eventRingSize:]
	}
	s.ringMu.Unlock()
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.Printf("webserver: listening on %s", s.config.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("webserver: %v", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
	}
	shutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutCtx)
}
