// Package admin serves the operator HTTP API: health, Prometheus metrics,
// driver status and manual cycle triggers.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"siemalert/internal/cycle"
	"siemalert/internal/driver"
	logx "siemalert/pkg/logx"
)

type Config struct {
	Addr         string
	Token        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        PprofConfig
}

// Operator is what the API drives; *driver.Driver satisfies it.
type Operator interface {
	RunAlertCheckNow(ctx context.Context, opts cycle.RunOptions) cycle.Summary
	RunReportCycleNow(ctx context.Context, opts cycle.RunOptions) cycle.Summary
	Health() driver.Health
	Status() driver.Status
}

type Server struct {
	cfg    Config
	log    logx.Logger
	op     Operator
	router *gin.Engine

	srv *http.Server
	ln  net.Listener
}

// New builds the router. metrics may be nil.
func New(cfg Config, op Operator, metrics http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// Manual runs are synchronous.
		cfg.WriteTimeout = 5 * time.Minute
	}
	s := &Server{cfg: cfg, log: log.Component("admin"), op: op}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/healthz", s.handleHealth)
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	api := r.Group("/api/v1", s.auth())
	api.GET("/status", s.handleStatus)
	api.POST("/run/alert-check", s.handleRunAlertCheck)
	api.POST("/run/report-cycle", s.handleRunReportCycle)
	if cfg.Pprof.Enabled {
		mountPprof(r.Group("/debug/pprof", s.auth()), cfg.Pprof)
	}
	s.router = r
	return s
}

// Router returns the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server stopped", logx.Err(err))
		}
	}()
	s.log.Info("admin server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound address (useful with ":0").
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) auth() gin.HandlerFunc {
	token := strings.TrimSpace(s.cfg.Token)
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.log.Debug("admin request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.op.Health()
	code := http.StatusOK
	if h.Status == driver.StatusDegraded {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.op.Status())
}

func (s *Server) handleRunAlertCheck(c *gin.Context) {
	opts, err := runOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("manual alert-check requested", logx.Bool("force", opts.Force), logx.Strings("config_ids", opts.ConfigIDs))
	s.respond(c, s.op.RunAlertCheckNow(c.Request.Context(), opts))
}

func (s *Server) handleRunReportCycle(c *gin.Context) {
	opts, err := runOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("manual report-cycle requested",
		logx.Bool("force", opts.Force),
		logx.Bool("ignore_marker", opts.IgnoreMarker),
		logx.Strings("config_ids", opts.ConfigIDs),
	)
	s.respond(c, s.op.RunReportCycleNow(c.Request.Context(), opts))
}

type runResponse struct {
	OK      bool          `json:"ok"`
	Summary cycle.Summary `json:"summary"`
}

func (s *Server) respond(c *gin.Context, sum cycle.Summary) {
	c.JSON(http.StatusOK, runResponse{OK: sum.OK(), Summary: sum})
}

func runOptions(c *gin.Context) (cycle.RunOptions, error) {
	opts := cycle.RunOptions{Trigger: cycle.TriggerManual}
	var err error
	if opts.Force, err = boolQuery(c, "force"); err != nil {
		return opts, err
	}
	if opts.IgnoreMarker, err = boolQuery(c, "ignore_marker"); err != nil {
		return opts, err
	}
	for _, v := range c.QueryArray("config_id") {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				opts.ConfigIDs = append(opts.ConfigIDs, id)
			}
		}
	}
	return opts, nil
}

func boolQuery(c *gin.Context, key string) (bool, error) {
	v, ok := c.GetQuery(key)
	if !ok {
		return false, nil
	}
	if v == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New(key + ": expected a boolean")
	}
	return b, nil
}
