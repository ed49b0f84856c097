// Package httpapi is the JSON control API used by the web panel and the
// WhatsApp bridge webhook.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"autobot/internal/autoreply"
	"autobot/internal/contacts"
	"autobot/internal/dispatch"
	"autobot/internal/eventbus"
	"autobot/internal/storage"
	"autobot/internal/transport"
	"autobot/pkg/logx"
)

type Config struct {
	Addr        string
	Token       string // empty disables auth
	CORSOrigins []string
	RatePerSec  int // 0 disables the global limiter
	Burst       int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type ContactDirectory interface {
	List() []contacts.Contact
	Add(ctx context.Context, c contacts.Contact) (contacts.Contact, error)
	Update(ctx context.Context, id string, c contacts.Contact) (contacts.Contact, error)
	Remove(ctx context.Context, id string) error
	Groups() []string
}

type Broadcaster interface {
	SendToGroup(ctx context.Context, group, template string, at *time.Time) (dispatch.Result, error)
	CancelScheduled(id string) error
	Pending() []dispatch.ScheduledBroadcast
	Settings() dispatch.Settings
}

type AutoReplies interface {
	Rules() []autoreply.Rule
	AddRule(ctx context.Context, r autoreply.Rule) (autoreply.Rule, error)
	UpdateRule(ctx context.Context, id string, r autoreply.Rule) (autoreply.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	AIEnabled() bool
	SetAIEnabled(ctx context.Context, on bool) error
	Respond(ctx context.Context, msg transport.InboundMessage, out transport.Replier) (bool, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Contacts   ContactDirectory
	Dispatcher Broadcaster
	Replies    AutoReplies       // optional
	Replier    transport.Replier // needed by /api/inbound
	Bus        eventbus.Bus
	Audit      Auditor // optional
	Log        logx.Logger
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	engine *gin.Engine
	srv    *http.Server

	limiter *rate.Limiter

	doneOnce sync.Once
	done     chan struct{}
}

func New(cfg Config, deps Deps) *Server {
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "httpapi")),
		done: make(chan struct{}),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.RatePerSec
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	s.engine = s.routes()
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		// broadcasts answer after the whole batch, so no write timeout by default
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log), s.corsMiddleware())
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) { c.JSON(http.StatusNotFound, gin.H{"error": "rota não encontrada"}) })
	r.NoMethod(func(c *gin.Context) { c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "método não permitido"}) })

	r.GET("/health", s.health)

	api := r.Group("/api", rateLimit(s.limiter), bearerAuth(s.cfg.Token))
	{
		api.GET("/contacts", s.listContacts)
		api.POST("/contacts", s.addContact)
		api.PUT("/contacts/:id", s.updateContact)
		api.DELETE("/contacts/:id", s.removeContact)
		api.GET("/groups", s.listGroups)

		api.POST("/broadcasts", s.sendBroadcast)
		api.GET("/broadcasts/scheduled", s.listScheduled)
		api.DELETE("/broadcasts/:id", s.cancelBroadcast)

		api.GET("/security-settings", s.securitySettings)

		// ai-status is registered before :id so it is not read as a rule id
		api.GET("/auto-messages/ai-status", s.aiStatus)
		api.PUT("/auto-messages/ai-status", s.setAIStatus)
		api.GET("/auto-messages", s.listRules)
		api.POST("/auto-messages", s.addRule)
		api.PUT("/auto-messages/:id", s.updateRule)
		api.DELETE("/auto-messages/:id", s.deleteRule)

		api.POST("/inbound", s.inbound)
		api.GET("/events", s.events)
	}
	return r
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowWebSockets:  true,
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(s.cfg.CORSOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.cfg.CORSOrigins
	}
	return cors.New(cfg)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// websocket feeds are hijacked and ignored by Shutdown
	s.close()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = s.srv.Close()
	}
	s.log.Info("http api stopped")
	return nil
}

func (s *Server) close() { s.doneOnce.Do(func() { close(s.done) }) }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
