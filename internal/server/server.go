// Package server is the internal HTTP surface: the call trigger endpoint,
// provider status callbacks, schedule management, and the health and
// metrics endpoints. Internal routes require the shared secret; provider
// callbacks authenticate by request signature instead.
package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	"github.com/warmlinelabs/warmline/internal/config"
	"github.com/warmlinelabs/warmline/internal/observability"
	scheduledomain "github.com/warmlinelabs/warmline/internal/schedule/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Cfg       config.Config
	Accounts  accountdomain.Repository
	Sessions  callsessiondomain.Service
	Schedules scheduledomain.Service
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics `optional:"true"`
}

type Server struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       config.Config
	accounts  accountdomain.Repository
	sessions  callsessiondomain.Service
	schedules scheduledomain.Service
	registry  *prometheus.Registry
	metrics   *observability.Metrics
}

func NewServer(p Params) *Server {
	return &Server{
		db:        p.DB,
		log:       p.Log.Named("server"),
		cfg:       p.Cfg,
		accounts:  p.Accounts,
		sessions:  p.Sessions,
		schedules: p.Schedules,
		registry:  p.Registry,
		metrics:   p.Metrics,
	}
}

// Router assembles the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	if s.cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// The telephony provider cannot present the internal secret; its
	// callbacks authenticate by request signature instead.
	r.POST("/callbacks/voice", s.ProviderSignatureRequired(), s.VoiceCallback)

	internal := r.Group("/internal", s.InternalSecretRequired())
	{
		internal.POST("/calls", s.CreateCall)
		internal.GET("/calls/:id", s.GetCall)
		internal.POST("/calls/:id/cancel", s.CancelCall)
		internal.POST("/calls/:id/events", s.RecordCallEvent)
		internal.POST("/calls/:id/tool-invocations", s.NoteToolInvocation)

		internal.POST("/schedules", s.CreateSchedule)
		internal.PATCH("/schedules/:id", s.UpdateSchedule)
		internal.GET("/schedules/:id", s.GetSchedule)
	}

	return r
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
)
