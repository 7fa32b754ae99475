package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/warmlinelabs/warmline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	return reg
}

var Module = fx.Module("observability",
	fx.Provide(NewLogger),
	fx.Provide(NewRegistry),
	fx.Provide(NewMetrics),
)
