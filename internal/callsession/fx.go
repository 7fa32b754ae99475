package callsession

import (
	"github.com/warmlinelabs/warmline/internal/callsession/registry"
	"github.com/warmlinelabs/warmline/internal/callsession/service"
	"go.uber.org/fx"
)

var Module = fx.Module("callsession.service",
	fx.Provide(registry.New),
	fx.Provide(service.NewService),
)
