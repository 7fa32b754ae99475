package metering

import (
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	meteringdomain "github.com/warmlinelabs/warmline/internal/metering/domain"
	"github.com/warmlinelabs/warmline/internal/metering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metering.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s meteringdomain.Service) accountdomain.UsageSource { return s }),
)
