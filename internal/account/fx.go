package account

import (
	"github.com/warmlinelabs/warmline/internal/account/repository"
	"github.com/warmlinelabs/warmline/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewAccessChecker),
)
