package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts time.Now so sweeps and metering are testable.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Fixed is a test clock pinned to an instant.
type Fixed struct{ T time.Time }

func (f Fixed) Now() time.Time { return f.T }

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
