package migration

import (
	accountdomain "github.com/warmlinelabs/warmline/internal/account/domain"
	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	meteringdomain "github.com/warmlinelabs/warmline/internal/metering/domain"
	recordingdomain "github.com/warmlinelabs/warmline/internal/recording/domain"
	scheduledomain "github.com/warmlinelabs/warmline/internal/schedule/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// AutoMigrate creates the schema from the models directly. Used by the
// sqlite development driver and by tests; postgres deploys run the
// versioned migrations instead.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.Line{},
		&callsessiondomain.CallSession{},
		&callsessiondomain.CallEvent{},
		&meteringdomain.MinuteLedgerEntry{},
		&scheduledomain.Schedule{},
		&recordingdomain.PendingDeletion{},
		&recordingdomain.RecordingExport{},
	)
}

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if conn.Dialector.Name() != "postgres" {
			return AutoMigrate(conn)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
