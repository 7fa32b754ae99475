package scheduler

import (
	"context"

	recordingdomain "github.com/warmlinelabs/warmline/internal/recording/domain"
	"go.uber.org/zap"
)

// ExpiredExportCleanupJob removes completed export records whose retention
// window has passed.
func (s *Scheduler) ExpiredExportCleanupJob(ctx context.Context) error {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", recordingdomain.ExportCompleted, now).
		Delete(&recordingdomain.RecordingExport{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("expired recording exports removed",
			zap.Int64("count", res.RowsAffected))
	}
	return nil
}

// PendingExportJob fulfils pending recording exports against the telephony
// provider. A failed attempt is recorded and the export stays pending for
// the next cycle until it runs out of attempts.
func (s *Scheduler) PendingExportJob(ctx context.Context) error {
	var exports []recordingdomain.RecordingExport
	err := s.db.WithContext(ctx).
		Where("status = ?", recordingdomain.ExportPending).
		Order("created_at ASC").
		Limit(50).
		Find(&exports).Error
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for i := range exports {
		exp := &exports[i]
		perr := s.provider.ExportRecording(ctx, exp.RecordingSID, exp.Destination)
		updates := map[string]any{}
		if perr != nil {
			exp.Attempts++
			updates["attempts"] = exp.Attempts
			updates["last_error"] = perr.Error()
			if exp.Attempts >= exp.MaxAttempts {
				updates["status"] = recordingdomain.ExportFailed
				s.log.Warn("recording export gave up",
					zap.String("recording_sid", exp.RecordingSID),
					zap.Int("attempts", exp.Attempts),
					zap.Error(perr))
			} else {
				s.log.Info("recording export failed, will retry",
					zap.String("recording_sid", exp.RecordingSID),
					zap.Int("attempts", exp.Attempts),
					zap.Error(perr))
			}
		} else {
			updates["status"] = recordingdomain.ExportCompleted
			updates["completed_at"] = now
		}
		if uerr := s.db.WithContext(ctx).Model(exp).Updates(updates).Error; uerr != nil {
			s.log.Error("recording export update failed", zap.Error(uerr))
		}
	}
	return nil
}
