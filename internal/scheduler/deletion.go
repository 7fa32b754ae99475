package scheduler

import (
	"context"
	"errors"
	"time"

	callsessiondomain "github.com/warmlinelabs/warmline/internal/callsession/domain"
	recordingdomain "github.com/warmlinelabs/warmline/internal/recording/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Backoff between deletion attempts, indexed by the attempt count of the
// failure that preceded it.
var deletionBackoff = map[int]time.Duration{
	0: 0,
	1: 15 * time.Minute,
	2: 60 * time.Minute,
}

// deletionEligible reports whether a pending deletion may be attempted now.
// Records at or past max attempts are never eligible; the sweep marks them
// processed instead.
func deletionEligible(rec recordingdomain.PendingDeletion, now time.Time) bool {
	if rec.Attempts >= rec.MaxAttempts {
		return false
	}
	wait, ok := deletionBackoff[rec.Attempts]
	if !ok {
		return false
	}
	if rec.LastAttemptAt == nil {
		return true
	}
	return !now.Before(rec.LastAttemptAt.Add(wait))
}

// RetentionSweepJob enqueues recordings whose retention window has lapsed.
// The unique index on the session id makes the enqueue at-most-once: a
// recording already enqueued (or already given up on) inserts as a no-op.
func (s *Scheduler) RetentionSweepJob(ctx context.Context) error {
	retention := s.cfg.Sweep.RecordingRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	batch := s.cfg.Sweep.DeletionBatchSize
	if batch <= 0 {
		batch = 50
	}

	cutoff := s.clock.Now().Add(-retention)
	var sessions []callsessiondomain.CallSession
	err := s.db.WithContext(ctx).
		Where("recording_sid <> '' AND recording_deleted_at IS NULL AND ended_at < ?", cutoff).
		Order("ended_at ASC").
		Limit(batch).
		Find(&sessions).Error
	if err != nil {
		return err
	}

	enqueued := 0
	for i := range sessions {
		sess := &sessions[i]
		rec := recordingdomain.PendingDeletion{
			ID:           s.genID.Generate(),
			AccountID:    sess.AccountID,
			SessionID:    sess.ID,
			RecordingSID: sess.RecordingSID,
			Reason:       recordingdomain.DeleteReasonRetention,
			MaxAttempts:  3,
		}
		cerr := s.db.WithContext(ctx).Create(&rec).Error
		if errors.Is(cerr, gorm.ErrDuplicatedKey) {
			continue
		}
		if cerr != nil {
			s.log.Error("retention enqueue failed",
				zap.String("session_id", sess.ID.String()),
				zap.Error(cerr))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		s.log.Info("recordings enqueued for deletion", zap.Int("count", enqueued))
	}
	return nil
}

// DeletionSweepJob scans unprocessed pending deletions in a bounded batch
// and purges the recordings at the provider, with bounded retry and
// per-attempt backoff.
func (s *Scheduler) DeletionSweepJob(ctx context.Context) error {
	batch := s.cfg.Sweep.DeletionBatchSize
	if batch <= 0 {
		batch = 50
	}

	var pending []recordingdomain.PendingDeletion
	err := s.db.WithContext(ctx).
		Where("processed_at IS NULL").
		Order("created_at ASC").
		Limit(batch).
		Find(&pending).Error
	if err != nil {
		return err
	}

	now := s.clock.Now()
	for i := range pending {
		rec := &pending[i]

		if rec.Attempts >= rec.MaxAttempts {
			// Gave up earlier; close the record without another attempt,
			// preserving the last known error.
			s.markDeletionProcessed(ctx, rec, now)
			continue
		}
		if !deletionEligible(*rec, now) {
			continue
		}
		s.attemptDeletion(ctx, rec, now)
	}
	return nil
}

func (s *Scheduler) attemptDeletion(ctx context.Context, rec *recordingdomain.PendingDeletion, now time.Time) {
	err := s.provider.DeleteRecording(ctx, rec.RecordingSID)
	if err == nil {
		if s.metrics != nil {
			s.metrics.DeletionsAttempts.WithLabelValues("success").Inc()
		}
		// Stamp the owning session before closing the record.
		uerr := s.db.WithContext(ctx).
			Model(&callsessiondomain.CallSession{}).
			Where("id = ?", rec.SessionID).
			Updates(map[string]any{
				"recording_deleted_at":    now,
				"recording_delete_reason": rec.Reason,
			}).Error
		if uerr != nil {
			s.log.Warn("session deletion stamp failed",
				zap.String("session_id", rec.SessionID.String()),
				zap.Error(uerr))
		}
		s.markDeletionProcessed(ctx, rec, now)
		return
	}

	if s.metrics != nil {
		s.metrics.DeletionsAttempts.WithLabelValues("failure").Inc()
	}
	rec.Attempts++
	rec.LastError = err.Error()
	updates := map[string]any{
		"attempts":        rec.Attempts,
		"last_attempt_at": now,
		"last_error":      rec.LastError,
	}
	if rec.Attempts >= rec.MaxAttempts {
		updates["processed_at"] = now
		s.log.Warn("recording deletion gave up",
			zap.String("recording_sid", rec.RecordingSID),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err))
	} else {
		s.log.Info("recording deletion failed, will retry",
			zap.String("recording_sid", rec.RecordingSID),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err))
	}
	if uerr := s.db.WithContext(ctx).Model(rec).Updates(updates).Error; uerr != nil {
		s.log.Error("pending deletion update failed", zap.Error(uerr))
	}
}

func (s *Scheduler) markDeletionProcessed(ctx context.Context, rec *recordingdomain.PendingDeletion, now time.Time) {
	err := s.db.WithContext(ctx).
		Model(rec).
		Updates(map[string]any{"processed_at": now}).Error
	if err != nil {
		s.log.Error("pending deletion close failed",
			zap.String("recording_sid", rec.RecordingSID),
			zap.Error(err))
	}
}
