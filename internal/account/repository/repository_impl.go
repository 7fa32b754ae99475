package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/warmlinelabs/warmline/internal/account/domain"
	"gorm.io/gorm"
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func Provide(db *gorm.DB) domain.Repository {
	return NewRepository(db)
}

func (r *Repository) GetAccount(ctx context.Context, id snowflake.ID) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *Repository) GetLine(ctx context.Context, id snowflake.ID) (*domain.Line, error) {
	var line domain.Line
	err := r.db.WithContext(ctx).First(&line, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrLineNotFound
	}
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func (r *Repository) GetLineByNumber(ctx context.Context, phoneNumber string) (*domain.Line, error) {
	var line domain.Line
	err := r.db.WithContext(ctx).First(&line, "phone_number = ?", phoneNumber).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrLineNotFound
	}
	if err != nil {
		return nil, err
	}
	return &line, nil
}

func (r *Repository) UpdateLineMissedCounter(ctx context.Context, lineID snowflake.ID, count int) error {
	updates := map[string]any{"consecutive_missed_calls": count}
	if count == 0 {
		// A fresh streak means the holder gets notified again if it recurs.
		updates["missed_notice_sent"] = false
	}
	return r.db.WithContext(ctx).
		Model(&domain.Line{}).
		Where("id = ?", lineID).
		Updates(updates).Error
}

func (r *Repository) SetLineMissedNotice(ctx context.Context, lineID snowflake.ID, sent bool) error {
	return r.db.WithContext(ctx).
		Model(&domain.Line{}).
		Where("id = ?", lineID).
		Update("missed_notice_sent", sent).Error
}
