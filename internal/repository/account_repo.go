package repository

import (
	"context"
	"strings"
	"time"

	"bizdesk/internal/domain"

	"gorm.io/gorm"
)

type AccountRepository struct {
	store
}

func NewAccountRepository(db *gorm.DB, timeout time.Duration) *AccountRepository {
	return &AccountRepository{store: newStore(db, timeout)}
}

func (r *AccountRepository) Create(ctx context.Context, a *domain.Account) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	a.Email = normalizeEmail(a.Email)
	return classify(db.Create(a).Error)
}

func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var a domain.Account
	if err := db.Where("email = ?", normalizeEmail(email)).First(&a).Error; err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var a domain.Account
	if err := db.First(&a, id).Error; err != nil {
		return nil, classify(err)
	}
	return &a, nil
}

func (r *AccountRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	db, cancel := r.conn(ctx)
	defer cancel()

	var count int64
	err := db.Model(&domain.Account{}).Where("email = ?", normalizeEmail(email)).Count(&count).Error
	return count > 0, classify(err)
}

func (r *AccountRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	db, cancel := r.conn(ctx)
	defer cancel()

	res := db.Model(&domain.Account{}).Where("id = ?", id).Update("password_hash", hash)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
