package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoogleCloudPlatform/microservices-demo/src/provisioningservice/pkg/model"
	"github.com/go-sql-driver/mysql"
	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const mysqlDuplicateEntry = 1062

type mysqlRepo struct {
	db *gorm.DB
}

func NewMySQLStore(db *gorm.DB) Store {
	return &mysqlRepo{db: db}
}

// AutoMigrate creates or updates the tables owned by this service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.User{}, &model.PlatformBinding{}, &model.OrphanedAccount{})
}

func (r *mysqlRepo) Load(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).
		Preload("Bindings", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("username = ?", username).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load user %s", username)
	}
	return &user, nil
}

func (r *mysqlRepo) LoadByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := r.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, email)
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "load user by email %s", email)
	}
	return &user, nil
}

// Save 在一个事务内: upsert 用户行，删除旧绑定，写入新绑定
func (r *mysqlRepo) Save(ctx context.Context, user *model.User) error {
	user.Renumber()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Save(user).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.UserID).Delete(&model.PlatformBinding{}).Error; err != nil {
			return err
		}
		if len(user.Bindings) == 0 {
			return nil
		}
		return tx.Create(&user.Bindings).Error
	})
	if err != nil {
		return translate(err, "save user "+user.Username)
	}
	return nil
}

func (r *mysqlRepo) Delete(ctx context.Context, username string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		if err := tx.Select("user_id").Where("username = ?", username).First(&user).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.UserID).Delete(&model.PlatformBinding{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", user.UserID).Delete(&model.User{}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	if err != nil {
		return pkgerrors.Wrapf(err, "delete user %s", username)
	}
	return nil
}

func (r *mysqlRepo) RecordOrphan(ctx context.Context, orphan *model.OrphanedAccount) error {
	return pkgerrors.Wrap(r.db.WithContext(ctx).Create(orphan).Error, "record orphan")
}

// [OrphanCleanupWorker] 未解决且未超过重试上限
func (r *mysqlRepo) ListPendingOrphans(ctx context.Context, maxAttempts, limit int) ([]*model.OrphanedAccount, error) {
	var orphans []*model.OrphanedAccount
	err := r.db.WithContext(ctx).
		Where("resolved = ? AND attempts < ?", false, maxAttempts).
		Order("id").
		Limit(limit).
		Find(&orphans).Error
	return orphans, err
}

func (r *mysqlRepo) MarkOrphanResolved(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Model(&model.OrphanedAccount{}).Where("id = ?", id).Update("resolved", true).Error
}

func (r *mysqlRepo) BumpOrphanAttempt(ctx context.Context, id int64, reason string) error {
	return r.db.WithContext(ctx).Model(&model.OrphanedAccount{}).Where("id = ?", id).Updates(map[string]interface{}{
		"attempts": gorm.Expr("attempts + 1"),
		"reason":   reason,
	}).Error
}

// 账号重新绑定后, 遗留记录不再需要清理
func (r *mysqlRepo) ResolveOrphansFor(ctx context.Context, p model.Platform, nativeID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.OrphanedAccount{}).
		Where("resolved = ? AND platform = ? AND native_id = ?", false, p, nativeID).
		Update("resolved", true)
	return res.RowsAffected, pkgerrors.Wrap(res.Error, "resolve orphans")
}

// translate maps unique-key violations to ErrDuplicate.
func translate(err error, msg string) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%w: %s", ErrDuplicate, myErr.Message)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return pkgerrors.Wrap(err, msg)
}
