package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MonitorPermission is the persisted supervisor/target pair.
type MonitorPermission struct {
	Supervisor string    `gorm:"primaryKey;size:64"`
	Target     string    `gorm:"primaryKey;size:64"`
	GrantedAt  time.Time `gorm:"autoCreateTime"`
}

func (MonitorPermission) TableName() string { return "monitor_permissions" }

// GormStore persists monitoring permissions in Postgres.
type GormStore struct {
	db *gorm.DB
}

// OpenGorm connects to Postgres and migrates the permission table.
func OpenGorm(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open permission database: %w", err)
	}
	if err := db.AutoMigrate(&MonitorPermission{}); err != nil {
		return nil, fmt.Errorf("migrate monitor_permissions: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) Allowed(ctx context.Context, supervisor, target string) (bool, error) {
	var total int64
	if err := g.db.WithContext(ctx).Model(&MonitorPermission{}).Count(&total).Error; err != nil {
		return false, err
	}
	if total == 0 {
		return true, nil
	}
	var row MonitorPermission
	err := g.db.WithContext(ctx).
		Where("supervisor = ? AND target = ?", supervisor, target).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *GormStore) Grant(ctx context.Context, supervisor, target string) error {
	row := MonitorPermission{Supervisor: supervisor, Target: target, GrantedAt: time.Now()}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (g *GormStore) Revoke(ctx context.Context, supervisor, target string) error {
	return g.db.WithContext(ctx).
		Where("supervisor = ? AND target = ?", supervisor, target).
		Delete(&MonitorPermission{}).Error
}

func (g *GormStore) List(ctx context.Context) ([]Grant, error) {
	var rows []MonitorPermission
	if err := g.db.WithContext(ctx).Order("supervisor, target").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Grant, 0, len(rows))
	for _, r := range rows {
		out = append(out, Grant{Supervisor: r.Supervisor, Target: r.Target, GrantedAt: r.GrantedAt})
	}
	return out, nil
}
