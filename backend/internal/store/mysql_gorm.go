package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// documentRow 三张表（workspaces/folders/files）共用的列
type documentRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Title       string `gorm:"size:255"`
	IconID      string `gorm:"size:64"`
	Data        string `gorm:"type:longtext"`
	BannerURL   string `gorm:"size:512"`
	InTrash     string `gorm:"size:255"`
	WorkspaceID string `gorm:"size:64;index"`
	FolderID    string `gorm:"size:64;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r documentRow) toDocument(kind Kind) *Document {
	return &Document{
		ID: r.ID, Kind: kind, Title: r.Title, IconID: r.IconID, Data: r.Data,
		BannerURL: r.BannerURL, InTrash: r.InTrash, WorkspaceID: r.WorkspaceID, FolderID: r.FolderID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 建表（开发环境用，线上走迁移脚本）
func (s *GormStore) Migrate(ctx context.Context) error {
	for _, k := range []Kind{KindWorkspace, KindFolder, KindFile} {
		if err := s.db.WithContext(ctx).Table(k.table()).AutoMigrate(&documentRow{}); err != nil {
			return fmt.Errorf("migrate %s: %w", k.table(), err)
		}
	}
	return nil
}

func (s *GormStore) FetchDocument(ctx context.Context, ref Ref) (*Document, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var row documentRow
	err := s.db.WithContext(ctx).Table(ref.Kind.table()).Where("id = ?", ref.ID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	return row.toDocument(ref.Kind), nil
}

func (s *GormStore) WriteDocument(ctx context.Context, ref Ref, patch Patch) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	cols := patch.columns()
	if len(cols) == 0 {
		return nil
	}
	cols["updated_at"] = time.Now()

	db := s.db.WithContext(ctx).Table(ref.Kind.table())
	res := db.Where("id = ?", ref.ID).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("write %s: %w", ref, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL 值没变化时 RowsAffected 为 0，要再确认一下行是否存在
	var n int64
	if err := s.db.WithContext(ctx).Table(ref.Kind.table()).Where("id = ?", ref.ID).Count(&n).Error; err != nil {
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := doc.Ref().Validate(); err != nil {
		return err
	}
	row := documentRow{
		ID: doc.ID, Title: doc.Title, IconID: doc.IconID, Data: doc.Data, BannerURL: doc.BannerURL,
		InTrash: doc.InTrash, WorkspaceID: doc.WorkspaceID, FolderID: doc.FolderID,
	}
	err := s.db.WithContext(ctx).Table(doc.Kind.table()).Create(&row).Error
	if isMySQLDuplicate(err) {
		return ErrDocumentExists
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", doc.Ref(), err)
	}
	doc.CreatedAt, doc.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}
