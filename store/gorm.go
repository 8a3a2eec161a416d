package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/alimasry/collab-ot/ot"
)

type contentRow struct {
	ID        string `gorm:"primaryKey;size:191"`
	CreatedBy string `gorm:"size:191"`
	CreatedAt time.Time
}

func (contentRow) TableName() string { return "contents" }

type operationRow struct {
	ContentID   string         `gorm:"primaryKey;size:191"`
	Version     int            `gorm:"primaryKey;autoIncrement:false"`
	OpID        string         `gorm:"size:64"`
	AuthorID    string         `gorm:"size:191"`
	Kind        string         `gorm:"size:16"`
	Position    int            `gorm:"not null"`
	Length      int            `gorm:"not null"`
	Text        string         `gorm:"type:longtext"`
	BaseVersion int            `gorm:"not null"`
	Meta        map[string]any `gorm:"serializer:json"`
	CreatedAt   time.Time
}

func (operationRow) TableName() string { return "operations" }

type contentVersionRow struct {
	ContentID string `gorm:"primaryKey;size:191"`
	Version   int    `gorm:"primaryKey;autoIncrement:false"`
	Text      string `gorm:"type:longtext"`
	CreatedBy string `gorm:"size:191"`
	CreatedAt time.Time
}

func (contentVersionRow) TableName() string { return "content_versions" }

// GormStore persists history and snapshots in MySQL through gorm.
type GormStore struct {
	db *gorm.DB
}

// OpenMySQL opens a gorm connection for dsn.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the tables the store needs.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&contentRow{}, &operationRow{}, &contentVersionRow{})
}

// 1062 = duplicate key
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) Create(ctx context.Context, seed ContentVersion) error {
	if seed.CreatedAt.IsZero() {
		seed.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&contentRow{ID: seed.ContentID, CreatedBy: seed.CreatedBy, CreatedAt: seed.CreatedAt}).Error; err != nil {
			return err
		}
		return tx.Create(&contentVersionRow{
			ContentID: seed.ContentID,
			Version:   0,
			Text:      seed.Text,
			CreatedBy: seed.CreatedBy,
			CreatedAt: seed.CreatedAt,
		}).Error
	})
	if isDuplicate(err) {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, seed.ContentID)
	}
	return err
}

func (s *GormStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&contentRow{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *GormStore) LatestSnapshot(ctx context.Context, id string) (*ContentVersion, error) {
	var row contentVersionRow
	err := s.db.WithContext(ctx).
		Where("content_id = ?", id).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &ContentVersion{
		ContentID: row.ContentID,
		Version:   row.Version,
		Text:      row.Text,
		CreatedBy: row.CreatedBy,
		CreatedAt: row.CreatedAt,
	}, nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, snap ContentVersion) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Create(&contentVersionRow{
		ContentID: snap.ContentID,
		Version:   snap.Version,
		Text:      snap.Text,
		CreatedBy: snap.CreatedBy,
		CreatedAt: snap.CreatedAt,
	}).Error
	if isDuplicate(err) {
		return nil
	}
	return err
}

func (s *GormStore) AppendOperation(ctx context.Context, id string, op ot.Operation, version int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Select("id").First(&contentRow{}, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %q", ErrNotFound, id)
			}
			return err
		}
		var current int
		if err := tx.Model(&operationRow{}).
			Where("content_id = ?", id).
			Select("COALESCE(MAX(version), 0)").
			Scan(&current).Error; err != nil {
			return err
		}
		switch {
		case version <= current:
			return nil
		case version > current+1:
			return fmt.Errorf("%w: %q at v%d, got version %d", ErrVersionGap, id, current, version)
		}
		return tx.Create(&operationRow{
			ContentID:   id,
			Version:     version,
			OpID:        op.ID,
			AuthorID:    op.AuthorID,
			Kind:        string(op.Kind),
			Position:    op.Position,
			Length:      op.Length,
			Text:        op.Text,
			BaseVersion: op.BaseVersion,
			Meta:        op.Meta,
		}).Error
	})
	if isDuplicate(err) {
		// Lost a race with a writer storing the same version.
		return nil
	}
	return err
}

func (s *GormStore) GetOperations(ctx context.Context, id string, fromVersion int) ([]ot.Operation, error) {
	db := s.db.WithContext(ctx)
	var n int64
	if err := db.Model(&contentRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	var rows []operationRow
	if err := db.Where("content_id = ? AND version > ?", id, fromVersion).
		Order("version").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	ops := make([]ot.Operation, len(rows))
	for i, r := range rows {
		ops[i] = ot.Operation{
			ID:          r.OpID,
			ContentID:   r.ContentID,
			AuthorID:    r.AuthorID,
			Kind:        ot.Kind(r.Kind),
			Position:    r.Position,
			Length:      r.Length,
			Text:        r.Text,
			BaseVersion: r.BaseVersion,
			Meta:        r.Meta,
		}
	}
	return ops, nil
}
