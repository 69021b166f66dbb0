package kv

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Entry - 로컬 스냅샷 row
type Entry struct {
	Name      string `gorm:"primaryKey;size:191"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

func (Entry) TableName() string { return "kv_entries" }

// SnapshotStore - 로컬 SQLite 파일에 보관하는 스냅샷 (재시작 복구용)
type SnapshotStore struct {
	db *gorm.DB
}

// OpenSnapshot - SQLite 파일(또는 ":memory:") 을 열고 테이블 준비
func OpenSnapshot(path string) (*SnapshotStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	return NewSnapshotStore(db)
}

// NewSnapshotStore - 이미 열린 gorm DB 로 생성
func NewSnapshotStore(db *gorm.DB) (*SnapshotStore, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrate kv_entries: %w", err)
	}
	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) Get(ctx context.Context, key string) (string, bool, error) {
	var e Entry
	err := s.db.WithContext(ctx).First(&e, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Value, true, nil
}

func (s *SnapshotStore) Set(ctx context.Context, key, value string) error {
	e := Entry{Name: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
}

func (s *SnapshotStore) All(ctx context.Context) (map[string]string, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.Name] = e.Value
	}
	return out, nil
}

// Layered - primary(Redis) 에 쓰고 snapshot 에도 복사. 읽기는 primary 우선.
type Layered struct {
	primary  Store
	snapshot Store
}

// NewLayered - snapshot 이 nil 이면 primary 만 사용
func NewLayered(primary, snapshot Store) *Layered {
	return &Layered{primary: primary, snapshot: snapshot}
}

func (l *Layered) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := l.primary.Get(ctx, key)
	if err == nil && ok {
		return value, true, nil
	}
	if l.snapshot == nil {
		return value, ok, err
	}
	if err != nil {
		log.Printf("⚠️ [KV] primary get %s failed, reading snapshot: %v", key, err)
	}
	return l.snapshot.Get(ctx, key)
}

func (l *Layered) Set(ctx context.Context, key, value string) error {
	err := l.primary.Set(ctx, key, value)
	if l.snapshot != nil {
		if snapErr := l.snapshot.Set(ctx, key, value); snapErr != nil {
			log.Printf("⚠️ [KV] snapshot set %s failed: %v", key, snapErr)
		} else if err != nil {
			log.Printf("⚠️ [KV] primary set %s failed, kept in snapshot: %v", key, err)
			return nil
		}
	}
	return err
}

// All - snapshot 위에 primary 를 덮어씀
func (l *Layered) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	if l.snapshot != nil {
		snap, err := l.snapshot.All(ctx)
		if err != nil {
			log.Printf("⚠️ [KV] snapshot read failed: %v", err)
		}
		for k, v := range snap {
			out[k] = v
		}
	}
	primary, err := l.primary.All(ctx)
	if err != nil {
		if l.snapshot == nil {
			return nil, err
		}
		log.Printf("⚠️ [KV] primary read failed, using snapshot only: %v", err)
	}
	for k, v := range primary {
		out[k] = v
	}
	return out, nil
}
