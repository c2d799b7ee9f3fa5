// Package sqlite implements the persistence driver using GORM over SQLite.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/odinfed/odinfed-go/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

// Driver implements store.Store using SQLite via GORM.
type Driver struct {
	dataDir string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	return &Driver{dataDir: cfg.DataDir}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init opens the database and runs AutoMigrate.
func (d *Driver) Init(ctx context.Context) error {
	dbPath := filepath.Join(d.dataDir, "identity.db")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db

	if err := db.AutoMigrate(
		&store.DriveRecord{},
		&store.FileHeaderRecord{},
		&store.OutboxRecord{},
		&store.InboxRecord{},
		&store.TransferHistoryRecord{},
		&store.ConnectionRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrAlreadyExists
	default:
		return err
	}
}

// DriveStore implementation

func (d *Driver) CreateDrive(ctx context.Context, drive *store.DriveRecord) error {
	drive.CreatedAt = nowMillis()
	drive.UpdatedAt = drive.CreatedAt
	return mapErr(d.db.WithContext(ctx).Create(drive).Error)
}

func (d *Driver) GetDrive(ctx context.Context, driveID string) (*store.DriveRecord, error) {
	var rec store.DriveRecord
	if err := d.db.WithContext(ctx).First(&rec, "drive_id = ?", driveID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (d *Driver) GetDriveByTarget(ctx context.Context, alias, driveType string) (*store.DriveRecord, error) {
	var rec store.DriveRecord
	if err := d.db.WithContext(ctx).First(&rec, "alias = ? AND type = ?", alias, driveType).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (d *Driver) ListDrives(ctx context.Context) ([]*store.DriveRecord, error) {
	var recs []*store.DriveRecord
	if err := d.db.WithContext(ctx).Order("created_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// FileHeaderStore implementation

func (d *Driver) InsertFileHeader(ctx context.Context, rec *store.FileHeaderRecord) error {
	rec.CreatedAt = nowMillis()
	rec.UpdatedAt = rec.CreatedAt
	return mapErr(d.db.WithContext(ctx).Create(rec).Error)
}

// UpdateFileHeader is the compare-and-swap: the row is replaced only when
// its stored version tag still equals expectedVersionTag, so of two
// concurrent writers exactly one wins.
func (d *Driver) UpdateFileHeader(ctx context.Context, rec *store.FileHeaderRecord, expectedVersionTag string) error {
	rec.UpdatedAt = nowMillis()
	res := d.db.WithContext(ctx).Model(&store.FileHeaderRecord{}).
		Where("drive_id = ? AND file_id = ? AND version_tag = ?", rec.DriveID, rec.FileID, expectedVersionTag).
		Updates(map[string]any{
			"global_transit_id": rec.GlobalTransitID,
			"unique_id":         rec.UniqueID,
			"file_state":        rec.FileState,
			"file_system_type":  rec.FileSystemType,
			"version_tag":       rec.VersionTag,
			"header":            rec.Header,
			"updated_at":        rec.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := d.db.WithContext(ctx).Model(&store.FileHeaderRecord{}).
			Where("drive_id = ? AND file_id = ?", rec.DriveID, rec.FileID).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrVersionMismatch
	}
	return nil
}

func (d *Driver) GetFileHeader(ctx context.Context, driveID, fileID string) (*store.FileHeaderRecord, error) {
	var rec store.FileHeaderRecord
	if err := d.db.WithContext(ctx).First(&rec, "drive_id = ? AND file_id = ?", driveID, fileID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (d *Driver) GetFileHeaderByGlobalTransitID(ctx context.Context, driveID, globalTransitID string) (*store.FileHeaderRecord, error) {
	var rec store.FileHeaderRecord
	if err := d.db.WithContext(ctx).
		First(&rec, "drive_id = ? AND global_transit_id = ?", driveID, globalTransitID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (d *Driver) GetFileHeaderByUniqueID(ctx context.Context, driveID, uniqueID string) (*store.FileHeaderRecord, error) {
	var rec store.FileHeaderRecord
	if err := d.db.WithContext(ctx).
		First(&rec, "drive_id = ? AND unique_id = ?", driveID, uniqueID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

// OutboxStore implementation

func (d *Driver) EnqueueOutbox(ctx context.Context, recs ...*store.OutboxRecord) error {
	now := nowMillis()
	for _, rec := range recs {
		rec.CreatedAt = now
	}
	return mapErr(d.db.WithContext(ctx).Create(recs).Error)
}

// PopOutbox reserves up to limit due rows under stamp and returns them.
// Reservation and selection run in one transaction; the "pop_stamp = ''"
// guard in the update keeps two concurrent pollers from reserving the
// same row.
func (d *Driver) PopOutbox(ctx context.Context, driveID string, limit int, stamp string, now int64) ([]*store.OutboxRecord, error) {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&store.OutboxRecord{}).
			Where("drive_id = ? AND pop_stamp = '' AND next_run <= ?", driveID, now).
			Order("created_at").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&store.OutboxRecord{}).
			Where("id IN ? AND pop_stamp = ''", ids).
			Updates(map[string]any{"pop_stamp": stamp, "pop_time": now}).Error
	})
	if err != nil {
		return nil, err
	}

	var recs []*store.OutboxRecord
	if err := d.db.WithContext(ctx).
		Where("pop_stamp = ?", stamp).
		Order("created_at").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (d *Driver) CommitOutbox(ctx context.Context, stamp string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).
		Where("pop_stamp = ? AND id IN ?", stamp, ids).
		Delete(&store.OutboxRecord{}).Error
}

func (d *Driver) RequeueOutbox(ctx context.Context, stamp, id string, nextRun int64, bumpRunCount bool) error {
	updates := map[string]any{
		"pop_stamp": "",
		"pop_time":  0,
		"next_run":  nextRun,
		"last_run":  nowMillis(),
	}
	if bumpRunCount {
		updates["run_count"] = gorm.Expr("run_count + 1")
	}
	return d.db.WithContext(ctx).Model(&store.OutboxRecord{}).
		Where("pop_stamp = ? AND id = ?", stamp, id).
		Updates(updates).Error
}

func (d *Driver) RecoverOutbox(ctx context.Context, olderThan int64) (int64, error) {
	res := d.db.WithContext(ctx).Model(&store.OutboxRecord{}).
		Where("pop_stamp <> '' AND pop_time < ?", olderThan).
		Updates(map[string]any{"pop_stamp": "", "pop_time": 0})
	return res.RowsAffected, res.Error
}

func (d *Driver) DeleteOutboxByFile(ctx context.Context, driveID, fileID string) error {
	return d.db.WithContext(ctx).
		Where("drive_id = ? AND file_id = ?", driveID, fileID).
		Delete(&store.OutboxRecord{}).Error
}

func (d *Driver) HasOutboxItems(ctx context.Context, driveID, fileID, recipient string) (bool, error) {
	var count int64
	q := d.db.WithContext(ctx).Model(&store.OutboxRecord{}).
		Where("drive_id = ? AND file_id = ?", driveID, fileID)
	if recipient != "" {
		q = q.Where("recipient = ?", recipient)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (d *Driver) CountOutbox(ctx context.Context, driveID string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&store.OutboxRecord{}).
		Where("drive_id = ?", driveID).
		Count(&count).Error
	return count, err
}

// InboxStore implementation

func (d *Driver) EnqueueInbox(ctx context.Context, rec *store.InboxRecord) error {
	rec.CreatedAt = nowMillis()
	return mapErr(d.db.WithContext(ctx).Create(rec).Error)
}

func (d *Driver) PopInbox(ctx context.Context, driveID string, limit int, stamp string, now int64) ([]*store.InboxRecord, error) {
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&store.InboxRecord{}).
			Where("drive_id = ? AND pop_stamp = '' AND next_run <= ?", driveID, now).
			Order("created_at").
			Limit(limit).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&store.InboxRecord{}).
			Where("id IN ? AND pop_stamp = ''", ids).
			Updates(map[string]any{"pop_stamp": stamp, "pop_time": now}).Error
	})
	if err != nil {
		return nil, err
	}

	var recs []*store.InboxRecord
	if err := d.db.WithContext(ctx).
		Where("pop_stamp = ?", stamp).
		Order("created_at").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (d *Driver) CommitInbox(ctx context.Context, stamp string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).
		Where("pop_stamp = ? AND id IN ?", stamp, ids).
		Delete(&store.InboxRecord{}).Error
}

func (d *Driver) RequeueInbox(ctx context.Context, stamp, id string, nextRun int64, bumpRunCount bool) error {
	updates := map[string]any{
		"pop_stamp": "",
		"pop_time":  0,
		"next_run":  nextRun,
		"last_run":  nowMillis(),
	}
	if bumpRunCount {
		updates["run_count"] = gorm.Expr("run_count + 1")
	}
	return d.db.WithContext(ctx).Model(&store.InboxRecord{}).
		Where("pop_stamp = ? AND id = ?", stamp, id).
		Updates(updates).Error
}

func (d *Driver) RecoverInbox(ctx context.Context, olderThan int64) (int64, error) {
	res := d.db.WithContext(ctx).Model(&store.InboxRecord{}).
		Where("pop_stamp <> '' AND pop_time < ?", olderThan).
		Updates(map[string]any{"pop_stamp": "", "pop_time": 0})
	return res.RowsAffected, res.Error
}

func (d *Driver) CountInbox(ctx context.Context, driveID string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&store.InboxRecord{}).
		Where("drive_id = ?", driveID).
		Count(&count).Error
	return count, err
}

// TransferHistoryStore implementation

func (d *Driver) UpsertTransferHistory(ctx context.Context, rec *store.TransferHistoryRecord) error {
	rec.UpdatedAt = nowMillis()
	return d.db.WithContext(ctx).Save(rec).Error
}

func (d *Driver) ListTransferHistory(ctx context.Context, driveID, fileID string) ([]*store.TransferHistoryRecord, error) {
	var recs []*store.TransferHistoryRecord
	if err := d.db.WithContext(ctx).
		Where("drive_id = ? AND file_id = ?", driveID, fileID).
		Order("recipient").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ConnectionStore implementation

func (d *Driver) UpsertConnection(ctx context.Context, rec *store.ConnectionRecord) error {
	now := nowMillis()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return d.db.WithContext(ctx).Save(rec).Error
}

func (d *Driver) GetConnection(ctx context.Context, odinID string) (*store.ConnectionRecord, error) {
	var rec store.ConnectionRecord
	if err := d.db.WithContext(ctx).First(&rec, "odin_id = ?", odinID).Error; err != nil {
		return nil, mapErr(err)
	}
	return &rec, nil
}

func (d *Driver) ListConnections(ctx context.Context) ([]*store.ConnectionRecord, error) {
	var recs []*store.ConnectionRecord
	if err := d.db.WithContext(ctx).Order("odin_id").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (d *Driver) DeleteConnection(ctx context.Context, odinID string) error {
	return d.db.WithContext(ctx).
		Where("odin_id = ?", odinID).
		Delete(&store.ConnectionRecord{}).Error
}
