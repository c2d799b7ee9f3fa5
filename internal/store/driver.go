// Package store provides persistence primitives and driver abstractions.
package store

import (
	"context"
	"errors"
)

// Common errors for store operations.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionMismatch = errors.New("version tag mismatch")
	ErrClosed          = errors.New("store closed")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, run migrations).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name.
	Name() string
}

// DriveStore persists drive records.
type DriveStore interface {
	CreateDrive(ctx context.Context, drive *DriveRecord) error
	GetDrive(ctx context.Context, driveID string) (*DriveRecord, error)
	GetDriveByTarget(ctx context.Context, alias, driveType string) (*DriveRecord, error)
	ListDrives(ctx context.Context) ([]*DriveRecord, error)
}

// FileHeaderStore persists file headers keyed by (driveId, fileId).
type FileHeaderStore interface {
	// InsertFileHeader creates a header row; ErrAlreadyExists on duplicate key.
	InsertFileHeader(ctx context.Context, rec *FileHeaderRecord) error

	// UpdateFileHeader replaces a header row only when the stored version
	// tag equals expectedVersionTag (atomic compare-and-swap). Returns
	// ErrVersionMismatch when a concurrent writer won, ErrNotFound when
	// the row does not exist.
	UpdateFileHeader(ctx context.Context, rec *FileHeaderRecord, expectedVersionTag string) error

	GetFileHeader(ctx context.Context, driveID, fileID string) (*FileHeaderRecord, error)
	GetFileHeaderByGlobalTransitID(ctx context.Context, driveID, globalTransitID string) (*FileHeaderRecord, error)
	GetFileHeaderByUniqueID(ctx context.Context, driveID, uniqueID string) (*FileHeaderRecord, error)
}

// OutboxStore is the durable sender-side delivery queue. Reservation uses
// pop stamps: Pop marks due rows with a caller-supplied stamp, Commit
// deletes them, Requeue clears the stamp for a later attempt, and Recover
// clears stamps older than a threshold so crashed workers self-heal.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, recs ...*OutboxRecord) error
	PopOutbox(ctx context.Context, driveID string, limit int, stamp string, now int64) ([]*OutboxRecord, error)
	CommitOutbox(ctx context.Context, stamp string, ids ...string) error
	RequeueOutbox(ctx context.Context, stamp, id string, nextRun int64, bumpRunCount bool) error
	RecoverOutbox(ctx context.Context, olderThan int64) (int64, error)
	DeleteOutboxByFile(ctx context.Context, driveID, fileID string) error
	HasOutboxItems(ctx context.Context, driveID, fileID, recipient string) (bool, error)
	CountOutbox(ctx context.Context, driveID string) (int64, error)
}

// InboxStore is the durable recipient-side staging queue, with the same
// pop-stamp reservation discipline as the outbox.
type InboxStore interface {
	EnqueueInbox(ctx context.Context, rec *InboxRecord) error
	PopInbox(ctx context.Context, driveID string, limit int, stamp string, now int64) ([]*InboxRecord, error)
	CommitInbox(ctx context.Context, stamp string, ids ...string) error
	RequeueInbox(ctx context.Context, stamp, id string, nextRun int64, bumpRunCount bool) error
	RecoverInbox(ctx context.Context, olderThan int64) (int64, error)
	CountInbox(ctx context.Context, driveID string) (int64, error)
}

// TransferHistoryStore persists the per-file, per-recipient ledger.
type TransferHistoryStore interface {
	UpsertTransferHistory(ctx context.Context, rec *TransferHistoryRecord) error
	ListTransferHistory(ctx context.Context, driveID, fileID string) ([]*TransferHistoryRecord, error)
}

// ConnectionStore persists peer connections and their grants.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, rec *ConnectionRecord) error
	GetConnection(ctx context.Context, odinID string) (*ConnectionRecord, error)
	ListConnections(ctx context.Context) ([]*ConnectionRecord, error)
	DeleteConnection(ctx context.Context, odinID string) error
}

// Store is the full persistence surface a driver must implement.
type Store interface {
	Driver
	DriveStore
	FileHeaderStore
	OutboxStore
	InboxStore
	TransferHistoryStore
	ConnectionStore
}

// DriveRecord maps a drive id to its target drive and wrapped storage key.
type DriveRecord struct {
	DriveID string `json:"drive_id" gorm:"primaryKey"`
	Alias   string `json:"alias" gorm:"uniqueIndex:idx_drives_target"`
	Type    string `json:"type" gorm:"uniqueIndex:idx_drives_target"`
	Name    string `json:"name"`

	OwnerOnly           bool `json:"owner_only"`
	AllowAnonymousReads bool `json:"allow_anonymous_reads"`

	// MasterKeyEncryptedStorageKey is the JSON form of the wrapped key.
	MasterKeyEncryptedStorageKey []byte `json:"master_key_encrypted_storage_key"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// FileHeaderRecord stores one file header blob plus the columns needed
// for lookup and optimistic concurrency.
type FileHeaderRecord struct {
	DriveID string `json:"drive_id" gorm:"primaryKey"`
	FileID  string `json:"file_id" gorm:"primaryKey"`

	GlobalTransitID string `json:"global_transit_id" gorm:"index"`
	UniqueID        string `json:"unique_id" gorm:"index"`

	FileState      int    `json:"file_state"`
	FileSystemType int    `json:"file_system_type"`
	VersionTag     string `json:"version_tag"`

	// Header is the length-prefixed serialized ServerFileHeader; the key
	// material inside is storage-key-wrapped.
	Header []byte `json:"header"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// OutboxRecord is one queued (file, recipient) delivery.
type OutboxRecord struct {
	ID        string `json:"id" gorm:"primaryKey"`
	DriveID   string `json:"drive_id" gorm:"index:idx_outbox_due"`
	FileID    string `json:"file_id" gorm:"index"`
	Recipient string `json:"recipient" gorm:"index"`

	// DependencyFileID orders delivery: this item is not attempted while
	// queue entries for that file and the same recipient remain.
	DependencyFileID string `json:"dependency_file_id"`

	// Data is the serialized transfer instruction built at enqueue time.
	Data []byte `json:"data"`

	RunCount int    `json:"run_count"`
	NextRun  int64  `json:"next_run" gorm:"index:idx_outbox_due"`
	LastRun  int64  `json:"last_run"`
	PopStamp string `json:"pop_stamp" gorm:"index"`
	PopTime  int64  `json:"pop_time"`

	CreatedAt int64 `json:"created_at"`
}

// InboxRecord is one staged incoming transfer awaiting processing.
type InboxRecord struct {
	ID      string `json:"id" gorm:"primaryKey"`
	DriveID string `json:"drive_id" gorm:"index:idx_inbox_due"`

	Sender          string `json:"sender" gorm:"index"`
	GlobalTransitID string `json:"global_transit_id" gorm:"index"`

	// TempFileID names the staged payload in temp storage.
	TempFileID string `json:"temp_file_id"`

	// Data is the serialized incoming transfer instruction.
	Data []byte `json:"data"`

	RunCount int    `json:"run_count"`
	NextRun  int64  `json:"next_run" gorm:"index:idx_inbox_due"`
	LastRun  int64  `json:"last_run"`
	PopStamp string `json:"pop_stamp" gorm:"index"`
	PopTime  int64  `json:"pop_time"`

	CreatedAt int64 `json:"created_at"`
}

// TransferHistoryRecord is one recipient's delivery status for one file.
type TransferHistoryRecord struct {
	DriveID   string `json:"drive_id" gorm:"primaryKey"`
	FileID    string `json:"file_id" gorm:"primaryKey"`
	Recipient string `json:"recipient" gorm:"primaryKey"`

	LatestDeliveredVersionTag string `json:"latest_delivered_version_tag"`
	LatestProblemStatus       string `json:"latest_problem_status"`
	IsInOutbox                bool   `json:"is_in_outbox"`

	UpdatedAt int64 `json:"updated_at"`
}

// ConnectionRecord holds one peer connection: the exchanged connection
// secret, the key store key unlocking the connection's drive grants, and
// the grants themselves (serialized JSON).
type ConnectionRecord struct {
	OdinID string `json:"odin_id" gorm:"primaryKey"`

	ConnectionSecret []byte `json:"connection_secret"`
	KeyStoreKey      []byte `json:"key_store_key"`

	// Grants is the JSON-serialized []permissions.DriveGrant.
	Grants []byte `json:"grants"`

	// Circles the peer belongs to, serialized as JSON array of uuids.
	Circles []byte `json:"circles"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}
