package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/authctx"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/notifications"
	"github.com/odinfed/odinfed-go/internal/store"
)

// NewFileRequest carries everything needed to commit a new file.
type NewFileRequest struct {
	DriveID uuid.UUID

	// TempID names the staged payload parts; empty for metadata-only files.
	TempID string

	// KeyHeader is the plaintext payload key, wrapped under the drive
	// storage key before anything is persisted. Nil for unencrypted files.
	KeyHeader *crypto.KeyHeader

	Metadata       drives.FileMetadata
	ServerMetadata drives.ServerMetadata
}

// OverwriteRequest carries an update to an existing file. ExpectedVersionTag
// must match the stored tag or the write is rejected.
type OverwriteRequest struct {
	File               drives.InternalFile
	ExpectedVersionTag uuid.UUID

	TempID    string
	KeyHeader *crypto.KeyHeader

	Metadata       drives.FileMetadata
	ServerMetadata drives.ServerMetadata
}

// Service is the drive storage service for one filesystem type. All
// operations authorize against the caller's permission context before
// touching headers or payloads.
type Service struct {
	fsType   drives.FileSystemType
	headers  store.FileHeaderStore
	history  store.TransferHistoryStore
	outbox   store.OutboxStore
	manager  *Manager
	payloads *PayloadStore
	events   *notifications.Publisher
	logger   *slog.Logger
	now      func() int64
}

// NewService creates a storage service bound to one filesystem type.
func NewService(fsType drives.FileSystemType, st store.Store, manager *Manager, payloads *PayloadStore, events *notifications.Publisher, logger *slog.Logger) *Service {
	return &Service{
		fsType:   fsType,
		headers:  st,
		history:  st,
		outbox:   st,
		manager:  manager,
		payloads: payloads,
		events:   events,
		logger:   logutil.NoopIfNil(logger),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// FileSystemType reports which filesystem this service serves.
func (s *Service) FileSystemType() drives.FileSystemType { return s.fsType }

// Payloads exposes the payload store for upload staging.
func (s *Service) Payloads() *PayloadStore { return s.payloads }

// Manager exposes the drive manager.
func (s *Service) Manager() *Manager { return s.manager }

// CreateFileID allocates a new file id. Time-ordered ids keep header
// rows roughly insertion-ordered in the index.
func (s *Service) CreateFileID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// CommitNewFile validates, wraps the key header under the drive storage
// key and persists a new file header with a fresh version tag, then
// promotes any staged payload.
func (s *Service) CommitNewFile(ctx context.Context, octx *authctx.OdinContext, req NewFileRequest) (*drives.ServerFileHeader, error) {
	perm := octx.Permissions()
	if err := perm.AssertCanWriteToDrive(req.DriveID); err != nil {
		return nil, err
	}

	acl := req.ServerMetadata.AccessControlList
	if err := acl.Validate(); err != nil {
		return nil, err
	}
	if req.Metadata.PayloadIsEncrypted && acl.RequiredSecurityGroup == drives.SecurityAnonymous {
		return nil, errs.Client(errs.CodeEncryptedAnonymousFile, "encrypted files cannot be anonymously readable")
	}
	if req.Metadata.PayloadIsEncrypted {
		if req.KeyHeader == nil {
			return nil, errs.Client(errs.CodeInvalidPayloadIV, "encrypted files require a key header")
		}
		if err := crypto.ValidateIV(req.KeyHeader.Iv); err != nil {
			return nil, errs.Client(errs.CodeInvalidPayloadIV, "key header iv is missing or zeroed")
		}
	}

	if req.Metadata.ExpiresTimestamp != 0 && req.Metadata.ExpiresTimestamp <= s.now() {
		return nil, errs.Client(errs.CodeBadRequest, "expiry timestamp is in the past")
	}

	if req.Metadata.UniqueID != nil {
		existing, err := s.headers.GetFileHeaderByUniqueID(ctx, req.DriveID.String(), req.Metadata.UniqueID.String())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, errs.System("checking unique id", err)
		}
		if existing != nil && drives.FileState(existing.FileState) == drives.FileStateActive {
			return nil, errs.Client(errs.CodeDuplicateUniqueID, "unique id %s already in use on drive", req.Metadata.UniqueID)
		}
	}

	var ekh *crypto.EncryptedKeyHeader
	if req.KeyHeader != nil {
		storageKey, err := perm.GetDriveStorageKey(req.DriveID)
		if err != nil {
			return nil, err
		}
		defer storageKey.Wipe()
		ekh, err = crypto.EncryptKeyHeader(req.KeyHeader, storageKey)
		if err != nil {
			return nil, errs.System("wrapping key header", err)
		}
	}

	now := s.now()
	header := &drives.ServerFileHeader{
		EncryptedKeyHeader: ekh,
		FileMetadata:       req.Metadata,
		ServerMetadata:     req.ServerMetadata,
	}
	if header.FileMetadata.File.FileID == uuid.Nil {
		header.FileMetadata.File = drives.InternalFile{DriveID: req.DriveID, FileID: s.CreateFileID()}
	} else {
		header.FileMetadata.File.DriveID = req.DriveID
	}
	header.FileMetadata.FileState = drives.FileStateActive
	header.FileMetadata.Created = now
	header.FileMetadata.Updated = now
	header.FileMetadata.VersionTag = uuid.New()
	header.ServerMetadata.FileSystemType = s.fsType
	header.ServerMetadata.TransferHistory = nil

	if req.TempID != "" {
		if err := s.payloads.Promote(req.TempID, header.FileMetadata.File); err != nil {
			return nil, errs.System("promoting payload", err)
		}
	}

	rec, err := headerToRecord(header, now, now)
	if err != nil {
		return nil, err
	}
	if err := s.headers.InsertFileHeader(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, errs.Client(errs.CodeBadRequest, "file %s already exists", header.FileMetadata.File)
		}
		return nil, errs.System("inserting file header", err)
	}

	s.logger.Info("file committed",
		"file", header.FileMetadata.File.String(),
		"versionTag", header.FileMetadata.VersionTag,
		"encrypted", header.FileMetadata.PayloadIsEncrypted)
	s.events.Publish(ctx, notifications.FileEvent{
		Type:       notifications.FileAdded,
		File:       header.FileMetadata.File,
		VersionTag: header.FileMetadata.VersionTag,
	})
	return header, nil
}

// OverwriteFile replaces an active file's header and payload. Created,
// GlobalTransitID, SenderOdinId and FileState carry over from the stored
// header; the version tag check rejects writes built on a stale read.
func (s *Service) OverwriteFile(ctx context.Context, octx *authctx.OdinContext, req OverwriteRequest) (*drives.ServerFileHeader, error) {
	perm := octx.Permissions()
	if err := perm.AssertCanWriteToDrive(req.File.DriveID); err != nil {
		return nil, err
	}
	if req.ExpectedVersionTag == uuid.Nil {
		return nil, errs.Client(errs.CodeMissingVersionTag, "updates require the current version tag")
	}

	existing, err := s.loadHeader(ctx, req.File)
	if err != nil {
		return nil, err
	}
	if existing.FileMetadata.FileState != drives.FileStateActive {
		return nil, errs.Client(errs.CodeFileNotActive, "file %s is not active", req.File)
	}

	acl := req.ServerMetadata.AccessControlList
	if err := acl.Validate(); err != nil {
		return nil, err
	}
	if req.Metadata.PayloadIsEncrypted && acl.RequiredSecurityGroup == drives.SecurityAnonymous {
		return nil, errs.Client(errs.CodeEncryptedAnonymousFile, "encrypted files cannot be anonymously readable")
	}
	if req.Metadata.ExpiresTimestamp != 0 && req.Metadata.ExpiresTimestamp <= s.now() {
		return nil, errs.Client(errs.CodeBadRequest, "expiry timestamp is in the past")
	}

	ekh := existing.EncryptedKeyHeader
	if req.KeyHeader != nil {
		if req.Metadata.PayloadIsEncrypted {
			if err := crypto.ValidateIV(req.KeyHeader.Iv); err != nil {
				return nil, errs.Client(errs.CodeInvalidPayloadIV, "key header iv is missing or zeroed")
			}
		}
		storageKey, err := perm.GetDriveStorageKey(req.File.DriveID)
		if err != nil {
			return nil, err
		}
		defer storageKey.Wipe()
		ekh, err = crypto.EncryptKeyHeader(req.KeyHeader, storageKey)
		if err != nil {
			return nil, errs.System("wrapping key header", err)
		}
	}

	now := s.now()
	updated := &drives.ServerFileHeader{
		EncryptedKeyHeader: ekh,
		FileMetadata:       req.Metadata,
		ServerMetadata:     req.ServerMetadata,
	}
	updated.FileMetadata.File = req.File
	updated.FileMetadata.FileState = existing.FileMetadata.FileState
	updated.FileMetadata.GlobalTransitID = existing.FileMetadata.GlobalTransitID
	updated.FileMetadata.SenderOdinId = existing.FileMetadata.SenderOdinId
	updated.FileMetadata.Created = existing.FileMetadata.Created
	updated.FileMetadata.Updated = now
	updated.FileMetadata.VersionTag = uuid.New()
	updated.ServerMetadata.FileSystemType = s.fsType
	updated.ServerMetadata.TransferHistory = existing.ServerMetadata.TransferHistory

	if req.TempID != "" {
		if err := s.payloads.Promote(req.TempID, req.File); err != nil {
			return nil, errs.System("promoting payload", err)
		}
	}

	rec, err := headerToRecord(updated, existing.FileMetadata.Created, now)
	if err != nil {
		return nil, err
	}
	if err := s.headers.UpdateFileHeader(ctx, rec, req.ExpectedVersionTag.String()); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionMismatch):
			return nil, errs.Client(errs.CodeVersionTagMismatch, "file %s was modified concurrently", req.File)
		case errors.Is(err, store.ErrNotFound):
			return nil, errs.Client(errs.CodeFileNotFound, "file %s not found", req.File)
		default:
			return nil, errs.System("updating file header", err)
		}
	}

	s.logger.Info("file overwritten",
		"file", req.File.String(), "versionTag", updated.FileMetadata.VersionTag)
	s.events.Publish(ctx, notifications.FileEvent{
		Type:       notifications.FileChanged,
		File:       req.File,
		VersionTag: updated.FileMetadata.VersionTag,
	})
	return updated, nil
}

// SoftDelete tombstones a file: payload bytes and content metadata are
// removed, the header survives with FileStateDeleted so the deletion can
// propagate to peers. Pending outbox deliveries for the file are purged.
func (s *Service) SoftDelete(ctx context.Context, octx *authctx.OdinContext, file drives.InternalFile, expectedVersionTag uuid.UUID) (*drives.ServerFileHeader, error) {
	perm := octx.Permissions()
	if err := perm.AssertCanWriteToDrive(file.DriveID); err != nil {
		return nil, err
	}
	if expectedVersionTag == uuid.Nil {
		return nil, errs.Client(errs.CodeMissingVersionTag, "deletes require the current version tag")
	}

	existing, err := s.loadHeader(ctx, file)
	if err != nil {
		return nil, err
	}
	if existing.FileMetadata.FileState == drives.FileStateDeleted {
		return existing, nil
	}

	now := s.now()
	existing.FileMetadata.FileState = drives.FileStateDeleted
	existing.FileMetadata.Updated = now
	existing.FileMetadata.VersionTag = uuid.New()
	existing.FileMetadata.PayloadSize = 0
	existing.FileMetadata.AppData = drives.AppFileMetadata{}
	existing.EncryptedKeyHeader = nil

	rec, err := headerToRecord(existing, existing.FileMetadata.Created, now)
	if err != nil {
		return nil, err
	}
	if err := s.headers.UpdateFileHeader(ctx, rec, expectedVersionTag.String()); err != nil {
		switch {
		case errors.Is(err, store.ErrVersionMismatch):
			return nil, errs.Client(errs.CodeVersionTagMismatch, "file %s was modified concurrently", file)
		case errors.Is(err, store.ErrNotFound):
			return nil, errs.Client(errs.CodeFileNotFound, "file %s not found", file)
		default:
			return nil, errs.System("updating file header", err)
		}
	}

	if err := s.payloads.Delete(file); err != nil {
		s.logger.Warn("deleting payload after tombstone", "file", file.String(), "error", err)
	}
	if err := s.outbox.DeleteOutboxByFile(ctx, file.DriveID.String(), file.FileID.String()); err != nil {
		s.logger.Warn("purging outbox after delete", "file", file.String(), "error", err)
	}

	s.logger.Info("file deleted", "file", file.String(), "versionTag", existing.FileMetadata.VersionTag)
	s.events.Publish(ctx, notifications.FileEvent{
		Type:       notifications.FileDeleted,
		File:       file,
		VersionTag: existing.FileMetadata.VersionTag,
	})
	return existing, nil
}

// GetServerFileHeader loads a header after the caller passes both the
// drive read grant and the file's ACL. The transfer history ledger is
// attached from its own table.
func (s *Service) GetServerFileHeader(ctx context.Context, octx *authctx.OdinContext, file drives.InternalFile) (*drives.ServerFileHeader, error) {
	if err := octx.Permissions().AssertCanReadDrive(file.DriveID); err != nil {
		return nil, err
	}
	header, err := s.loadHeader(ctx, file)
	if err != nil {
		return nil, err
	}
	if s.isExpired(header) {
		return nil, errs.Client(errs.CodeFileNotFound, "file %s not found", file)
	}
	if err := s.assertACL(octx, header); err != nil {
		return nil, err
	}
	if err := s.attachTransferHistory(ctx, header); err != nil {
		return nil, err
	}
	return header, nil
}

// GetHeaderByGlobalTransitID resolves a file by its delivery-scoped id.
func (s *Service) GetHeaderByGlobalTransitID(ctx context.Context, octx *authctx.OdinContext, driveID, globalTransitID uuid.UUID) (*drives.ServerFileHeader, error) {
	if err := octx.Permissions().AssertCanReadDrive(driveID); err != nil {
		return nil, err
	}
	rec, err := s.headers.GetFileHeaderByGlobalTransitID(ctx, driveID.String(), globalTransitID.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Client(errs.CodeFileNotFound, "no file with global transit id %s", globalTransitID)
		}
		return nil, errs.System("loading file header", err)
	}
	header, err := s.decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if s.isExpired(header) {
		return nil, errs.Client(errs.CodeFileNotFound, "no file with global transit id %s", globalTransitID)
	}
	if err := s.assertACL(octx, header); err != nil {
		return nil, err
	}
	return header, nil
}

// GetHeaderByUniqueID resolves a file by its caller-chosen unique id.
func (s *Service) GetHeaderByUniqueID(ctx context.Context, octx *authctx.OdinContext, driveID, uniqueID uuid.UUID) (*drives.ServerFileHeader, error) {
	if err := octx.Permissions().AssertCanReadDrive(driveID); err != nil {
		return nil, err
	}
	rec, err := s.headers.GetFileHeaderByUniqueID(ctx, driveID.String(), uniqueID.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Client(errs.CodeFileNotFound, "no file with unique id %s", uniqueID)
		}
		return nil, errs.System("loading file header", err)
	}
	header, err := s.decodeRecord(rec)
	if err != nil {
		return nil, err
	}
	if s.isExpired(header) {
		return nil, errs.Client(errs.CodeFileNotFound, "no file with unique id %s", uniqueID)
	}
	if err := s.assertACL(octx, header); err != nil {
		return nil, err
	}
	return header, nil
}

// ReadPayload opens a payload part after the same checks as a header
// read. The returned header lets the transport attach key material.
func (s *Service) ReadPayload(ctx context.Context, octx *authctx.OdinContext, file drives.InternalFile, key string) (io.ReadCloser, *drives.ServerFileHeader, error) {
	header, err := s.GetServerFileHeader(ctx, octx, file)
	if err != nil {
		return nil, nil, err
	}
	if header.FileMetadata.FileState != drives.FileStateActive {
		return nil, nil, errs.Client(errs.CodeFileNotActive, "file %s is not active", file)
	}
	rc, err := s.payloads.Read(file, key)
	if err != nil {
		if errors.Is(err, ErrPayloadNotFound) {
			return nil, nil, errs.Client(errs.CodeFileNotFound, "file %s has no payload %q", file, key)
		}
		return nil, nil, errs.System("opening payload", err)
	}
	return rc, header, nil
}

// ToSharedSecretEncryptedHeader converts a stored header to its wire
// form: the key header re-wrapped under the caller's shared secret.
// Callers without a storage key for the drive receive no key header,
// which only works for unencrypted payloads. Server metadata is included
// only for the owner.
func (s *Service) ToSharedSecretEncryptedHeader(octx *authctx.OdinContext, header *drives.ServerFileHeader) (*drives.SharedSecretEncryptedFileHeader, error) {
	perm := octx.Permissions()
	out := &drives.SharedSecretEncryptedFileHeader{
		FileMetadata: header.FileMetadata,
	}
	if octx.Caller().IsOwner() {
		sm := header.ServerMetadata
		out.ServerMetadata = &sm
	}

	if header.EncryptedKeyHeader == nil {
		return out, nil
	}
	storageKey, ok, err := perm.TryGetDriveStorageKey(header.FileMetadata.File.DriveID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if header.FileMetadata.PayloadIsEncrypted {
			return nil, errs.Security("caller cannot decrypt files on drive %s", header.FileMetadata.File.DriveID)
		}
		return out, nil
	}
	defer storageKey.Wipe()

	secret := perm.SharedSecret()
	if secret.IsEmpty() {
		return nil, errs.Security("caller has no shared secret to receive key material")
	}
	rewrapped, err := header.EncryptedKeyHeader.ReEncrypt(storageKey, secret)
	if err != nil {
		return nil, errs.System("re-wrapping key header", err)
	}
	out.SharedSecretEncryptedKeyHeader = rewrapped
	return out, nil
}

// GetTransferHistory returns the delivery ledger for one file.
func (s *Service) GetTransferHistory(ctx context.Context, octx *authctx.OdinContext, file drives.InternalFile) (*drives.TransferHistory, error) {
	if err := octx.Permissions().AssertCanReadDrive(file.DriveID); err != nil {
		return nil, err
	}
	return s.loadTransferHistory(ctx, file)
}

// isExpired reports whether the file's expiry deadline has passed.
// Expired files read as not found; the header row stays until a sweep
// or an explicit delete removes it.
func (s *Service) isExpired(header *drives.ServerFileHeader) bool {
	exp := header.FileMetadata.ExpiresTimestamp
	return exp != 0 && exp <= s.now()
}

func (s *Service) loadHeader(ctx context.Context, file drives.InternalFile) (*drives.ServerFileHeader, error) {
	rec, err := s.headers.GetFileHeader(ctx, file.DriveID.String(), file.FileID.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Client(errs.CodeFileNotFound, "file %s not found", file)
		}
		return nil, errs.System("loading file header", err)
	}
	return s.decodeRecord(rec)
}

func (s *Service) decodeRecord(rec *store.FileHeaderRecord) (*drives.ServerFileHeader, error) {
	if drives.FileSystemType(rec.FileSystemType) != s.fsType {
		return nil, errs.Client(errs.CodeFileSystemTypeMismatch,
			"file belongs to the %s filesystem", drives.FileSystemType(rec.FileSystemType))
	}
	header, err := openHeader(rec.Header)
	if err != nil {
		return nil, errs.System("corrupt file header", err)
	}
	return header, nil
}

func (s *Service) assertACL(octx *authctx.OdinContext, header *drives.ServerFileHeader) error {
	caller := octx.Caller()
	// The identity that sent a transferred file can always address it
	// again; redeliveries and tombstones depend on this.
	if !caller.OdinID().IsEmpty() && header.FileMetadata.SenderOdinId == caller.OdinID() {
		return nil
	}
	acl := header.ServerMetadata.AccessControlList
	if !acl.Grants(caller.SecurityLevel(), caller.OdinID(), caller.Circles()) {
		return errs.Security("caller does not satisfy the file's access control list")
	}
	return nil
}

func (s *Service) attachTransferHistory(ctx context.Context, header *drives.ServerFileHeader) error {
	history, err := s.loadTransferHistory(ctx, header.FileMetadata.File)
	if err != nil {
		return err
	}
	if len(history.Recipients) > 0 {
		header.ServerMetadata.TransferHistory = history
	}
	return nil
}

func (s *Service) loadTransferHistory(ctx context.Context, file drives.InternalFile) (*drives.TransferHistory, error) {
	recs, err := s.history.ListTransferHistory(ctx, file.DriveID.String(), file.FileID.String())
	if err != nil {
		return nil, errs.System("loading transfer history", err)
	}
	history := &drives.TransferHistory{Recipients: make(map[identity.OdinId]drives.RecipientTransferStatus, len(recs))}
	for _, rec := range recs {
		status := drives.RecipientTransferStatus{IsInOutbox: rec.IsInOutbox}
		if rec.LatestDeliveredVersionTag != "" {
			if tag, err := uuid.Parse(rec.LatestDeliveredVersionTag); err == nil {
				status.LatestSuccessfullyDeliveredVersionTag = &tag
			}
		}
		if rec.LatestProblemStatus != "" {
			problem := drives.TransferProblem(rec.LatestProblemStatus)
			status.LatestProblemStatus = &problem
		}
		history.Recipients[identity.OdinId(rec.Recipient)] = status
	}
	return history, nil
}

func headerToRecord(h *drives.ServerFileHeader, createdAt, updatedAt int64) (*store.FileHeaderRecord, error) {
	blob, err := sealHeader(h)
	if err != nil {
		return nil, errs.System("sealing file header", err)
	}
	rec := &store.FileHeaderRecord{
		DriveID:        h.FileMetadata.File.DriveID.String(),
		FileID:         h.FileMetadata.File.FileID.String(),
		FileState:      int(h.FileMetadata.FileState),
		FileSystemType: int(h.ServerMetadata.FileSystemType),
		VersionTag:     h.FileMetadata.VersionTag.String(),
		Header:         blob,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if h.FileMetadata.GlobalTransitID != nil {
		rec.GlobalTransitID = h.FileMetadata.GlobalTransitID.String()
	}
	if h.FileMetadata.UniqueID != nil {
		rec.UniqueID = h.FileMetadata.UniqueID.String()
	}
	return rec, nil
}
