// Package storage implements drive management and the drive storage
// service: header lifecycle, payload streams and the shared-secret
// re-wrap, all gated by the caller's permission context.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/authctx"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/store"
)

// CreateDriveRequest describes a new drive.
type CreateDriveRequest struct {
	TargetDrive         drives.TargetDrive
	Name                string
	OwnerOnly           bool
	AllowAnonymousReads bool
}

// Manager owns drive records and their wrapped storage keys.
type Manager struct {
	drives store.DriveStore
	logger *slog.Logger
}

// NewManager creates a drive manager.
func NewManager(driveStore store.DriveStore, logger *slog.Logger) *Manager {
	return &Manager{drives: driveStore, logger: logutil.NoopIfNil(logger)}
}

// CreateDrive allocates a drive with a fresh storage key wrapped under
// the owner master key. Requires direct owner authentication.
func (m *Manager) CreateDrive(ctx context.Context, octx *authctx.OdinContext, req CreateDriveRequest) (*drives.Drive, error) {
	if err := octx.AssertMasterKey(); err != nil {
		return nil, err
	}
	if !req.TargetDrive.IsValid() {
		return nil, errs.Client(errs.CodeBadRequest, "target drive alias and type are required")
	}
	if req.OwnerOnly && req.AllowAnonymousReads {
		return nil, errs.Client(errs.CodeBadRequest, "owner-only drive cannot allow anonymous reads")
	}

	masterKey, err := octx.Caller().MasterKey()
	if err != nil {
		return nil, err
	}

	storageKey := crypto.RandomSecret(crypto.AesKeySize)
	defer storageKey.Wipe()
	wrapped, err := crypto.WrapKey(storageKey, masterKey)
	if err != nil {
		return nil, errs.System("wrapping drive storage key", err)
	}
	wrappedJSON, err := json.Marshal(wrapped)
	if err != nil {
		return nil, errs.System("encoding wrapped storage key", err)
	}

	rec := &store.DriveRecord{
		DriveID:                      uuid.NewString(),
		Alias:                        req.TargetDrive.Alias.String(),
		Type:                         req.TargetDrive.Type.String(),
		Name:                         req.Name,
		OwnerOnly:                    req.OwnerOnly,
		AllowAnonymousReads:          req.AllowAnonymousReads,
		MasterKeyEncryptedStorageKey: wrappedJSON,
	}
	if err := m.drives.CreateDrive(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, errs.Client(errs.CodeBadRequest, "drive %s already exists", req.TargetDrive)
		}
		return nil, errs.System("creating drive", err)
	}

	m.logger.Info("drive created", "drive", req.TargetDrive.String(), "name", req.Name)
	return driveFromRecord(rec)
}

// GetDrive loads a drive by internal id. Callers are expected to have
// resolved the id through a permission context already.
func (m *Manager) GetDrive(ctx context.Context, driveID uuid.UUID) (*drives.Drive, error) {
	rec, err := m.drives.GetDrive(ctx, driveID.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Client(errs.CodeBadRequest, "no such drive")
		}
		return nil, errs.System("loading drive", err)
	}
	return driveFromRecord(rec)
}

// GetDriveByTarget loads a drive by its public selector. Internal use
// only; request paths must resolve through the permission context.
func (m *Manager) GetDriveByTarget(ctx context.Context, target drives.TargetDrive) (*drives.Drive, error) {
	rec, err := m.drives.GetDriveByTarget(ctx, target.Alias.String(), target.Type.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.Client(errs.CodeBadRequest, "no such drive")
		}
		return nil, errs.System("loading drive", err)
	}
	return driveFromRecord(rec)
}

// ListDrives returns all drives on the tenant.
func (m *Manager) ListDrives(ctx context.Context) ([]*drives.Drive, error) {
	recs, err := m.drives.ListDrives(ctx)
	if err != nil {
		return nil, errs.System("listing drives", err)
	}
	out := make([]*drives.Drive, 0, len(recs))
	for _, rec := range recs {
		d, err := driveFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListAccessibleDrives returns the drives the caller's permission
// context can resolve.
func (m *Manager) ListAccessibleDrives(ctx context.Context, octx *authctx.OdinContext) ([]*drives.Drive, error) {
	all, err := m.ListDrives(ctx)
	if err != nil {
		return nil, err
	}
	var out []*drives.Drive
	for _, d := range all {
		if _, err := octx.Permissions().GetDriveID(d.TargetDrive); err == nil {
			out = append(out, d)
		}
	}
	return out, nil
}

func driveFromRecord(rec *store.DriveRecord) (*drives.Drive, error) {
	alias, err := uuid.Parse(rec.Alias)
	if err != nil {
		return nil, errs.System("corrupt drive record", fmt.Errorf("alias: %w", err))
	}
	typ, err := uuid.Parse(rec.Type)
	if err != nil {
		return nil, errs.System("corrupt drive record", fmt.Errorf("type: %w", err))
	}
	id, err := uuid.Parse(rec.DriveID)
	if err != nil {
		return nil, errs.System("corrupt drive record", fmt.Errorf("drive id: %w", err))
	}
	var wrapped crypto.SymmetricKeyEncrypted
	if err := json.Unmarshal(rec.MasterKeyEncryptedStorageKey, &wrapped); err != nil {
		return nil, errs.System("corrupt drive record", fmt.Errorf("storage key: %w", err))
	}
	return &drives.Drive{
		ID:                           id,
		TargetDrive:                  drives.TargetDrive{Alias: alias, Type: typ},
		Name:                         rec.Name,
		OwnerOnly:                    rec.OwnerOnly,
		AllowAnonymousReads:          rec.AllowAnonymousReads,
		MasterKeyEncryptedStorageKey: &wrapped,
		Created:                      rec.CreatedAt,
		Updated:                      rec.UpdatedAt,
	}, nil
}
