// Package drives defines the drive and file-header data model shared by
// the permission engine, the storage layer and the peer transfer queues.
package drives

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
)

// TargetDrive is the public, logical selector for a drive: an alias plus a
// type id. It is stable across renames and independent of the internal
// driveId, so clients never learn storage locations.
type TargetDrive struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
}

func (t TargetDrive) String() string {
	return t.Alias.String() + ":" + t.Type.String()
}

// IsValid reports whether both components are set.
func (t TargetDrive) IsValid() bool {
	return t.Alias != uuid.Nil && t.Type != uuid.Nil
}

// Drive is the internal drive record. The storage key protecting all file
// headers on the drive is held only in wrapped form: under the owner
// master key here, and under group key store keys in drive grants.
type Drive struct {
	ID          uuid.UUID   `json:"id"`
	TargetDrive TargetDrive `json:"targetDrive"`
	Name        string      `json:"name"`

	// OwnerOnly drives never appear in grants to other callers.
	OwnerOnly bool `json:"ownerOnly"`

	// AllowAnonymousReads permits headerless-key read grants: anonymous
	// callers may resolve and read the drive but receive no key store key,
	// so encrypted payloads stay opaque to them.
	AllowAnonymousReads bool `json:"allowAnonymousReads"`

	MasterKeyEncryptedStorageKey *crypto.SymmetricKeyEncrypted `json:"masterKeyEncryptedStorageKey"`

	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// InternalFile addresses one file within one drive.
type InternalFile struct {
	DriveID uuid.UUID `json:"driveId"`
	FileID  uuid.UUID `json:"fileId"`
}

func (f InternalFile) String() string {
	return f.DriveID.String() + "/" + f.FileID.String()
}

// IsValid reports whether both components are set.
func (f InternalFile) IsValid() bool {
	return f.DriveID != uuid.Nil && f.FileID != uuid.Nil
}

// GlobalTransitFile addresses a file by its delivery-scoped id, the form a
// peer uses to correlate the same logical file across tenants.
type GlobalTransitFile struct {
	GlobalTransitID uuid.UUID   `json:"globalTransitId"`
	TargetDrive     TargetDrive `json:"targetDrive"`
}

// FileSystemType partitions headers into independent filesystems
// (standard files vs comment files). A storage service instance only ever
// serves one of them.
type FileSystemType int

const (
	FileSystemStandard FileSystemType = 0
	FileSystemComment  FileSystemType = 1
)

func (f FileSystemType) String() string {
	switch f {
	case FileSystemStandard:
		return "standard"
	case FileSystemComment:
		return "comment"
	default:
		return fmt.Sprintf("filesystem(%d)", int(f))
	}
}
