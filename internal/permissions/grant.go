package permissions

import (
	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
)

// PermissionedDrive pairs a drive selector with granted permission bits.
type PermissionedDrive struct {
	Drive      drives.TargetDrive `json:"drive"`
	Permission DrivePermission    `json:"permission"`
}

// DriveGrant is one source's access to one drive. The drive storage key
// is carried wrapped under the owning group's key store key; a grant is
// immutable and revoked only by removal from its group.
type DriveGrant struct {
	DriveID           uuid.UUID         `json:"driveId"`
	PermissionedDrive PermissionedDrive `json:"permissionedDrive"`

	// KeyStoreKeyEncryptedStorageKey is nil for anonymous-read grants:
	// permission without payload decryption.
	KeyStoreKeyEncryptedStorageKey *crypto.SymmetricKeyEncrypted `json:"keyStoreKeyEncryptedStorageKey,omitempty"`
}

// Group is one source of authority (a circle, an app registration, a
// connection) contributing a permission set and drive grants. Groups are
// immutable once built into a context.
type Group struct {
	permissionSet PermissionSet
	driveGrants   []DriveGrant

	// keyStoreKey decrypts the storage keys inside this group's grants.
	// Nil for groups representing anonymous access.
	keyStoreKey *crypto.SecretMaterial
}

// NewGroup builds a permission group.
func NewGroup(set PermissionSet, grants []DriveGrant, keyStoreKey *crypto.SecretMaterial) *Group {
	return &Group{
		permissionSet: set,
		driveGrants:   grants,
		keyStoreKey:   keyStoreKey,
	}
}

// HasPermission reports whether the group's permission set contains key.
func (g *Group) HasPermission(key int) bool {
	return g.permissionSet.HasKey(key)
}

// HasDrivePermission reports whether this group grants permission on driveId.
func (g *Group) HasDrivePermission(driveID uuid.UUID, permission DrivePermission) bool {
	for _, grant := range g.driveGrants {
		if grant.DriveID == driveID && grant.PermissionedDrive.Permission.HasFlag(permission) {
			return true
		}
	}
	return false
}

// ResolveDriveID returns the internal id for a target drive this group
// grants, regardless of permission bits.
func (g *Group) ResolveDriveID(target drives.TargetDrive) (uuid.UUID, bool) {
	for _, grant := range g.driveGrants {
		if grant.PermissionedDrive.Drive == target {
			return grant.DriveID, true
		}
	}
	return uuid.Nil, false
}

// ResolveTargetDrive is the inverse of ResolveDriveID.
func (g *Group) ResolveTargetDrive(driveID uuid.UUID) (drives.TargetDrive, bool) {
	for _, grant := range g.driveGrants {
		if grant.DriveID == driveID {
			return grant.PermissionedDrive.Drive, true
		}
	}
	return drives.TargetDrive{}, false
}

// TryGetDriveStorageKey unwraps the storage key for driveId if this group
// both grants the drive and holds a key store key. The second return is
// false when the grant exists but carries no decryptable key, the
// anonymous-drive case.
func (g *Group) TryGetDriveStorageKey(driveID uuid.UUID) (*crypto.SecretMaterial, bool, error) {
	for _, grant := range g.driveGrants {
		if grant.DriveID != driveID {
			continue
		}
		if grant.KeyStoreKeyEncryptedStorageKey == nil || g.keyStoreKey.IsEmpty() {
			return nil, false, nil
		}
		key, err := grant.KeyStoreKeyEncryptedStorageKey.Unwrap(g.keyStoreKey)
		if err != nil {
			return nil, false, err
		}
		return key, true, nil
	}
	return nil, false, nil
}
