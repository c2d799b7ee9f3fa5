package permissions

import (
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
)

// BuildOwnerGroup builds the permission group for the tenant owner: full
// permission on every drive, with each drive's master-key-wrapped storage
// key decryptable by the master key itself acting as the key store key.
func BuildOwnerGroup(allDrives []*drives.Drive, masterKey *crypto.SecretMaterial) *Group {
	grants := make([]DriveGrant, 0, len(allDrives))
	for _, d := range allDrives {
		grants = append(grants, DriveGrant{
			DriveID: d.ID,
			PermissionedDrive: PermissionedDrive{
				Drive:      d.TargetDrive,
				Permission: DriveAll,
			},
			KeyStoreKeyEncryptedStorageKey: d.MasterKeyEncryptedStorageKey,
		})
	}
	return NewGroup(NewPermissionSet(
		PermissionReadConnections,
		PermissionReadConnectionRequests,
		PermissionReadCircleMembership,
		PermissionReadWhoIFollow,
		PermissionReadMyFollowers,
		PermissionManageFeed,
		PermissionSendPushNotifications,
	), grants, masterKey)
}

// BuildAnonymousGroup builds the grant set for unauthenticated callers:
// read permission on anonymous-readable drives, with no key store key so
// encrypted payloads stay opaque.
func BuildAnonymousGroup(allDrives []*drives.Drive) *Group {
	var grants []DriveGrant
	for _, d := range allDrives {
		if !d.AllowAnonymousReads || d.OwnerOnly {
			continue
		}
		grants = append(grants, DriveGrant{
			DriveID: d.ID,
			PermissionedDrive: PermissionedDrive{
				Drive:      d.TargetDrive,
				Permission: DriveRead,
			},
		})
	}
	return NewGroup(NewPermissionSet(), grants, nil)
}
