package permissions

import (
	"sort"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
)

// Context aggregates the permission groups backing one request plus the
// caller's shared secret. Authorization is the logical OR across groups:
// any group granting access is sufficient. The group map is iterated in
// sorted name order so behavior never depends on map iteration.
type Context struct {
	groups       map[string]*Group
	groupNames   []string
	sharedSecret *crypto.SecretMaterial

	// isSystem marks internal server contexts that bypass grant checks
	// (but still need storage keys for payload work, which system callers
	// obtain through explicit grants).
	isSystem bool
}

// NewContext builds a permission context from named groups.
func NewContext(groups map[string]*Group, sharedSecret *crypto.SecretMaterial) *Context {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Context{
		groups:       groups,
		groupNames:   names,
		sharedSecret: sharedSecret,
	}
}

// NewSystemContext builds a context that passes all permission checks.
func NewSystemContext(groups map[string]*Group, sharedSecret *crypto.SecretMaterial) *Context {
	c := NewContext(groups, sharedSecret)
	c.isSystem = true
	return c
}

// SharedSecret is the secret used to re-wrap key headers for this caller.
func (c *Context) SharedSecret() *crypto.SecretMaterial {
	return c.sharedSecret
}

// HasDrivePermission reports whether any group grants permission on driveId.
func (c *Context) HasDrivePermission(driveID uuid.UUID, permission DrivePermission) bool {
	if c.isSystem {
		return true
	}
	for _, name := range c.groupNames {
		if c.groups[name].HasDrivePermission(driveID, permission) {
			return true
		}
	}
	return false
}

// AssertCanReadDrive fails with a security error unless the caller can
// read driveId.
func (c *Context) AssertCanReadDrive(driveID uuid.UUID) error {
	if !c.HasDrivePermission(driveID, DriveRead) {
		return errs.Security("caller lacks read access to drive %s", driveID)
	}
	return nil
}

// AssertCanWriteToDrive fails with a security error unless the caller can
// write to driveId.
func (c *Context) AssertCanWriteToDrive(driveID uuid.UUID) error {
	if !c.HasDrivePermission(driveID, DriveWrite) {
		return errs.Security("caller lacks write access to drive %s", driveID)
	}
	return nil
}

// GetDriveID resolves a target drive to its internal id. Resolution goes
// through the grants on purpose: a caller with no grant for the drive
// cannot even discover that it exists.
func (c *Context) GetDriveID(target drives.TargetDrive) (uuid.UUID, error) {
	for _, name := range c.groupNames {
		if id, ok := c.groups[name].ResolveDriveID(target); ok {
			return id, nil
		}
	}
	return uuid.Nil, errs.Security("no access to drive %s", target)
}

// GetTargetDrive is the inverse of GetDriveID, with the same grant gating.
func (c *Context) GetTargetDrive(driveID uuid.UUID) (drives.TargetDrive, error) {
	for _, name := range c.groupNames {
		if target, ok := c.groups[name].ResolveTargetDrive(driveID); ok {
			return target, nil
		}
	}
	return drives.TargetDrive{}, errs.Security("no access to drive %s", driveID)
}

// GetDriveStorageKey returns the storage key for driveId, failing with a
// security error when no group can produce one.
func (c *Context) GetDriveStorageKey(driveID uuid.UUID) (*crypto.SecretMaterial, error) {
	key, ok, err := c.TryGetDriveStorageKey(driveID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Security("no storage key available for drive %s", driveID)
	}
	return key, nil
}

// TryGetDriveStorageKey returns (key, true) from the first group holding
// a decryptable grant for driveId. (nil, false) with no error means the
// caller may touch the drive but cannot decrypt its payloads, the
// anonymous-readable case.
func (c *Context) TryGetDriveStorageKey(driveID uuid.UUID) (*crypto.SecretMaterial, bool, error) {
	for _, name := range c.groupNames {
		key, ok, err := c.groups[name].TryGetDriveStorageKey(driveID)
		if err != nil {
			return nil, false, errs.System("unwrapping storage key", err)
		}
		if ok {
			return key, true, nil
		}
	}
	return nil, false, nil
}

// HasPermission reports whether any group's permission set contains key.
func (c *Context) HasPermission(key int) bool {
	if c.isSystem {
		return true
	}
	for _, name := range c.groupNames {
		if c.groups[name].HasPermission(key) {
			return true
		}
	}
	return false
}

// AssertHasPermission fails with a security error unless key is granted.
func (c *Context) AssertHasPermission(key int) error {
	if !c.HasPermission(key) {
		return errs.Security("caller lacks permission %d", key)
	}
	return nil
}

// AssertHasAtLeastOnePermission fails unless at least one key is granted.
func (c *Context) AssertHasAtLeastOnePermission(keys ...int) error {
	for _, key := range keys {
		if c.HasPermission(key) {
			return nil
		}
	}
	return errs.Security("caller lacks all of permissions %v", keys)
}
