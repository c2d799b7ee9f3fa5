package permissions_test

import (
	"testing"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/permissions"
)

type fixture struct {
	driveID     uuid.UUID
	target      drives.TargetDrive
	storageKey  *crypto.SecretMaterial
	keyStoreKey *crypto.SecretMaterial
	grant       permissions.DriveGrant
}

func newFixture(t *testing.T, perm permissions.DrivePermission) *fixture {
	t.Helper()
	f := &fixture{
		driveID:     uuid.New(),
		target:      drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()},
		storageKey:  crypto.RandomSecret(crypto.AesKeySize),
		keyStoreKey: crypto.RandomSecret(crypto.AesKeySize),
	}
	wrapped, err := crypto.WrapKey(f.storageKey, f.keyStoreKey)
	if err != nil {
		t.Fatal(err)
	}
	f.grant = permissions.DriveGrant{
		DriveID: f.driveID,
		PermissionedDrive: permissions.PermissionedDrive{
			Drive:      f.target,
			Permission: perm,
		},
		KeyStoreKeyEncryptedStorageKey: wrapped,
	}
	return f
}

func contextWith(f *fixture) *permissions.Context {
	group := permissions.NewGroup(
		permissions.NewPermissionSet(),
		[]permissions.DriveGrant{f.grant},
		f.keyStoreKey,
	)
	return permissions.NewContext(
		map[string]*permissions.Group{"circle": group},
		crypto.RandomSecret(crypto.AesKeySize),
	)
}

func TestHasDrivePermission(t *testing.T) {
	f := newFixture(t, permissions.DriveRead)
	ctx := contextWith(f)

	if !ctx.HasDrivePermission(f.driveID, permissions.DriveRead) {
		t.Error("read permission missing")
	}
	if ctx.HasDrivePermission(f.driveID, permissions.DriveWrite) {
		t.Error("write permission granted but never given")
	}
	if ctx.HasDrivePermission(uuid.New(), permissions.DriveRead) {
		t.Error("permission granted for unknown drive")
	}
}

func TestAssertsReturnSecurityErrors(t *testing.T) {
	f := newFixture(t, permissions.DriveRead)
	ctx := contextWith(f)

	if err := ctx.AssertCanReadDrive(f.driveID); err != nil {
		t.Errorf("read assert failed: %v", err)
	}
	err := ctx.AssertCanWriteToDrive(f.driveID)
	if err == nil {
		t.Fatal("write assert should fail")
	}
	if !errs.IsSecurity(err) {
		t.Errorf("expected security error, got %v", err)
	}
}

func TestUnauthorizedDriveNeverResolves(t *testing.T) {
	f := newFixture(t, permissions.DriveRead)

	// A context with no groups at all.
	empty := permissions.NewContext(map[string]*permissions.Group{}, nil)
	if _, err := empty.GetDriveID(f.target); !errs.IsSecurity(err) {
		t.Errorf("empty context resolved drive: %v", err)
	}

	// A context with grants for a different drive.
	other := newFixture(t, permissions.DriveAll)
	ctx := contextWith(other)
	if _, err := ctx.GetDriveID(f.target); !errs.IsSecurity(err) {
		t.Errorf("unrelated context resolved drive: %v", err)
	}
	if _, err := ctx.GetTargetDrive(f.driveID); !errs.IsSecurity(err) {
		t.Errorf("unrelated context resolved drive id: %v", err)
	}

	// The granted context resolves both directions.
	granted := contextWith(f)
	id, err := granted.GetDriveID(f.target)
	if err != nil {
		t.Fatal(err)
	}
	if id != f.driveID {
		t.Errorf("resolved wrong drive id")
	}
	target, err := granted.GetTargetDrive(f.driveID)
	if err != nil {
		t.Fatal(err)
	}
	if target != f.target {
		t.Errorf("resolved wrong target drive")
	}
}

func TestGetDriveStorageKey(t *testing.T) {
	f := newFixture(t, permissions.DriveRead)
	ctx := contextWith(f)

	key, err := ctx.GetDriveStorageKey(f.driveID)
	if err != nil {
		t.Fatal(err)
	}
	if !key.Equals(f.storageKey) {
		t.Error("unwrapped storage key differs")
	}
}

func TestAnonymousGrantHasNoStorageKey(t *testing.T) {
	f := newFixture(t, permissions.DriveRead)

	// Anonymous group: the same grant but no key store key, and the grant
	// itself carries no wrapped key.
	f.grant.KeyStoreKeyEncryptedStorageKey = nil
	group := permissions.NewGroup(permissions.NewPermissionSet(), []permissions.DriveGrant{f.grant}, nil)
	ctx := permissions.NewContext(map[string]*permissions.Group{"anonymous": group}, nil)

	// Permission is there.
	if !ctx.HasDrivePermission(f.driveID, permissions.DriveRead) {
		t.Fatal("anonymous read permission missing")
	}
	// But the key is not: ok==false, no error.
	key, ok, err := ctx.TryGetDriveStorageKey(f.driveID)
	if err != nil {
		t.Fatal(err)
	}
	if ok || key != nil {
		t.Error("anonymous grant produced a storage key")
	}
	// The throwing variant fails with a security error.
	if _, err := ctx.GetDriveStorageKey(f.driveID); !errs.IsSecurity(err) {
		t.Errorf("expected security error, got %v", err)
	}
}

func TestCapabilityMonotonicity(t *testing.T) {
	a := newFixture(t, permissions.DriveRead)
	b := newFixture(t, permissions.DriveWrite)

	groupA := permissions.NewGroup(permissions.NewPermissionSet(permissions.PermissionManageFeed),
		[]permissions.DriveGrant{a.grant}, a.keyStoreKey)
	groupB := permissions.NewGroup(permissions.NewPermissionSet(),
		[]permissions.DriveGrant{b.grant}, b.keyStoreKey)

	one := permissions.NewContext(map[string]*permissions.Group{"a": groupA}, nil)
	both := permissions.NewContext(map[string]*permissions.Group{"a": groupA, "b": groupB}, nil)

	// Everything granted by the single-group context survives adding a group.
	if !one.HasDrivePermission(a.driveID, permissions.DriveRead) ||
		!both.HasDrivePermission(a.driveID, permissions.DriveRead) {
		t.Error("adding a group removed an existing drive permission")
	}
	if !one.HasPermission(permissions.PermissionManageFeed) ||
		!both.HasPermission(permissions.PermissionManageFeed) {
		t.Error("adding a group removed an existing permission key")
	}
	// And the new group's grants are unioned in.
	if !both.HasDrivePermission(b.driveID, permissions.DriveWrite) {
		t.Error("second group's grant not granted")
	}
	if one.HasDrivePermission(b.driveID, permissions.DriveWrite) {
		t.Error("single-group context granted drive from absent group")
	}
}

func TestSystemContextBypassesGrants(t *testing.T) {
	ctx := permissions.NewSystemContext(map[string]*permissions.Group{}, nil)
	if !ctx.HasDrivePermission(uuid.New(), permissions.DriveAll) {
		t.Error("system context denied drive permission")
	}
	if err := ctx.AssertHasPermission(permissions.PermissionManageFeed); err != nil {
		t.Errorf("system context denied permission key: %v", err)
	}
}

func TestAssertHasAtLeastOnePermission(t *testing.T) {
	group := permissions.NewGroup(
		permissions.NewPermissionSet(permissions.PermissionReadMyFollowers), nil, nil)
	ctx := permissions.NewContext(map[string]*permissions.Group{"app": group}, nil)

	if err := ctx.AssertHasAtLeastOnePermission(
		permissions.PermissionManageFeed,
		permissions.PermissionReadMyFollowers,
	); err != nil {
		t.Errorf("assert failed despite one granted key: %v", err)
	}
	if err := ctx.AssertHasAtLeastOnePermission(permissions.PermissionManageFeed); !errs.IsSecurity(err) {
		t.Errorf("expected security error, got %v", err)
	}
}
