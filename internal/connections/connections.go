// Package connections manages identity connections: the exchanged
// connection secret, the drive grants a connected peer holds on this
// tenant, and the permission context those grants produce.
package connections

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/authctx"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/permissions"
	"github.com/odinfed/odinfed-go/internal/store"
)

// ErrNotConnected is returned when no connection exists for an identity.
var ErrNotConnected = errors.New("identity is not connected")

// Connection is one established identity connection. The key store key
// unlocks the storage keys inside the connection's drive grants; the
// connection secret seeds the per-direction transit secrets.
type Connection struct {
	OdinID identity.OdinId

	ConnectionSecret *crypto.SecretMaterial
	KeyStoreKey      *crypto.SecretMaterial

	Grants  []permissions.DriveGrant
	Circles []uuid.UUID

	Created int64
	Updated int64
}

// PermissionGroup builds the permission group this connection
// contributes to the peer's requests.
func (c *Connection) PermissionGroup() *permissions.Group {
	return permissions.NewGroup(permissions.NewPermissionSet(), c.Grants, c.KeyStoreKey)
}

// TransitSecretTo derives the wire secret for payload key material this
// tenant sends to the connected peer.
func (c *Connection) TransitSecretTo(sender, recipient identity.OdinId) (*crypto.SecretMaterial, error) {
	return crypto.DeriveTransitSecret(c.ConnectionSecret, sender.String(), recipient.String())
}

// Manager persists connections and builds permission contexts from them.
type Manager struct {
	store  store.ConnectionStore
	logger *slog.Logger
	now    func() int64
}

// NewManager creates a connection manager.
func NewManager(connStore store.ConnectionStore, logger *slog.Logger) *Manager {
	return &Manager{
		store:  connStore,
		logger: logutil.NoopIfNil(logger),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// Connect establishes (or refreshes) a connection with a peer, storing
// the exchanged connection secret and a fresh key store key. Requires
// direct owner authentication.
func (m *Manager) Connect(ctx context.Context, octx *authctx.OdinContext, odinID identity.OdinId, connectionSecret *crypto.SecretMaterial) (*Connection, error) {
	if err := octx.AssertMasterKey(); err != nil {
		return nil, err
	}
	if odinID.IsEmpty() {
		return nil, errs.Client(errs.CodeInvalidRecipient, "odin id is required")
	}
	if connectionSecret.IsEmpty() {
		return nil, errs.Client(errs.CodeBadRequest, "connection secret is required")
	}

	conn := &Connection{
		OdinID:           odinID,
		ConnectionSecret: connectionSecret,
		KeyStoreKey:      crypto.RandomSecret(crypto.AesKeySize),
		Created:          m.now(),
		Updated:          m.now(),
	}
	if err := m.save(ctx, conn); err != nil {
		return nil, err
	}
	m.logger.Info("connection established", "odinId", odinID.String())
	return conn, nil
}

// GrantDriveAccess adds (or replaces) a connection's grant on a drive.
// The drive storage key is unwrapped with the owner master key and
// re-wrapped under the connection's key store key, so the peer's requests
// can decrypt payloads without the master key ever leaving the owner.
// Write access without a storage key cannot produce valid headers, so
// grants carrying DriveWrite always include the wrapped key.
func (m *Manager) GrantDriveAccess(ctx context.Context, octx *authctx.OdinContext, odinID identity.OdinId, drive *drives.Drive, permission permissions.DrivePermission) (*Connection, error) {
	if err := octx.AssertMasterKey(); err != nil {
		return nil, err
	}
	if drive.OwnerOnly {
		return nil, errs.Security("drive %s is owner-only", drive.TargetDrive)
	}
	conn, err := m.Get(ctx, odinID)
	if err != nil {
		return nil, err
	}

	masterKey, err := octx.Caller().MasterKey()
	if err != nil {
		return nil, err
	}
	storageKey, err := drive.MasterKeyEncryptedStorageKey.Unwrap(masterKey)
	if err != nil {
		return nil, errs.System("unwrapping drive storage key", err)
	}
	defer storageKey.Wipe()
	wrapped, err := crypto.WrapKey(storageKey, conn.KeyStoreKey)
	if err != nil {
		return nil, errs.System("wrapping storage key for connection", err)
	}

	grant := permissions.DriveGrant{
		DriveID: drive.ID,
		PermissionedDrive: permissions.PermissionedDrive{
			Drive:      drive.TargetDrive,
			Permission: permission,
		},
		KeyStoreKeyEncryptedStorageKey: wrapped,
	}

	replaced := false
	for i := range conn.Grants {
		if conn.Grants[i].DriveID == drive.ID {
			conn.Grants[i] = grant
			replaced = true
			break
		}
	}
	if !replaced {
		conn.Grants = append(conn.Grants, grant)
	}
	conn.Updated = m.now()

	if err := m.save(ctx, conn); err != nil {
		return nil, err
	}
	m.logger.Info("drive access granted",
		"odinId", odinID.String(), "drive", drive.TargetDrive.String(), "permission", int(permission))
	return conn, nil
}

// SetCircles replaces a connection's circle memberships.
func (m *Manager) SetCircles(ctx context.Context, octx *authctx.OdinContext, odinID identity.OdinId, circles []uuid.UUID) (*Connection, error) {
	if err := octx.AssertMasterKey(); err != nil {
		return nil, err
	}
	conn, err := m.Get(ctx, odinID)
	if err != nil {
		return nil, err
	}
	conn.Circles = circles
	conn.Updated = m.now()
	if err := m.save(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Get loads a connection.
func (m *Manager) Get(ctx context.Context, odinID identity.OdinId) (*Connection, error) {
	rec, err := m.store.GetConnection(ctx, odinID.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, errs.System("loading connection", err)
	}
	return connectionFromRecord(rec)
}

// List returns every connection on the tenant.
func (m *Manager) List(ctx context.Context) ([]*Connection, error) {
	recs, err := m.store.ListConnections(ctx)
	if err != nil {
		return nil, errs.System("listing connections", err)
	}
	out := make([]*Connection, 0, len(recs))
	for _, rec := range recs {
		conn, err := connectionFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

// Disconnect removes a connection, revoking all of its grants.
func (m *Manager) Disconnect(ctx context.Context, octx *authctx.OdinContext, odinID identity.OdinId) error {
	if err := octx.AssertMasterKey(); err != nil {
		return err
	}
	if err := m.store.DeleteConnection(ctx, odinID.String()); err != nil && !errors.Is(err, store.ErrNotFound) {
		return errs.System("deleting connection", err)
	}
	m.logger.Info("connection removed", "odinId", odinID.String())
	return nil
}

// BuildPeerContext builds the security context for an authenticated peer
// request from odinID: connected security level, the connection's circles
// and grants, and the connection's transit secret for this direction as
// the shared secret for key re-wrapping.
func (m *Manager) BuildPeerContext(ctx context.Context, tenant identity.OdinId, odinID identity.OdinId) (*authctx.OdinContext, *Connection, error) {
	conn, err := m.Get(ctx, odinID)
	if err != nil {
		return nil, nil, err
	}
	transit, err := conn.TransitSecretTo(odinID, tenant)
	if err != nil {
		return nil, nil, errs.System("deriving transit secret", err)
	}
	caller := authctx.NewCallerContext(odinID, drives.SecurityConnected, conn.Circles, authctx.TokenTypeIdentityConnection)
	pc := permissions.NewContext(map[string]*permissions.Group{
		"connection": conn.PermissionGroup(),
	}, transit)
	return authctx.NewWithPermissions(tenant, caller, pc), conn, nil
}

func (m *Manager) save(ctx context.Context, conn *Connection) error {
	rec, err := connectionToRecord(conn, m.now())
	if err != nil {
		return err
	}
	if err := m.store.UpsertConnection(ctx, rec); err != nil {
		return errs.System("saving connection", err)
	}
	return nil
}

func connectionToRecord(conn *Connection, now int64) (*store.ConnectionRecord, error) {
	grants, err := json.Marshal(conn.Grants)
	if err != nil {
		return nil, errs.System("encoding connection grants", err)
	}
	circles, err := json.Marshal(conn.Circles)
	if err != nil {
		return nil, errs.System("encoding connection circles", err)
	}
	secret := append([]byte(nil), conn.ConnectionSecret.Bytes()...)
	keyStoreKey := append([]byte(nil), conn.KeyStoreKey.Bytes()...)
	return &store.ConnectionRecord{
		OdinID:           conn.OdinID.String(),
		ConnectionSecret: secret,
		KeyStoreKey:      keyStoreKey,
		Grants:           grants,
		Circles:          circles,
		CreatedAt:        conn.Created,
		UpdatedAt:        now,
	}, nil
}

func connectionFromRecord(rec *store.ConnectionRecord) (*Connection, error) {
	conn := &Connection{
		OdinID:           identity.OdinId(rec.OdinID),
		ConnectionSecret: crypto.NewSecretMaterial(append([]byte(nil), rec.ConnectionSecret...)),
		KeyStoreKey:      crypto.NewSecretMaterial(append([]byte(nil), rec.KeyStoreKey...)),
		Created:          rec.CreatedAt,
		Updated:          rec.UpdatedAt,
	}
	if len(rec.Grants) > 0 {
		if err := json.Unmarshal(rec.Grants, &conn.Grants); err != nil {
			return nil, errs.System("corrupt connection grants", err)
		}
	}
	if len(rec.Circles) > 0 {
		if err := json.Unmarshal(rec.Circles, &conn.Circles); err != nil {
			return nil, errs.System("corrupt connection circles", err)
		}
	}
	return conn, nil
}
