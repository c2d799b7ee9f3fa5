package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/connections"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/permissions"
)

// ConnectionView is the externally visible shape of a connection.
// Secrets and key store keys never leave the server.
type ConnectionView struct {
	OdinID  identity.OdinId      `json:"odinId"`
	Circles []uuid.UUID          `json:"circles,omitempty"`
	Drives  []drives.TargetDrive `json:"drives,omitempty"`
	Created int64                `json:"created"`
}

// ConnectBody establishes a connection with a peer identity.
type ConnectBody struct {
	OdinID identity.OdinId `json:"odinId"`

	// ConnectionSecret64 is the base64 secret both sides agreed on
	// out of band.
	ConnectionSecret64 string `json:"connectionSecret64"`
}

// GrantBody grants a connected peer access to one drive.
type GrantBody struct {
	OdinID      identity.OdinId             `json:"odinId"`
	TargetDrive drives.TargetDrive          `json:"targetDrive"`
	Permission  permissions.DrivePermission `json:"permission"`
}

// CirclesBody replaces a connection's circle memberships.
type CirclesBody struct {
	OdinID  identity.OdinId `json:"odinId"`
	Circles []uuid.UUID     `json:"circles"`
}

// ConnectionHandlers serves the connection management endpoints.
type ConnectionHandlers struct {
	conns   *connections.Manager
	manager *storage.Manager
	logger  *slog.Logger
}

// NewConnectionHandlers creates the connection management handlers.
func NewConnectionHandlers(conns *connections.Manager, manager *storage.Manager, logger *slog.Logger) *ConnectionHandlers {
	return &ConnectionHandlers{conns: conns, manager: manager, logger: logutil.NoopIfNil(logger)}
}

// HandleConnect serves POST /connections/connect. Requires the master key.
func (h *ConnectionHandlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	var body ConnectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	raw, err := base64.StdEncoding.DecodeString(body.ConnectionSecret64)
	if err != nil {
		WriteBadRequest(w, "connection secret must be base64")
		return
	}
	conn, err := h.conns.Connect(r.Context(), octx, body.OdinID, crypto.NewSecretMaterial(raw))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, connectionView(conn))
}

// HandleGrant serves POST /connections/grant. Requires the master key;
// the drive storage key is rewrapped under the connection's key store
// key so the peer can decrypt what it is granted.
func (h *ConnectionHandlers) HandleGrant(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	var body GrantBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	driveID, err := octx.Permissions().GetDriveID(body.TargetDrive)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	d, err := h.manager.GetDrive(r.Context(), driveID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	conn, err := h.conns.GrantDriveAccess(r.Context(), octx, body.OdinID, d, body.Permission)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, connectionView(conn))
}

// HandleSetCircles serves POST /connections/circles.
func (h *ConnectionHandlers) HandleSetCircles(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	var body CirclesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	conn, err := h.conns.SetCircles(r.Context(), octx, body.OdinID, body.Circles)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, connectionView(conn))
}

// HandleList serves GET /connections/list.
func (h *ConnectionHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := RequireOdin(w, r); !ok {
		return
	}
	all, err := h.conns.List(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	out := make([]ConnectionView, 0, len(all))
	for _, conn := range all {
		out = append(out, connectionView(conn))
	}
	WriteJSON(w, http.StatusOK, out)
}

// HandleDisconnect serves POST /connections/disconnect.
func (h *ConnectionHandlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	var body struct {
		OdinID identity.OdinId `json:"odinId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	if err := h.conns.Disconnect(r.Context(), octx, body.OdinID); err != nil {
		WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func connectionView(conn *connections.Connection) ConnectionView {
	view := ConnectionView{
		OdinID:  conn.OdinID,
		Circles: conn.Circles,
		Created: conn.Created,
	}
	for _, g := range conn.Grants {
		view.Drives = append(view.Drives, g.PermissionedDrive.Drive)
	}
	return view
}
