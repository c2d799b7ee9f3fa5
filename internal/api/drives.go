package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/logutil"
)

// DriveView is the externally visible shape of a drive. Wrapped storage
// keys never leave the server.
type DriveView struct {
	TargetDrive         drives.TargetDrive `json:"targetDrive"`
	Name                string             `json:"name"`
	OwnerOnly           bool               `json:"ownerOnly"`
	AllowAnonymousReads bool               `json:"allowAnonymousReads"`
	Created             int64              `json:"created"`
}

// CreateDriveBody is the POST body for drive creation.
type CreateDriveBody struct {
	TargetDrive         drives.TargetDrive `json:"targetDrive"`
	Name                string             `json:"name"`
	OwnerOnly           bool               `json:"ownerOnly"`
	AllowAnonymousReads bool               `json:"allowAnonymousReads"`
}

// DriveHandlers serves the drive management endpoints.
type DriveHandlers struct {
	manager *storage.Manager
	logger  *slog.Logger
}

// NewDriveHandlers creates the drive management handlers.
func NewDriveHandlers(manager *storage.Manager, logger *slog.Logger) *DriveHandlers {
	return &DriveHandlers{manager: manager, logger: logutil.NoopIfNil(logger)}
}

// HandleCreate serves POST /drive/mgmt/create. Requires the master key.
func (h *DriveHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	var body CreateDriveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	d, err := h.manager.CreateDrive(r.Context(), octx, storage.CreateDriveRequest{
		TargetDrive:         body.TargetDrive,
		Name:                body.Name,
		OwnerOnly:           body.OwnerOnly,
		AllowAnonymousReads: body.AllowAnonymousReads,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, driveView(d))
}

// HandleList serves GET /drive/mgmt/list, filtered to what the caller's
// grants can reach.
func (h *DriveHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	all, err := h.manager.ListAccessibleDrives(r.Context(), octx)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	out := make([]DriveView, 0, len(all))
	for _, d := range all {
		out = append(out, driveView(d))
	}
	WriteJSON(w, http.StatusOK, out)
}

func driveView(d *drives.Drive) DriveView {
	return DriveView{
		TargetDrive:         d.TargetDrive,
		Name:                d.Name,
		OwnerOnly:           d.OwnerOnly,
		AllowAnonymousReads: d.AllowAnonymousReads,
		Created:             d.Created,
	}
}
