package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/appctx"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/peer"
)

// Response headers carrying key material alongside payload streams.
const (
	HeaderSharedSecretEncryptedHeader64 = "X-Odin-SharedSecretEncryptedHeader64"
	HeaderPayloadEncrypted              = "X-Odin-PayloadEncrypted"
	HeaderDecryptedContentType          = "X-Odin-DecryptedContentType"
	HeaderPayloadKey                    = "X-Odin-PayloadKey"
)

// UploadInstruction is the instruction part of an upload request. The
// key header arrives wrapped under the caller's shared secret and never
// in the clear.
type UploadInstruction struct {
	TargetDrive drives.TargetDrive `json:"targetDrive"`

	// OverwriteFileID updates an existing file; VersionTag is then
	// required.
	OverwriteFileID *uuid.UUID `json:"overwriteFileId,omitempty"`
	VersionTag      *uuid.UUID `json:"versionTag,omitempty"`

	SharedSecretEncryptedKeyHeader *crypto.EncryptedKeyHeader `json:"sharedSecretEncryptedKeyHeader,omitempty"`

	Metadata          drives.FileMetadata       `json:"metadata"`
	AccessControlList *drives.AccessControlList `json:"accessControlList"`
	AllowDistribution bool                      `json:"allowDistribution"`

	TransitOptions *peer.TransitOptions `json:"transitOptions,omitempty"`
}

// UploadResult reports a committed upload and any queued transfers.
type UploadResult struct {
	File            drives.InternalFile   `json:"file"`
	GlobalTransitID *uuid.UUID            `json:"globalTransitId,omitempty"`
	NewVersionTag   uuid.UUID             `json:"newVersionTag"`
	RecipientStatus []peer.TransferResult `json:"recipientStatus,omitempty"`
}

// FileHandlers serves the drive file endpoints.
type FileHandlers struct {
	svc    *storage.Service
	outbox *peer.Outbox
	logger *slog.Logger
}

// NewFileHandlers creates the file endpoint handlers.
func NewFileHandlers(svc *storage.Service, outbox *peer.Outbox, logger *slog.Logger) *FileHandlers {
	return &FileHandlers{svc: svc, outbox: outbox, logger: logutil.NoopIfNil(logger)}
}

// HandleUpload serves POST /drive/files/upload: a multipart body with an
// instruction part followed by payload parts.
func (h *FileHandlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	mr, err := r.MultipartReader()
	if err != nil {
		WriteBadRequest(w, "upload requires a multipart body")
		return
	}
	part, err := mr.NextPart()
	if err != nil || part.FormName() != "instruction" {
		WriteBadRequest(w, "first part must be the instruction")
		return
	}
	var instruction UploadInstruction
	if err := json.NewDecoder(part).Decode(&instruction); err != nil {
		WriteBadRequest(w, "malformed instruction")
		return
	}

	driveID, err := octx.Permissions().GetDriveID(instruction.TargetDrive)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	// Stage payload parts before touching headers.
	tempID := uuid.NewString()
	staged := false
	discard := func() {
		if staged {
			h.svc.Payloads().DeleteTemp(tempID)
		}
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			discard()
			WriteBadRequest(w, "malformed payload part")
			return
		}
		if _, err := h.svc.Payloads().WriteTemp(tempID, part.FormName(), part); err != nil {
			discard()
			WriteDomainError(w, err)
			return
		}
		staged = true
	}
	if !staged {
		tempID = ""
	}

	var keyHeader *crypto.KeyHeader
	if instruction.SharedSecretEncryptedKeyHeader != nil {
		keyHeader, err = instruction.SharedSecretEncryptedKeyHeader.Decrypt(octx.Permissions().SharedSecret())
		if err != nil {
			discard()
			WriteBadRequest(w, "key header does not open with the caller's shared secret")
			return
		}
		defer keyHeader.Wipe()
	}

	meta := instruction.Metadata
	if instruction.TransitOptions != nil && instruction.TransitOptions.UseGlobalTransitId && meta.GlobalTransitID == nil {
		gtid := uuid.New()
		meta.GlobalTransitID = &gtid
	}
	serverMeta := drives.ServerMetadata{
		AccessControlList: instruction.AccessControlList,
		AllowDistribution: instruction.AllowDistribution,
	}

	var header *drives.ServerFileHeader
	if instruction.OverwriteFileID != nil {
		if instruction.VersionTag == nil {
			discard()
			WriteDomainError(w, errs.Client(errs.CodeMissingVersionTag, "overwrites require the current version tag"))
			return
		}
		header, err = h.svc.OverwriteFile(ctx, octx, storage.OverwriteRequest{
			File:               drives.InternalFile{DriveID: driveID, FileID: *instruction.OverwriteFileID},
			ExpectedVersionTag: *instruction.VersionTag,
			TempID:             tempID,
			KeyHeader:          keyHeader,
			Metadata:           meta,
			ServerMetadata:     serverMeta,
		})
	} else {
		header, err = h.svc.CommitNewFile(ctx, octx, storage.NewFileRequest{
			DriveID:        driveID,
			TempID:         tempID,
			KeyHeader:      keyHeader,
			Metadata:       meta,
			ServerMetadata: serverMeta,
		})
	}
	if err != nil {
		discard()
		WriteDomainError(w, err)
		return
	}

	result := UploadResult{
		File:            header.FileMetadata.File,
		GlobalTransitID: header.FileMetadata.GlobalTransitID,
		NewVersionTag:   header.FileMetadata.VersionTag,
	}
	if instruction.TransitOptions != nil {
		results, err := h.outbox.Enqueue(ctx, octx, header, *instruction.TransitOptions)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		result.RecipientStatus = results
		// Delivery is fire-and-forget; only SendNowAwaitResponse makes
		// the first attempt inline before the response completes.
		if instruction.TransitOptions.Schedule == peer.SendNowAwaitResponse {
			if _, err := h.outbox.ProcessDrive(ctx, driveID); err != nil {
				appctx.GetLogger(ctx).Warn("processing outbox after upload", "drive", driveID, "error", err)
			}
		}
	}
	WriteJSON(w, http.StatusOK, result)
}

// fileRef resolves the query parameters addressing one file.
func (h *FileHandlers) fileRef(w http.ResponseWriter, r *http.Request) (drives.InternalFile, bool) {
	octx := OdinFromContext(r.Context())
	target, ok := targetDriveFromQuery(w, r)
	if !ok {
		return drives.InternalFile{}, false
	}
	fileID, err := uuid.Parse(r.URL.Query().Get("fileId"))
	if err != nil {
		WriteBadRequest(w, "invalid fileId")
		return drives.InternalFile{}, false
	}
	driveID, err := octx.Permissions().GetDriveID(target)
	if err != nil {
		WriteDomainError(w, err)
		return drives.InternalFile{}, false
	}
	return drives.InternalFile{DriveID: driveID, FileID: fileID}, true
}

func targetDriveFromQuery(w http.ResponseWriter, r *http.Request) (drives.TargetDrive, bool) {
	alias, err := uuid.Parse(r.URL.Query().Get("alias"))
	if err != nil {
		WriteBadRequest(w, "invalid drive alias")
		return drives.TargetDrive{}, false
	}
	typ, err := uuid.Parse(r.URL.Query().Get("type"))
	if err != nil {
		WriteBadRequest(w, "invalid drive type")
		return drives.TargetDrive{}, false
	}
	return drives.TargetDrive{Alias: alias, Type: typ}, true
}

// HandleGetHeader serves GET /drive/files/header. The file is addressed
// by one of fileId, globalTransitId or uniqueId alongside the drive
// selector.
func (h *FileHandlers) HandleGetHeader(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	target, ok := targetDriveFromQuery(w, r)
	if !ok {
		return
	}
	driveID, err := octx.Permissions().GetDriveID(target)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	var header *drives.ServerFileHeader
	q := r.URL.Query()
	switch {
	case q.Get("fileId") != "":
		fileID, perr := uuid.Parse(q.Get("fileId"))
		if perr != nil {
			WriteBadRequest(w, "invalid fileId")
			return
		}
		header, err = h.svc.GetServerFileHeader(r.Context(), octx, drives.InternalFile{DriveID: driveID, FileID: fileID})
	case q.Get("globalTransitId") != "":
		gtid, perr := uuid.Parse(q.Get("globalTransitId"))
		if perr != nil {
			WriteBadRequest(w, "invalid globalTransitId")
			return
		}
		header, err = h.svc.GetHeaderByGlobalTransitID(r.Context(), octx, driveID, gtid)
	case q.Get("uniqueId") != "":
		uid, perr := uuid.Parse(q.Get("uniqueId"))
		if perr != nil {
			WriteBadRequest(w, "invalid uniqueId")
			return
		}
		header, err = h.svc.GetHeaderByUniqueID(r.Context(), octx, driveID, uid)
	default:
		WriteBadRequest(w, "fileId, globalTransitId or uniqueId is required")
		return
	}
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	wire, err := h.svc.ToSharedSecretEncryptedHeader(octx, header)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, wire)
}

// HandleGetPayload serves GET /drive/files/payload, streaming the stored
// bytes with the re-wrapped header in a response header.
func (h *FileHandlers) HandleGetPayload(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	file, ok := h.fileRef(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = storage.PayloadKeyDefault
	}

	rc, header, err := h.svc.ReadPayload(r.Context(), octx, file, key)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	defer rc.Close()

	wire, err := h.svc.ToSharedSecretEncryptedHeader(octx, header)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if wire.SharedSecretEncryptedKeyHeader != nil {
		h64, err := wire.SharedSecretEncryptedKeyHeader.ToBase64()
		if err != nil {
			WriteDomainError(w, errs.System("encoding key header", err))
			return
		}
		w.Header().Set(HeaderSharedSecretEncryptedHeader64, h64)
	}
	if header.FileMetadata.PayloadIsEncrypted {
		w.Header().Set(HeaderPayloadEncrypted, "true")
	} else {
		w.Header().Set(HeaderPayloadEncrypted, "false")
	}
	if ct := header.FileMetadata.AppData.ContentType; ct != "" {
		w.Header().Set(HeaderDecryptedContentType, ct)
	}
	w.Header().Set(HeaderPayloadKey, key)
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		appctx.GetLogger(r.Context()).Debug("streaming payload", "file", file.String(), "error", err)
	}
}

// DeleteFileRequest asks for a soft delete, optionally propagated.
type DeleteFileRequest struct {
	TargetDrive drives.TargetDrive `json:"targetDrive"`
	FileID      uuid.UUID          `json:"fileId"`
	VersionTag  uuid.UUID          `json:"versionTag"`
	Recipients  []identity.OdinId  `json:"recipients,omitempty"`
}

// DeleteFileResult reports the tombstone and queued tombstone transfers.
type DeleteFileResult struct {
	NewVersionTag   uuid.UUID             `json:"newVersionTag"`
	RecipientStatus []peer.TransferResult `json:"recipientStatus,omitempty"`
}

// HandleDelete serves POST /drive/files/delete.
func (h *FileHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var req DeleteFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	driveID, err := octx.Permissions().GetDriveID(req.TargetDrive)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	file := drives.InternalFile{DriveID: driveID, FileID: req.FileID}

	header, err := h.svc.SoftDelete(ctx, octx, file, req.VersionTag)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	result := DeleteFileResult{NewVersionTag: header.FileMetadata.VersionTag}
	if len(req.Recipients) > 0 && header.FileMetadata.GlobalTransitID != nil {
		results, err := h.outbox.EnqueueDelete(ctx, octx, file,
			*header.FileMetadata.GlobalTransitID, req.TargetDrive, req.Recipients)
		if err != nil {
			WriteDomainError(w, err)
			return
		}
		result.RecipientStatus = results
	}
	WriteJSON(w, http.StatusOK, result)
}

// SendFileRequest queues an already committed file for delivery.
type SendFileRequest struct {
	TargetDrive    drives.TargetDrive  `json:"targetDrive"`
	FileID         uuid.UUID           `json:"fileId"`
	TransitOptions peer.TransitOptions `json:"transitOptions"`
}

// HandleSend serves POST /drive/files/send.
func (h *FileHandlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var req SendFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed request body")
		return
	}
	driveID, err := octx.Permissions().GetDriveID(req.TargetDrive)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	header, err := h.svc.GetServerFileHeader(ctx, octx, drives.InternalFile{DriveID: driveID, FileID: req.FileID})
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	results, err := h.outbox.Enqueue(ctx, octx, header, req.TransitOptions)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	if req.TransitOptions.Schedule == peer.SendNowAwaitResponse {
		if _, err := h.outbox.ProcessDrive(ctx, driveID); err != nil {
			appctx.GetLogger(ctx).Warn("processing outbox after send", "drive", driveID, "error", err)
		}
	}
	WriteJSON(w, http.StatusOK, results)
}

// HandleGetTransferHistory serves GET /drive/files/transfer-history.
func (h *FileHandlers) HandleGetTransferHistory(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	file, ok := h.fileRef(w, r)
	if !ok {
		return
	}
	history, err := h.svc.GetTransferHistory(r.Context(), octx, file)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, history)
}
