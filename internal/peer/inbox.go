package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/odinfed/odinfed-go/internal/authctx"
	"github.com/odinfed/odinfed-go/internal/connections"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/store"
)

// InboxSettings tune the recipient-side queue.
type InboxSettings struct {
	BatchSize            int     `mapstructure:"batch_size"`
	MaxAttempts          int     `mapstructure:"max_attempts"`
	ReservationTimeoutMS int64   `mapstructure:"reservation_timeout_ms"`
	BackoffInitialMS     int64   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS         int64   `mapstructure:"backoff_max_ms"`
	BackoffMultiplier    float64 `mapstructure:"backoff_multiplier"`
}

// DefaultInboxSettings returns the built-in queue tuning.
func DefaultInboxSettings() InboxSettings {
	return InboxSettings{
		BatchSize:            25,
		MaxAttempts:          10,
		ReservationTimeoutMS: (5 * time.Minute).Milliseconds(),
		BackoffInitialMS:     (10 * time.Second).Milliseconds(),
		BackoffMaxMS:         time.Hour.Milliseconds(),
		BackoffMultiplier:    2.0,
	}
}

// InboxSettingsFrom overlays raw config values onto the defaults.
func InboxSettingsFrom(raw map[string]any) (InboxSettings, error) {
	s := DefaultInboxSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := mapstructure.WeakDecode(raw, &s); err != nil {
		return s, errs.System("decoding inbox settings", err)
	}
	return s, nil
}

func (s InboxSettings) backoffDelay(runCount int) time.Duration {
	o := OutboxSettings{
		BackoffInitialMS:  s.BackoffInitialMS,
		BackoffMaxMS:      s.BackoffMaxMS,
		BackoffMultiplier: s.BackoffMultiplier,
	}
	return o.backoffDelay(runCount)
}

// Inbox stages incoming transfers and commits them through the normal
// storage path under the sender's own permission context, so a peer can
// never write anything its grants would not allow it to write directly.
type Inbox struct {
	tenant   identity.OdinId
	settings InboxSettings

	queue    store.InboxStore
	storage  *storage.Service
	payloads *storage.PayloadStore
	conns    *connections.Manager
	logger   *slog.Logger
	now      func() int64
}

// NewInbox creates the inbox service.
func NewInbox(tenant identity.OdinId, settings InboxSettings, st store.Store, svc *storage.Service, conns *connections.Manager, logger *slog.Logger) *Inbox {
	return &Inbox{
		tenant:   tenant,
		settings: settings,
		queue:    st,
		storage:  svc,
		payloads: svc.Payloads(),
		conns:    conns,
		logger:   logutil.NoopIfNil(logger),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// ReceiveTransfer validates an authenticated peer's transfer request,
// stages any payload parts and queues the instruction for processing.
// The response code is the sender's delivery verdict; queue processing
// happens on this tenant's own schedule.
func (i *Inbox) ReceiveTransfer(ctx context.Context, sender identity.OdinId, instruction *TransferInstruction, parts *multipart.Reader) (*TransferResponse, error) {
	peerCtx, _, err := i.conns.BuildPeerContext(ctx, i.tenant, sender)
	if err != nil {
		if errors.Is(err, connections.ErrNotConnected) {
			return &TransferResponse{Code: ResponseAccessDenied, Message: "not connected"}, nil
		}
		return nil, err
	}
	if instruction.Sender != sender {
		return &TransferResponse{Code: ResponseRejected, Message: "instruction sender does not match the authenticated identity"}, nil
	}
	if instruction.GlobalTransitID == uuid.Nil {
		return &TransferResponse{Code: ResponseRejected, Message: "missing global transit id"}, nil
	}
	if instruction.Type == InstructionFile && instruction.FileMetadata == nil {
		return &TransferResponse{Code: ResponseRejected, Message: "missing file metadata"}, nil
	}

	// Drive resolution goes through the sender's grants; an ungranted
	// drive is indistinguishable from a missing one.
	driveID, err := peerCtx.Permissions().GetDriveID(instruction.TargetDrive)
	if err != nil {
		return &TransferResponse{Code: ResponseAccessDenied, Message: "no access to target drive"}, nil
	}
	if err := peerCtx.Permissions().AssertCanWriteToDrive(driveID); err != nil {
		return &TransferResponse{Code: ResponseAccessDenied, Message: "no write access to target drive"}, nil
	}

	tempID := ""
	if instruction.Type == InstructionFile && instruction.HasPayload {
		if parts == nil {
			return &TransferResponse{Code: ResponseRejected, Message: "payload announced but not sent"}, nil
		}
		tempID = uuid.NewString()
		staged := false
		for {
			part, err := parts.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				i.payloads.DeleteTemp(tempID)
				return nil, errs.System("reading payload part", err)
			}
			if _, err := i.payloads.WriteTemp(tempID, part.FormName(), part); err != nil {
				i.payloads.DeleteTemp(tempID)
				return &TransferResponse{Code: ResponseRejected, Message: "invalid payload part"}, nil
			}
			staged = true
		}
		if !staged {
			return &TransferResponse{Code: ResponseRejected, Message: "payload announced but not sent"}, nil
		}
	}

	data, err := json.Marshal(instruction)
	if err != nil {
		i.payloads.DeleteTemp(tempID)
		return nil, errs.System("encoding inbox instruction", err)
	}
	rec := &store.InboxRecord{
		ID:              uuid.NewString(),
		DriveID:         driveID.String(),
		Sender:          sender.String(),
		GlobalTransitID: instruction.GlobalTransitID.String(),
		TempFileID:      tempID,
		Data:            data,
		NextRun:         i.now(),
	}
	if err := i.queue.EnqueueInbox(ctx, rec); err != nil {
		i.payloads.DeleteTemp(tempID)
		return nil, errs.System("staging transfer", err)
	}

	i.logger.Info("transfer accepted into inbox",
		"sender", sender.String(), "globalTransitId", instruction.GlobalTransitID, "drive", driveID)
	return &TransferResponse{Code: ResponseAccepted}, nil
}

// ProcessDrive commits one batch of staged transfers for a drive.
// Returns the number of items settled (committed or dropped).
func (i *Inbox) ProcessDrive(ctx context.Context, driveID uuid.UUID) (int, error) {
	stamp := uuid.NewString()
	items, err := i.queue.PopInbox(ctx, driveID.String(), i.settings.BatchSize, stamp, i.now())
	if err != nil {
		return 0, errs.System("reserving inbox batch", err)
	}

	settled := 0
	for _, item := range items {
		done, err := i.processItem(ctx, stamp, driveID, item)
		if err != nil {
			i.logger.Error("processing inbox item", "id", item.ID, "error", err)
			continue
		}
		if done {
			settled++
		}
	}
	return settled, nil
}

func (i *Inbox) processItem(ctx context.Context, stamp string, driveID uuid.UUID, item *store.InboxRecord) (bool, error) {
	var instruction TransferInstruction
	if err := json.Unmarshal(item.Data, &instruction); err != nil {
		i.logger.Error("dropping corrupt inbox item", "id", item.ID, "error", err)
		return true, i.drop(ctx, stamp, item)
	}

	sender := identity.OdinId(item.Sender)
	peerCtx, _, err := i.conns.BuildPeerContext(ctx, i.tenant, sender)
	if err != nil {
		// Connection removed after staging; the transfer dies with it.
		i.logger.Warn("dropping inbox item from disconnected sender", "id", item.ID, "sender", item.Sender)
		return true, i.drop(ctx, stamp, item)
	}

	switch instruction.Type {
	case InstructionDelete:
		err = i.applyDelete(ctx, peerCtx, driveID, instruction.GlobalTransitID)
	default:
		err = i.applyFile(ctx, peerCtx, driveID, item, &instruction)
	}

	switch {
	case err == nil:
		if err := i.queue.CommitInbox(ctx, stamp, item.ID); err != nil {
			return false, err
		}
		return true, nil
	case errs.IsSecurity(err) || errs.IsClient(err):
		// The sender's request can never become valid; drop it.
		i.logger.Warn("dropping rejected inbox item", "id", item.ID, "sender", item.Sender, "error", err)
		return true, i.drop(ctx, stamp, item)
	case item.RunCount+1 >= i.settings.MaxAttempts:
		i.logger.Error("abandoning inbox item after max attempts", "id", item.ID, "error", err)
		return true, i.drop(ctx, stamp, item)
	default:
		delay := i.settings.backoffDelay(item.RunCount)
		return false, i.queue.RequeueInbox(ctx, stamp, item.ID, i.now()+delay.Milliseconds(), true)
	}
}

// applyFile commits one staged transfer. Repeated deliveries of the same
// global transit id converge: the first creates the file, later ones
// overwrite it in place.
func (i *Inbox) applyFile(ctx context.Context, peerCtx *authctx.OdinContext, driveID uuid.UUID, item *store.InboxRecord, instruction *TransferInstruction) error {
	var keyHeader *crypto.KeyHeader
	if instruction.TransitEncryptedKeyHeader != nil {
		kh, err := instruction.TransitEncryptedKeyHeader.Decrypt(peerCtx.Permissions().SharedSecret())
		if err != nil {
			return errs.Client(errs.CodeBadRequest, "key header does not open with the connection's transit secret")
		}
		keyHeader = kh
		defer keyHeader.Wipe()
	}

	meta := *instruction.FileMetadata
	meta.File = drives.InternalFile{}
	meta.SenderOdinId = identity.OdinId(item.Sender)
	gtid := instruction.GlobalTransitID
	meta.GlobalTransitID = &gtid

	acl := instruction.AccessControlList
	if acl == nil {
		acl = &drives.AccessControlList{RequiredSecurityGroup: drives.SecurityOwner}
	}

	existing, err := i.storage.GetHeaderByGlobalTransitID(ctx, peerCtx, driveID, gtid)
	if err != nil && errs.ClientCode(err) != errs.CodeFileNotFound {
		return err
	}

	if existing == nil {
		_, err = i.storage.CommitNewFile(ctx, peerCtx, storage.NewFileRequest{
			DriveID:        driveID,
			TempID:         item.TempFileID,
			KeyHeader:      keyHeader,
			Metadata:       meta,
			ServerMetadata: drives.ServerMetadata{AccessControlList: acl},
		})
		return err
	}
	if existing.FileMetadata.FileState != drives.FileStateActive {
		// Already tombstoned locally; a late redelivery must not revive it.
		return nil
	}
	_, err = i.storage.OverwriteFile(ctx, peerCtx, storage.OverwriteRequest{
		File:               existing.FileMetadata.File,
		ExpectedVersionTag: existing.FileMetadata.VersionTag,
		TempID:             item.TempFileID,
		KeyHeader:          keyHeader,
		Metadata:           meta,
		ServerMetadata: drives.ServerMetadata{
			AccessControlList: existing.ServerMetadata.AccessControlList,
		},
	})
	if errs.ClientCode(err) == errs.CodeVersionTagMismatch {
		// A concurrent local write rotated the tag; retry the item.
		return errs.System("concurrent header write", err)
	}
	return err
}

func (i *Inbox) applyDelete(ctx context.Context, peerCtx *authctx.OdinContext, driveID uuid.UUID, gtid uuid.UUID) error {
	existing, err := i.storage.GetHeaderByGlobalTransitID(ctx, peerCtx, driveID, gtid)
	if err != nil {
		if errs.ClientCode(err) == errs.CodeFileNotFound {
			return nil
		}
		return err
	}
	if existing.FileMetadata.FileState == drives.FileStateDeleted {
		return nil
	}
	_, err = i.storage.SoftDelete(ctx, peerCtx, existing.FileMetadata.File, existing.FileMetadata.VersionTag)
	if errs.ClientCode(err) == errs.CodeVersionTagMismatch {
		return errs.System("concurrent header write", err)
	}
	return err
}

// Recover releases reservations older than the reservation timeout.
func (i *Inbox) Recover(ctx context.Context) (int64, error) {
	n, err := i.queue.RecoverInbox(ctx, i.now()-i.settings.ReservationTimeoutMS)
	if err != nil {
		return 0, errs.System("recovering inbox reservations", err)
	}
	if n > 0 {
		i.logger.Info("recovered stranded inbox reservations", "count", n)
	}
	return n, nil
}

func (i *Inbox) drop(ctx context.Context, stamp string, item *store.InboxRecord) error {
	if item.TempFileID != "" {
		if err := i.payloads.DeleteTemp(item.TempFileID); err != nil {
			i.logger.Warn("deleting staged payload", "id", item.ID, "error", err)
		}
	}
	return i.queue.CommitInbox(ctx, stamp, item.ID)
}
