package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
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

// OutboxSettings tune the sender-side queue. Retry pacing is data, not
// code: intervals come from configuration and feed an exponential
// backoff policy.
type OutboxSettings struct {
	BatchSize            int     `mapstructure:"batch_size"`
	MaxAttempts          int     `mapstructure:"max_attempts"`
	ReservationTimeoutMS int64   `mapstructure:"reservation_timeout_ms"`
	BackoffInitialMS     int64   `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS         int64   `mapstructure:"backoff_max_ms"`
	BackoffMultiplier    float64 `mapstructure:"backoff_multiplier"`
	SendLaterDelayMS     int64   `mapstructure:"send_later_delay_ms"`
}

// DefaultOutboxSettings returns the built-in queue tuning.
func DefaultOutboxSettings() OutboxSettings {
	return OutboxSettings{
		BatchSize:            25,
		MaxAttempts:          10,
		ReservationTimeoutMS: (5 * time.Minute).Milliseconds(),
		BackoffInitialMS:     (10 * time.Second).Milliseconds(),
		BackoffMaxMS:         time.Hour.Milliseconds(),
		BackoffMultiplier:    2.0,
		SendLaterDelayMS:     (30 * time.Second).Milliseconds(),
	}
}

// OutboxSettingsFrom overlays raw config values onto the defaults.
func OutboxSettingsFrom(raw map[string]any) (OutboxSettings, error) {
	s := DefaultOutboxSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := mapstructure.WeakDecode(raw, &s); err != nil {
		return s, errs.System("decoding outbox settings", err)
	}
	return s, nil
}

// backoffDelay returns the delay before attempt runCount+1.
func (s OutboxSettings) backoffDelay(runCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(s.BackoffInitialMS) * time.Millisecond
	b.MaxInterval = time.Duration(s.BackoffMaxMS) * time.Millisecond
	b.Multiplier = s.BackoffMultiplier
	b.RandomizationFactor = 0

	d := b.NextBackOff()
	for i := 0; i < runCount; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Outbox queues and delivers outgoing transfers. Items survive restarts;
// in-flight reservations are released by the recovery sweep when a
// worker dies mid-batch.
type Outbox struct {
	tenant   identity.OdinId
	settings OutboxSettings

	queue    store.OutboxStore
	history  store.TransferHistoryStore
	payloads *storage.PayloadStore
	conns    *connections.Manager
	client   *Client
	logger   *slog.Logger
	now      func() int64
}

// NewOutbox creates the outbox service.
func NewOutbox(tenant identity.OdinId, settings OutboxSettings, st store.Store, payloads *storage.PayloadStore, conns *connections.Manager, client *Client, logger *slog.Logger) *Outbox {
	return &Outbox{
		tenant:   tenant,
		settings: settings,
		queue:    st,
		history:  st,
		payloads: payloads,
		conns:    conns,
		client:   client,
		logger:   logutil.NoopIfNil(logger),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue queues header for delivery to each recipient. The key header
// is re-wrapped under each recipient's transit secret here, while the
// caller's permission context still holds the drive storage key; the
// background processor never touches key material.
func (o *Outbox) Enqueue(ctx context.Context, octx *authctx.OdinContext, header *drives.ServerFileHeader, options TransitOptions) ([]TransferResult, error) {
	if len(options.Recipients) == 0 {
		return nil, errs.Client(errs.CodeBadRequest, "at least one recipient is required")
	}
	if !header.ServerMetadata.AllowDistribution {
		return nil, errs.Client(errs.CodeBadRequest, "file does not allow distribution")
	}
	if header.FileMetadata.GlobalTransitID == nil {
		return nil, errs.Client(errs.CodeBadRequest, "file has no global transit id")
	}
	file := header.FileMetadata.File
	if err := octx.Permissions().AssertCanReadDrive(file.DriveID); err != nil {
		return nil, err
	}

	var keyHeader *crypto.KeyHeader
	if header.EncryptedKeyHeader != nil {
		storageKey, err := octx.Permissions().GetDriveStorageKey(file.DriveID)
		if err != nil {
			return nil, err
		}
		keyHeader, err = header.EncryptedKeyHeader.Decrypt(storageKey)
		storageKey.Wipe()
		if err != nil {
			return nil, errs.System("unwrapping key header for transit", err)
		}
		defer keyHeader.Wipe()
	}

	nextRun := o.now()
	if options.Schedule == SendLater {
		nextRun += o.settings.SendLaterDelayMS
	}

	results := make([]TransferResult, 0, len(options.Recipients))
	var recs []*store.OutboxRecord
	for _, recipient := range options.Recipients {
		if recipient == o.tenant {
			results = append(results, TransferResult{Recipient: recipient, Status: StatusFailed, Problem: "cannotSendToSelf"})
			continue
		}
		conn, err := o.conns.Get(ctx, recipient)
		if err != nil {
			if errors.Is(err, connections.ErrNotConnected) {
				results = append(results, TransferResult{Recipient: recipient, Status: StatusFailed, Problem: "recipientNotConnected"})
				continue
			}
			return nil, err
		}
		acl := header.ServerMetadata.AccessControlList
		if !acl.Grants(drives.SecurityConnected, recipient, conn.Circles) {
			results = append(results, TransferResult{Recipient: recipient, Status: StatusFailed, Problem: string(drives.ProblemAccessDenied)})
			continue
		}

		instruction := TransferInstruction{
			Type:              InstructionFile,
			Sender:            o.tenant,
			GlobalTransitID:   *header.FileMetadata.GlobalTransitID,
			FileSystemType:    header.ServerMetadata.FileSystemType,
			AccessControlList: options.RemoteACL,
			HasPayload:        header.FileMetadata.PayloadSize > 0,
		}
		td, err := octx.Permissions().GetTargetDrive(file.DriveID)
		if err != nil {
			return nil, err
		}
		instruction.TargetDrive = td
		meta := header.FileMetadata
		meta.SenderOdinId = o.tenant
		instruction.FileMetadata = &meta

		if keyHeader != nil {
			transit, err := conn.TransitSecretTo(o.tenant, recipient)
			if err != nil {
				return nil, errs.System("deriving transit secret", err)
			}
			tekh, err := crypto.EncryptKeyHeader(keyHeader, transit)
			transit.Wipe()
			if err != nil {
				return nil, errs.System("wrapping key header for transit", err)
			}
			instruction.TransitEncryptedKeyHeader = tekh
		}

		data, err := json.Marshal(outboxItemData{Instruction: instruction, VersionTag: header.FileMetadata.VersionTag})
		if err != nil {
			return nil, errs.System("encoding outbox item", err)
		}
		rec := &store.OutboxRecord{
			ID:        uuid.NewString(),
			DriveID:   file.DriveID.String(),
			FileID:    file.FileID.String(),
			Recipient: recipient.String(),
			Data:      data,
			NextRun:   nextRun,
		}
		if options.DependencyFileID != nil {
			rec.DependencyFileID = options.DependencyFileID.String()
		}
		status := StatusQueued
		if instruction.TransitEncryptedKeyHeader != nil {
			status = StatusTransferKeyCreated
		}
		recs = append(recs, rec)
		results = append(results, TransferResult{Recipient: recipient, Status: status})
	}

	if len(recs) > 0 {
		if err := o.queue.EnqueueOutbox(ctx, recs...); err != nil {
			return nil, errs.System("enqueueing transfers", err)
		}
		for _, rec := range recs {
			if err := o.markInOutbox(ctx, rec.DriveID, rec.FileID, rec.Recipient); err != nil {
				o.logger.Warn("updating transfer history", "file", rec.FileID, "recipient", rec.Recipient, "error", err)
			}
		}
	}
	return results, nil
}

// EnqueueDelete queues a tombstone for a file previously delivered to
// the recipients.
func (o *Outbox) EnqueueDelete(ctx context.Context, octx *authctx.OdinContext, file drives.InternalFile, globalTransitID uuid.UUID, targetDrive drives.TargetDrive, recipients []identity.OdinId) ([]TransferResult, error) {
	if err := octx.Permissions().AssertCanReadDrive(file.DriveID); err != nil {
		return nil, err
	}
	now := o.now()
	results := make([]TransferResult, 0, len(recipients))
	var recs []*store.OutboxRecord
	for _, recipient := range recipients {
		if _, err := o.conns.Get(ctx, recipient); err != nil {
			results = append(results, TransferResult{Recipient: recipient, Status: StatusFailed, Problem: "recipientNotConnected"})
			continue
		}
		instruction := TransferInstruction{
			Type:            InstructionDelete,
			Sender:          o.tenant,
			TargetDrive:     targetDrive,
			GlobalTransitID: globalTransitID,
		}
		data, err := json.Marshal(outboxItemData{Instruction: instruction})
		if err != nil {
			return nil, errs.System("encoding outbox item", err)
		}
		recs = append(recs, &store.OutboxRecord{
			ID:        uuid.NewString(),
			DriveID:   file.DriveID.String(),
			FileID:    file.FileID.String(),
			Recipient: recipient.String(),
			Data:      data,
			NextRun:   now,
		})
		results = append(results, TransferResult{Recipient: recipient, Status: StatusQueued})
	}
	if len(recs) > 0 {
		if err := o.queue.EnqueueOutbox(ctx, recs...); err != nil {
			return nil, errs.System("enqueueing tombstones", err)
		}
	}
	return results, nil
}

// ProcessDrive attempts one batch of due items for a drive. Returns the
// number of items taken off the queue for good (delivered or abandoned).
func (o *Outbox) ProcessDrive(ctx context.Context, driveID uuid.UUID) (int, error) {
	stamp := uuid.NewString()
	now := o.now()
	items, err := o.queue.PopOutbox(ctx, driveID.String(), o.settings.BatchSize, stamp, now)
	if err != nil {
		return 0, errs.System("reserving outbox batch", err)
	}

	settled := 0
	for _, item := range items {
		done, err := o.processItem(ctx, stamp, item)
		if err != nil {
			o.logger.Error("processing outbox item", "id", item.ID, "error", err)
			continue
		}
		if done {
			settled++
		}
	}
	return settled, nil
}

func (o *Outbox) processItem(ctx context.Context, stamp string, item *store.OutboxRecord) (bool, error) {
	var data outboxItemData
	if err := json.Unmarshal(item.Data, &data); err != nil {
		// Undecodable items can never succeed; drop them.
		o.logger.Error("dropping corrupt outbox item", "id", item.ID, "error", err)
		return true, o.queue.CommitOutbox(ctx, stamp, item.ID)
	}

	// Items depending on another file wait until deliveries of that file
	// to the same recipient have drained.
	if item.DependencyFileID != "" {
		blocked, err := o.queue.HasOutboxItems(ctx, item.DriveID, item.DependencyFileID, item.Recipient)
		if err != nil {
			return false, err
		}
		if blocked {
			return false, o.queue.RequeueOutbox(ctx, stamp, item.ID, o.now()+o.settings.SendLaterDelayMS, false)
		}
	}

	recipient := identity.OdinId(item.Recipient)
	var payload io.ReadCloser
	if data.Instruction.HasPayload {
		driveID, _ := uuid.Parse(item.DriveID)
		fileID, _ := uuid.Parse(item.FileID)
		rc, err := o.payloads.Read(drives.InternalFile{DriveID: driveID, FileID: fileID}, storage.PayloadKeyDefault)
		if err != nil {
			// Payload gone; the file was deleted after enqueue.
			o.logger.Warn("dropping outbox item without payload", "id", item.ID, "error", err)
			return true, o.queue.CommitOutbox(ctx, stamp, item.ID)
		}
		payload = rc
	}

	outcome := o.client.SendTransfer(ctx, recipient, &data.Instruction, payload)
	if payload != nil {
		payload.Close()
	}

	switch {
	case outcome.Status == StatusDelivered:
		if err := o.queue.CommitOutbox(ctx, stamp, item.ID); err != nil {
			return false, err
		}
		o.recordOutcome(ctx, item, data.VersionTag.String(), "")
		o.logger.Info("transfer delivered", "file", item.FileID, "recipient", item.Recipient)
		return true, nil

	case outcome.Transient && item.RunCount+1 < o.settings.MaxAttempts:
		delay := o.settings.backoffDelay(item.RunCount)
		return false, o.queue.RequeueOutbox(ctx, stamp, item.ID, o.now()+delay.Milliseconds(), true)

	default:
		if err := o.queue.CommitOutbox(ctx, stamp, item.ID); err != nil {
			return false, err
		}
		o.recordOutcome(ctx, item, "", string(outcome.Problem))
		o.logger.Warn("transfer abandoned",
			"file", item.FileID, "recipient", item.Recipient,
			"problem", string(outcome.Problem), "attempts", item.RunCount+1)
		return true, nil
	}
}

// Recover releases reservations older than the reservation timeout so
// items stranded by a crashed worker become poppable again.
func (o *Outbox) Recover(ctx context.Context) (int64, error) {
	n, err := o.queue.RecoverOutbox(ctx, o.now()-o.settings.ReservationTimeoutMS)
	if err != nil {
		return 0, errs.System("recovering outbox reservations", err)
	}
	if n > 0 {
		o.logger.Info("recovered stranded outbox reservations", "count", n)
	}
	return n, nil
}

func (o *Outbox) markInOutbox(ctx context.Context, driveID, fileID, recipient string) error {
	rec, err := o.loadHistoryRow(ctx, driveID, fileID, recipient)
	if err != nil {
		return err
	}
	rec.IsInOutbox = true
	rec.UpdatedAt = o.now()
	return o.history.UpsertTransferHistory(ctx, rec)
}

// recordOutcome settles one delivery in the history ledger. Exactly one
// of deliveredTag and problem is set.
func (o *Outbox) recordOutcome(ctx context.Context, item *store.OutboxRecord, deliveredTag, problem string) {
	rec, err := o.loadHistoryRow(ctx, item.DriveID, item.FileID, item.Recipient)
	if err != nil {
		o.logger.Warn("loading transfer history", "file", item.FileID, "error", err)
		return
	}
	if deliveredTag != "" {
		rec.LatestDeliveredVersionTag = deliveredTag
		rec.LatestProblemStatus = ""
	} else {
		rec.LatestProblemStatus = problem
	}
	pending, err := o.queue.HasOutboxItems(ctx, item.DriveID, item.FileID, item.Recipient)
	if err != nil {
		o.logger.Warn("checking pending outbox items", "file", item.FileID, "error", err)
		pending = false
	}
	rec.IsInOutbox = pending
	rec.UpdatedAt = o.now()
	if err := o.history.UpsertTransferHistory(ctx, rec); err != nil {
		o.logger.Warn("updating transfer history", "file", item.FileID, "error", err)
	}
}

func (o *Outbox) loadHistoryRow(ctx context.Context, driveID, fileID, recipient string) (*store.TransferHistoryRecord, error) {
	rows, err := o.history.ListTransferHistory(ctx, driveID, fileID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Recipient == recipient {
			return row, nil
		}
	}
	return &store.TransferHistoryRecord{DriveID: driveID, FileID: fileID, Recipient: recipient}, nil
}
