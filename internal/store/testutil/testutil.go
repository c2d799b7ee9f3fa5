// Package testutil provides a conformance test suite for store drivers.
package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/store"
)

// TestDriveRecord returns a populated drive record for tests.
func TestDriveRecord() *store.DriveRecord {
	return &store.DriveRecord{
		DriveID: uuid.NewString(),
		Alias:   uuid.NewString(),
		Type:    uuid.NewString(),
		Name:    "test drive",
	}
}

// TestFileHeaderRecord returns a populated header record for tests.
func TestFileHeaderRecord(driveID string) *store.FileHeaderRecord {
	return &store.FileHeaderRecord{
		DriveID:         driveID,
		FileID:          uuid.NewString(),
		GlobalTransitID: uuid.NewString(),
		UniqueID:        uuid.NewString(),
		FileState:       1,
		VersionTag:      uuid.NewString(),
		Header:          []byte("opaque header blob"),
	}
}

// RunDriverTests runs the full conformance suite against a driver config.
func RunDriverTests(t *testing.T, name string, cfg *store.DriverConfig) {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("%s: New: %v", name, err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("%s: Init: %v", name, err)
	}
	defer s.Close()

	t.Run("drives", func(t *testing.T) { testDrives(t, ctx, s) })
	t.Run("file_headers", func(t *testing.T) { testFileHeaders(t, ctx, s) })
	t.Run("outbox", func(t *testing.T) { testOutbox(t, ctx, s) })
	t.Run("inbox", func(t *testing.T) { testInbox(t, ctx, s) })
	t.Run("transfer_history", func(t *testing.T) { testTransferHistory(t, ctx, s) })
	t.Run("connections", func(t *testing.T) { testConnections(t, ctx, s) })
}

func testDrives(t *testing.T, ctx context.Context, s store.Store) {
	rec := TestDriveRecord()
	if err := s.CreateDrive(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDrive(ctx, rec.DriveID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Alias != rec.Alias || got.Type != rec.Type {
		t.Error("drive round trip mismatch")
	}

	byTarget, err := s.GetDriveByTarget(ctx, rec.Alias, rec.Type)
	if err != nil {
		t.Fatal(err)
	}
	if byTarget.DriveID != rec.DriveID {
		t.Error("target lookup returned wrong drive")
	}

	if _, err := s.GetDrive(ctx, uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Same target drive twice must conflict.
	dup := TestDriveRecord()
	dup.Alias = rec.Alias
	dup.Type = rec.Type
	if err := s.CreateDrive(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func testFileHeaders(t *testing.T, ctx context.Context, s store.Store) {
	driveID := uuid.NewString()
	rec := TestFileHeaderRecord(driveID)
	if err := s.InsertFileHeader(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertFileHeader(ctx, rec); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("duplicate insert: expected ErrAlreadyExists, got %v", err)
	}

	got, err := s.GetFileHeader(ctx, driveID, rec.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if got.VersionTag != rec.VersionTag {
		t.Error("header round trip mismatch")
	}

	if _, err := s.GetFileHeaderByGlobalTransitID(ctx, driveID, rec.GlobalTransitID); err != nil {
		t.Errorf("global transit id lookup: %v", err)
	}
	if _, err := s.GetFileHeaderByUniqueID(ctx, driveID, rec.UniqueID); err != nil {
		t.Errorf("unique id lookup: %v", err)
	}

	// CAS with the right tag succeeds and replaces the tag.
	oldTag := rec.VersionTag
	rec.VersionTag = uuid.NewString()
	rec.Header = []byte("updated blob")
	if err := s.UpdateFileHeader(ctx, rec, oldTag); err != nil {
		t.Fatal(err)
	}

	// CAS with the stale tag fails.
	stale := *rec
	stale.VersionTag = uuid.NewString()
	if err := s.UpdateFileHeader(ctx, &stale, oldTag); !errors.Is(err, store.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}

	// CAS on a missing row reports not found.
	missing := TestFileHeaderRecord(driveID)
	if err := s.UpdateFileHeader(ctx, missing, missing.VersionTag); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testOutbox(t *testing.T, ctx context.Context, s store.Store) {
	driveID := uuid.NewString()
	now := time.Now().UnixMilli()

	mk := func(recipient string, nextRun int64) *store.OutboxRecord {
		return &store.OutboxRecord{
			ID:        uuid.NewString(),
			DriveID:   driveID,
			FileID:    uuid.NewString(),
			Recipient: recipient,
			NextRun:   nextRun,
			Data:      []byte("{}"),
		}
	}

	due := mk("alice.example", now-1000)
	future := mk("bob.example", now+60_000)
	if err := s.EnqueueOutbox(ctx, due, future); err != nil {
		t.Fatal(err)
	}

	// Only the due item pops.
	stamp := uuid.NewString()
	popped, err := s.PopOutbox(ctx, driveID, 10, stamp, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(popped) != 1 || popped[0].ID != due.ID {
		t.Fatalf("expected 1 due item, got %d", len(popped))
	}

	// A second poller with its own stamp sees nothing.
	other, err := s.PopOutbox(ctx, driveID, 10, uuid.NewString(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Error("reserved item popped twice")
	}

	// Requeue clears the reservation and bumps the run count.
	if err := s.RequeueOutbox(ctx, stamp, due.ID, now+5000, true); err != nil {
		t.Fatal(err)
	}
	requeued, err := s.PopOutbox(ctx, driveID, 10, uuid.NewString(), now+6000)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 1 || requeued[0].RunCount != 1 {
		t.Fatalf("requeue lost the item or the run count: %+v", requeued)
	}

	// Commit removes it for good.
	if err := s.CommitOutbox(ctx, requeued[0].PopStamp, requeued[0].ID); err != nil {
		t.Fatal(err)
	}
	count, err := s.CountOutbox(ctx, driveID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 { // only the future item remains
		t.Errorf("expected 1 remaining item, got %d", count)
	}

	has, err := s.HasOutboxItems(ctx, driveID, future.FileID, future.Recipient)
	if err != nil {
		t.Fatal(err)
	}
	if !has {
		t.Error("HasOutboxItems missed the future item")
	}

	if err := s.DeleteOutboxByFile(ctx, driveID, future.FileID); err != nil {
		t.Fatal(err)
	}
	if count, _ := s.CountOutbox(ctx, driveID); count != 0 {
		t.Errorf("expected empty outbox, got %d", count)
	}
}

func testInbox(t *testing.T, ctx context.Context, s store.Store) {
	driveID := uuid.NewString()
	now := time.Now().UnixMilli()

	rec := &store.InboxRecord{
		ID:              uuid.NewString(),
		DriveID:         driveID,
		Sender:          "sam.example",
		GlobalTransitID: uuid.NewString(),
		TempFileID:      uuid.NewString(),
		NextRun:         now - 1,
		Data:            []byte("{}"),
	}
	if err := s.EnqueueInbox(ctx, rec); err != nil {
		t.Fatal(err)
	}

	stamp := uuid.NewString()
	popped, err := s.PopInbox(ctx, driveID, 10, stamp, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(popped) != 1 {
		t.Fatalf("expected 1 item, got %d", len(popped))
	}

	// Simulate a crashed worker: recover clears the stale stamp.
	recovered, err := s.RecoverInbox(ctx, now+1)
	if err != nil {
		t.Fatal(err)
	}
	if recovered != 1 {
		t.Errorf("expected 1 recovered row, got %d", recovered)
	}

	again, err := s.PopInbox(ctx, driveID, 10, uuid.NewString(), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 {
		t.Fatal("recovered item did not pop again")
	}
	if err := s.CommitInbox(ctx, again[0].PopStamp, again[0].ID); err != nil {
		t.Fatal(err)
	}
	if count, _ := s.CountInbox(ctx, driveID); count != 0 {
		t.Errorf("expected empty inbox, got %d", count)
	}
}

func testTransferHistory(t *testing.T, ctx context.Context, s store.Store) {
	driveID := uuid.NewString()
	fileID := uuid.NewString()

	rec := &store.TransferHistoryRecord{
		DriveID:                   driveID,
		FileID:                    fileID,
		Recipient:                 "alice.example",
		LatestDeliveredVersionTag: uuid.NewString(),
	}
	if err := s.UpsertTransferHistory(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Upsert replaces, not duplicates.
	rec.LatestProblemStatus = "recipientUnreachable"
	if err := s.UpsertTransferHistory(ctx, rec); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListTransferHistory(ctx, driveID, fileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 row, got %d", len(list))
	}
	if list[0].LatestProblemStatus != "recipientUnreachable" {
		t.Error("upsert did not replace")
	}
}

func testConnections(t *testing.T, ctx context.Context, s store.Store) {
	rec := &store.ConnectionRecord{
		OdinID:           "sam.example",
		ConnectionSecret: []byte("0123456789abcdef"),
		KeyStoreKey:      []byte("fedcba9876543210"),
		Grants:           []byte("[]"),
	}
	if err := s.UpsertConnection(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetConnection(ctx, "sam.example")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.ConnectionSecret) != "0123456789abcdef" {
		t.Error("connection round trip mismatch")
	}
	if err := s.DeleteConnection(ctx, "sam.example"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetConnection(ctx, "sam.example"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
