package peer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/authctx"
	"github.com/odinfed/odinfed-go/internal/config"
	"github.com/odinfed/odinfed-go/internal/connections"
	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/drives/storage"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/httpclient"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/notifications"
	"github.com/odinfed/odinfed-go/internal/permissions"
	"github.com/odinfed/odinfed-go/internal/store"
	"github.com/odinfed/odinfed-go/internal/store/sqlite"
)

type tenant struct {
	id        identity.OdinId
	masterKey *crypto.SecretMaterial
	octx      *authctx.OdinContext
	st        store.Store
	manager   *storage.Manager
	svc       *storage.Service
	conns     *connections.Manager
	drive     *drives.Drive
}

// newTenant builds a complete single-tenant stack over a throwaway
// sqlite store, with one drive of the given target.
func newTenant(t *testing.T, name string, target drives.TargetDrive) *tenant {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.NewDriver(&store.DriverConfig{Driver: "sqlite", DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := st.Init(ctx); err != nil {
		t.Fatalf("initializing store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	payloads, err := storage.NewPayloadStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating payload store: %v", err)
	}
	manager := storage.NewManager(st, nil)
	svc := storage.NewService(drives.FileSystemStandard, st, manager, payloads, notifications.NewPublisher(nil), nil)

	id := identity.MustNew(name)
	masterKey := crypto.RandomSecret(crypto.AesKeySize)
	octx := authctx.New(id, authctx.NewOwnerCallerContext(id, masterKey))

	drive, err := manager.CreateDrive(ctx, octx, storage.CreateDriveRequest{TargetDrive: target, Name: "feed"})
	if err != nil {
		t.Fatalf("creating drive: %v", err)
	}
	pc := permissions.NewContext(map[string]*permissions.Group{
		"owner": permissions.BuildOwnerGroup([]*drives.Drive{drive}, masterKey),
	}, crypto.RandomSecret(crypto.AesKeySize))
	if err := octx.SetPermissions(pc); err != nil {
		t.Fatalf("setting permissions: %v", err)
	}

	return &tenant{
		id: id, masterKey: masterKey, octx: octx, st: st,
		manager: manager, svc: svc, conns: connections.NewManager(st, nil), drive: drive,
	}
}

// connectTenants installs a symmetric connection between two tenants and
// grants each peer read and write on the other's drive.
func connectTenants(t *testing.T, a, b *tenant) {
	t.Helper()
	ctx := context.Background()
	secret := crypto.RandomSecret(crypto.AesKeySize)

	if _, err := a.conns.Connect(ctx, a.octx, b.id, secret.Clone()); err != nil {
		t.Fatalf("connecting %s to %s: %v", a.id, b.id, err)
	}
	if _, err := b.conns.Connect(ctx, b.octx, a.id, secret.Clone()); err != nil {
		t.Fatalf("connecting %s to %s: %v", b.id, a.id, err)
	}
	if _, err := a.conns.GrantDriveAccess(ctx, a.octx, b.id, a.drive, permissions.DriveRead|permissions.DriveWrite); err != nil {
		t.Fatalf("granting on %s: %v", a.id, err)
	}
	if _, err := b.conns.GrantDriveAccess(ctx, b.octx, a.id, b.drive, permissions.DriveRead|permissions.DriveWrite); err != nil {
		t.Fatalf("granting on %s: %v", b.id, err)
	}
}

func (tn *tenant) commitDistributableFile(t *testing.T, payload string) (*drives.ServerFileHeader, *crypto.KeyHeader) {
	t.Helper()
	ctx := context.Background()
	kh := crypto.NewRandomKeyHeader()
	tempID := uuid.NewString()
	if payload != "" {
		if _, err := tn.svc.Payloads().WriteTemp(tempID, storage.PayloadKeyDefault, strings.NewReader(payload)); err != nil {
			t.Fatalf("staging payload: %v", err)
		}
	}
	gtid := uuid.New()
	header, err := tn.svc.CommitNewFile(ctx, tn.octx, storage.NewFileRequest{
		DriveID:   tn.drive.ID,
		TempID:    tempID,
		KeyHeader: kh,
		Metadata: drives.FileMetadata{
			GlobalTransitID:    &gtid,
			PayloadIsEncrypted: true,
			PayloadSize:        int64(len(payload)),
			AppData:            drives.AppFileMetadata{FileType: 7, JsonContent: "ciphertext"},
		},
		ServerMetadata: drives.ServerMetadata{
			AccessControlList: &drives.AccessControlList{RequiredSecurityGroup: drives.SecurityConnected},
			AllowDistribution: true,
		},
	})
	if err != nil {
		t.Fatalf("committing file: %v", err)
	}
	return header, kh
}

func newOutboxClient(resolver Resolver) *Client {
	hc := httpclient.New(&config.OutboundHTTPConfig{
		SSRFMode:         "off",
		TimeoutMS:        5000,
		ConnectTimeoutMS: 2000,
		MaxResponseBytes: 1 << 20,
	})
	return NewClient(hc, nil, resolver, nil)
}

// inboxHandler wires an Inbox behind the receive endpoint the client
// posts to.
func inboxHandler(t *testing.T, inbox *Inbox, sender identity.OdinId) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instruction, parts, err := ParseTransferRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := inbox.ReceiveTransfer(r.Context(), sender, instruction, parts)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
}

func TestOutboxSettingsFrom(t *testing.T) {
	s, err := OutboxSettingsFrom(map[string]any{
		"batch_size":   int64(5),
		"max_attempts": "3",
	})
	if err != nil {
		t.Fatalf("decoding settings: %v", err)
	}
	if s.BatchSize != 5 || s.MaxAttempts != 3 {
		t.Fatalf("settings = %+v", s)
	}
	if s.BackoffInitialMS != DefaultOutboxSettings().BackoffInitialMS {
		t.Fatal("unset fields must keep defaults")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	s := DefaultOutboxSettings()
	s.BackoffInitialMS = 1000
	s.BackoffMaxMS = 4000
	s.BackoffMultiplier = 2.0

	if d := s.backoffDelay(0); d != time.Second {
		t.Fatalf("first delay = %v, want 1s", d)
	}
	if d := s.backoffDelay(1); d != 2*time.Second {
		t.Fatalf("second delay = %v, want 2s", d)
	}
	if d := s.backoffDelay(10); d > 4*time.Second {
		t.Fatalf("delay %v exceeds the cap", d)
	}
}

func TestEnqueue(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	header, _ := frodo.commitDistributableFile(t, "hello sam")
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(nil), nil)

	results, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{
		Recipients: []identity.OdinId{sam.id, identity.MustNew("stranger.example")},
	})
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	byRecipient := map[identity.OdinId]TransferResult{}
	for _, r := range results {
		byRecipient[r.Recipient] = r
	}
	if byRecipient[sam.id].Status != StatusTransferKeyCreated {
		t.Fatalf("sam status = %s, want TransferKeyCreated", byRecipient[sam.id].Status)
	}
	if byRecipient[identity.MustNew("stranger.example")].Status != StatusFailed {
		t.Fatal("unconnected recipient must fail")
	}

	n, err := frodo.st.CountOutbox(ctx, frodo.drive.ID.String())
	if err != nil {
		t.Fatalf("counting outbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("outbox count = %d, want 1", n)
	}

	history, err := frodo.svc.GetTransferHistory(ctx, frodo.octx, header.FileMetadata.File)
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	if !history.Recipients[sam.id].IsInOutbox {
		t.Fatal("history must mark the recipient as in the outbox")
	}
}

func TestEnqueueRejectsNonDistributableFile(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	header, _ := frodo.commitDistributableFile(t, "x")
	header.ServerMetadata.AllowDistribution = false

	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(nil), nil)
	_, err := outbox.Enqueue(context.Background(), frodo.octx, header, TransitOptions{
		Recipients: []identity.OdinId{identity.MustNew("sam.example")},
	})
	if !errs.IsClient(err) {
		t.Fatalf("err = %v, want client error", err)
	}
}

func TestEnqueueACLGatesRecipients(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	header, _ := frodo.commitDistributableFile(t, "secret")
	header.ServerMetadata.AccessControlList = &drives.AccessControlList{
		RequiredSecurityGroup: drives.SecurityConnected,
		OdinIdList:            []identity.OdinId{identity.MustNew("merry.example")},
	}

	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(nil), nil)
	results, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}})
	if err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	if results[0].Status != StatusFailed || results[0].Problem != string(drives.ProblemAccessDenied) {
		t.Fatalf("result = %+v, want access denied", results[0])
	}
}

func TestEndToEndTransfer(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	samInbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)
	server := httptest.NewServer(http.StripPrefix("/files/send", inboxHandler(t, samInbox, frodo.id)))
	t.Cleanup(server.Close)

	header, plainKH := frodo.commitDistributableFile(t, "the ring is in the envelope")
	resolver := func(identity.OdinId) string { return server.URL }
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	if _, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	settled, err := outbox.ProcessDrive(ctx, frodo.drive.ID)
	if err != nil {
		t.Fatalf("processing outbox: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}

	// Sender-side ledger records the delivered version.
	history, err := frodo.svc.GetTransferHistory(ctx, frodo.octx, header.FileMetadata.File)
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	status := history.Recipients[sam.id]
	if status.LatestSuccessfullyDeliveredVersionTag == nil ||
		*status.LatestSuccessfullyDeliveredVersionTag != header.FileMetadata.VersionTag {
		t.Fatalf("history = %+v, want delivered tag %s", status, header.FileMetadata.VersionTag)
	}
	if status.IsInOutbox {
		t.Fatal("history still marks the recipient as in the outbox")
	}

	// Recipient processes its inbox and materializes the file.
	if settled, err = samInbox.ProcessDrive(ctx, sam.drive.ID); err != nil || settled != 1 {
		t.Fatalf("processing inbox: settled=%d err=%v", settled, err)
	}
	got, err := sam.svc.GetHeaderByGlobalTransitID(ctx, sam.octx, sam.drive.ID, *header.FileMetadata.GlobalTransitID)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if got.FileMetadata.SenderOdinId != frodo.id {
		t.Fatalf("sender = %s, want %s", got.FileMetadata.SenderOdinId, frodo.id)
	}
	if got.FileMetadata.AppData.FileType != 7 {
		t.Fatalf("file type = %d, want 7", got.FileMetadata.AppData.FileType)
	}

	// The stored key header opens with sam's drive storage key and
	// matches the key frodo generated.
	samStorageKey, err := sam.octx.Permissions().GetDriveStorageKey(sam.drive.ID)
	if err != nil {
		t.Fatalf("getting storage key: %v", err)
	}
	receivedKH, err := got.EncryptedKeyHeader.Decrypt(samStorageKey)
	if err != nil {
		t.Fatalf("unwrapping received key header: %v", err)
	}
	if !receivedKH.Equals(plainKH) {
		t.Fatal("received key header does not match the sender's key header")
	}

	// Payload arrived intact.
	rc, _, err := sam.svc.ReadPayload(ctx, sam.octx, got.FileMetadata.File, storage.PayloadKeyDefault)
	if err != nil {
		t.Fatalf("reading received payload: %v", err)
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading payload bytes: %v", err)
	}
	if string(payload) != "the ring is in the envelope" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestEndToEndRedeliveryOverwrites(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	samInbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)
	server := httptest.NewServer(http.StripPrefix("/files/send", inboxHandler(t, samInbox, frodo.id)))
	t.Cleanup(server.Close)

	header, _ := frodo.commitDistributableFile(t, "v1")
	resolver := func(identity.OdinId) string { return server.URL }
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	deliver := func(h *drives.ServerFileHeader) {
		t.Helper()
		if _, err := outbox.Enqueue(ctx, frodo.octx, h, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
			t.Fatalf("enqueueing: %v", err)
		}
		if n, err := outbox.ProcessDrive(ctx, frodo.drive.ID); err != nil || n != 1 {
			t.Fatalf("outbox: n=%d err=%v", n, err)
		}
		if n, err := samInbox.ProcessDrive(ctx, sam.drive.ID); err != nil || n != 1 {
			t.Fatalf("inbox: n=%d err=%v", n, err)
		}
	}
	deliver(header)

	// Sender updates the file and sends again.
	updated, err := frodo.svc.OverwriteFile(ctx, frodo.octx, storage.OverwriteRequest{
		File:               header.FileMetadata.File,
		ExpectedVersionTag: header.FileMetadata.VersionTag,
		KeyHeader:          crypto.NewRandomKeyHeader(),
		Metadata: drives.FileMetadata{
			PayloadIsEncrypted: true,
			PayloadSize:        2,
			AppData:            drives.AppFileMetadata{FileType: 8},
		},
		ServerMetadata: drives.ServerMetadata{
			AccessControlList: &drives.AccessControlList{RequiredSecurityGroup: drives.SecurityConnected},
			AllowDistribution: true,
		},
	})
	if err != nil {
		t.Fatalf("overwriting: %v", err)
	}
	deliver(updated)

	// The recipient converged on one file with the updated metadata.
	got, err := sam.svc.GetHeaderByGlobalTransitID(ctx, sam.octx, sam.drive.ID, *header.FileMetadata.GlobalTransitID)
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if got.FileMetadata.AppData.FileType != 8 {
		t.Fatalf("file type = %d, want the updated 8", got.FileMetadata.AppData.FileType)
	}
}

func TestEndToEndDelete(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	samInbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)
	server := httptest.NewServer(http.StripPrefix("/files/send", inboxHandler(t, samInbox, frodo.id)))
	t.Cleanup(server.Close)

	header, _ := frodo.commitDistributableFile(t, "short lived")
	resolver := func(identity.OdinId) string { return server.URL }
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	if _, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	if n, err := outbox.ProcessDrive(ctx, frodo.drive.ID); err != nil || n != 1 {
		t.Fatalf("outbox: n=%d err=%v", n, err)
	}
	if n, err := samInbox.ProcessDrive(ctx, sam.drive.ID); err != nil || n != 1 {
		t.Fatalf("inbox: n=%d err=%v", n, err)
	}

	gtid := *header.FileMetadata.GlobalTransitID
	if _, err := outbox.EnqueueDelete(ctx, frodo.octx, header.FileMetadata.File, gtid, target, []identity.OdinId{sam.id}); err != nil {
		t.Fatalf("enqueueing delete: %v", err)
	}
	if n, err := outbox.ProcessDrive(ctx, frodo.drive.ID); err != nil || n != 1 {
		t.Fatalf("outbox delete: n=%d err=%v", n, err)
	}
	if n, err := samInbox.ProcessDrive(ctx, sam.drive.ID); err != nil || n != 1 {
		t.Fatalf("inbox delete: n=%d err=%v", n, err)
	}

	got, err := sam.svc.GetHeaderByGlobalTransitID(ctx, sam.octx, sam.drive.ID, gtid)
	if err != nil {
		t.Fatalf("reading tombstone: %v", err)
	}
	if got.FileMetadata.FileState != drives.FileStateDeleted {
		t.Fatalf("file state = %v, want deleted", got.FileMetadata.FileState)
	}
}

func TestProcessDriveRetriesTransientFailure(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	header, _ := frodo.commitDistributableFile(t, "try again")
	resolver := func(identity.OdinId) string { return server.URL }
	settings := DefaultOutboxSettings()
	settings.BackoffInitialMS = 60_000
	outbox := NewOutbox(frodo.id, settings, frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	if _, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	settled, err := outbox.ProcessDrive(ctx, frodo.drive.ID)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if settled != 0 {
		t.Fatalf("settled = %d, want 0 on transient failure", settled)
	}

	// The item is requeued with a future next_run, so an immediate
	// second pass finds nothing due.
	if settled, err = outbox.ProcessDrive(ctx, frodo.drive.ID); err != nil || settled != 0 {
		t.Fatalf("second pass: settled=%d err=%v", settled, err)
	}
	n, err := frodo.st.CountOutbox(ctx, frodo.drive.ID.String())
	if err != nil {
		t.Fatalf("counting outbox: %v", err)
	}
	if n != 1 {
		t.Fatalf("outbox count = %d, want the item retained", n)
	}
}

func TestProcessDriveTerminalRejection(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	header, _ := frodo.commitDistributableFile(t, "no entry")
	resolver := func(identity.OdinId) string { return server.URL }
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	if _, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	settled, err := outbox.ProcessDrive(ctx, frodo.drive.ID)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1 terminal failure", settled)
	}

	history, err := frodo.svc.GetTransferHistory(ctx, frodo.octx, header.FileMetadata.File)
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	status := history.Recipients[sam.id]
	if status.LatestProblemStatus == nil || *status.LatestProblemStatus != drives.ProblemAccessDenied {
		t.Fatalf("history = %+v, want access denied problem", status)
	}
	if n, _ := frodo.st.CountOutbox(ctx, frodo.drive.ID.String()); n != 0 {
		t.Fatalf("outbox count = %d, want 0 after abandon", n)
	}
}

func TestMaxAttemptsAbandons(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "still down", http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	header, _ := frodo.commitDistributableFile(t, "doomed")
	resolver := func(identity.OdinId) string { return server.URL }
	settings := DefaultOutboxSettings()
	settings.MaxAttempts = 1
	outbox := NewOutbox(frodo.id, settings, frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	if _, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}
	settled, err := outbox.ProcessDrive(ctx, frodo.drive.ID)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want abandonment on the first attempt", settled)
	}

	history, err := frodo.svc.GetTransferHistory(ctx, frodo.octx, header.FileMetadata.File)
	if err != nil {
		t.Fatalf("reading history: %v", err)
	}
	status := history.Recipients[sam.id]
	if status.LatestProblemStatus == nil || *status.LatestProblemStatus != drives.ProblemRecipientUnreachable {
		t.Fatalf("history = %+v, want recipient unreachable", status)
	}
}

func TestDependencyGating(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	delivered := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered++
		json.NewEncoder(w).Encode(TransferResponse{Code: ResponseAccepted})
	}))
	t.Cleanup(server.Close)

	parent, _ := frodo.commitDistributableFile(t, "parent post")
	comment, _ := frodo.commitDistributableFile(t, "first!")
	resolver := func(identity.OdinId) string { return server.URL }
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(resolver), nil)

	// The comment is queued before its parent, depending on it.
	parentFileID := parent.FileMetadata.File.FileID
	if _, err := outbox.Enqueue(ctx, frodo.octx, comment, TransitOptions{
		Recipients:       []identity.OdinId{sam.id},
		DependencyFileID: &parentFileID,
	}); err != nil {
		t.Fatalf("enqueueing comment: %v", err)
	}
	if _, err := outbox.Enqueue(ctx, frodo.octx, parent, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing parent: %v", err)
	}

	// First pass: the comment is blocked, the parent goes out.
	settled, err := outbox.ProcessDrive(ctx, frodo.drive.ID)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if settled != 1 || delivered != 1 {
		t.Fatalf("first pass settled=%d delivered=%d, want parent only", settled, delivered)
	}
	if n, _ := frodo.st.CountOutbox(ctx, frodo.drive.ID.String()); n != 1 {
		t.Fatalf("outbox count = %d, want the blocked comment retained", n)
	}

	// The blocked item was requeued without burning an attempt; once due
	// again it delivers.
	forceDue(t, frodo.st, ctx, frodo.drive.ID.String())

	settled, err = outbox.ProcessDrive(ctx, frodo.drive.ID)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if settled != 1 || delivered != 2 {
		t.Fatalf("second pass settled=%d delivered=%d, want the comment delivered", settled, delivered)
	}
}

// forceDue rewrites next_run so deferred items become immediately due.
func forceDue(t *testing.T, st store.Store, ctx context.Context, driveID string) {
	t.Helper()
	stamp := uuid.NewString()
	items, err := st.PopOutbox(ctx, driveID, 100, stamp, time.Now().UnixMilli()+2*time.Hour.Milliseconds())
	if err != nil {
		t.Fatalf("popping deferred items: %v", err)
	}
	for _, item := range items {
		if err := st.RequeueOutbox(ctx, stamp, item.ID, 0, false); err != nil {
			t.Fatalf("requeueing: %v", err)
		}
	}
}

func TestRecoverReleasesStaleReservations(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	header, _ := frodo.commitDistributableFile(t, "stuck")
	outbox := NewOutbox(frodo.id, DefaultOutboxSettings(), frodo.st, frodo.svc.Payloads(), frodo.conns, newOutboxClient(nil), nil)
	if _, err := outbox.Enqueue(ctx, frodo.octx, header, TransitOptions{Recipients: []identity.OdinId{sam.id}}); err != nil {
		t.Fatalf("enqueueing: %v", err)
	}

	// A worker reserves the item and dies.
	if _, err := frodo.st.PopOutbox(ctx, frodo.drive.ID.String(), 10, "dead-worker", time.Now().UnixMilli()); err != nil {
		t.Fatalf("reserving: %v", err)
	}

	// Before the timeout nothing is released.
	if n, err := frodo.st.RecoverOutbox(ctx, time.Now().UnixMilli()-time.Hour.Milliseconds()); err != nil || n != 0 {
		t.Fatalf("early recover: n=%d err=%v", n, err)
	}
	// After the timeout the sweep frees it.
	n, err := frodo.st.RecoverOutbox(ctx, time.Now().UnixMilli()+time.Second.Milliseconds())
	if err != nil {
		t.Fatalf("recovering: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
}

func TestInboxRejectsUnknownSender(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	sam := newTenant(t, "sam.example", target)
	inbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)

	resp, err := inbox.ReceiveTransfer(context.Background(), identity.MustNew("stranger.example"), &TransferInstruction{
		Type:            InstructionFile,
		Sender:          identity.MustNew("stranger.example"),
		TargetDrive:     target,
		GlobalTransitID: uuid.New(),
		FileMetadata:    &drives.FileMetadata{},
	}, nil)
	if err != nil {
		t.Fatalf("receiving: %v", err)
	}
	if resp.Code != ResponseAccessDenied {
		t.Fatalf("code = %s, want access denied", resp.Code)
	}
}

func TestInboxRejectsSenderMismatch(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)

	inbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)
	resp, err := inbox.ReceiveTransfer(context.Background(), frodo.id, &TransferInstruction{
		Type:            InstructionFile,
		Sender:          identity.MustNew("merry.example"),
		TargetDrive:     target,
		GlobalTransitID: uuid.New(),
		FileMetadata:    &drives.FileMetadata{},
	}, nil)
	if err != nil {
		t.Fatalf("receiving: %v", err)
	}
	if resp.Code != ResponseRejected {
		t.Fatalf("code = %s, want rejected", resp.Code)
	}
}

func TestInboxRejectsUngrantedDrive(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	ctx := context.Background()

	// Connected, but no drive grants.
	secret := crypto.RandomSecret(crypto.AesKeySize)
	if _, err := sam.conns.Connect(ctx, sam.octx, frodo.id, secret); err != nil {
		t.Fatalf("connecting: %v", err)
	}

	inbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)
	resp, err := inbox.ReceiveTransfer(ctx, frodo.id, &TransferInstruction{
		Type:            InstructionFile,
		Sender:          frodo.id,
		TargetDrive:     target,
		GlobalTransitID: uuid.New(),
		FileMetadata:    &drives.FileMetadata{},
	}, nil)
	if err != nil {
		t.Fatalf("receiving: %v", err)
	}
	if resp.Code != ResponseAccessDenied {
		t.Fatalf("code = %s, want access denied", resp.Code)
	}
}

func TestInboxDropsWrongTransitKey(t *testing.T) {
	target := drives.TargetDrive{Alias: uuid.New(), Type: uuid.New()}
	frodo := newTenant(t, "frodo.example", target)
	sam := newTenant(t, "sam.example", target)
	connectTenants(t, frodo, sam)
	ctx := context.Background()

	// A key header wrapped under an unrelated secret will not open with
	// the connection's transit secret.
	wrongSecret := crypto.RandomSecret(crypto.AesKeySize)
	kh := crypto.NewRandomKeyHeader()
	badEKH, err := crypto.EncryptKeyHeader(kh, wrongSecret)
	if err != nil {
		t.Fatalf("wrapping: %v", err)
	}

	inbox := NewInbox(sam.id, DefaultInboxSettings(), sam.st, sam.svc, sam.conns, nil)
	resp, err := inbox.ReceiveTransfer(ctx, frodo.id, &TransferInstruction{
		Type:                      InstructionFile,
		Sender:                    frodo.id,
		TargetDrive:               target,
		GlobalTransitID:           uuid.New(),
		TransitEncryptedKeyHeader: badEKH,
		FileMetadata:              &drives.FileMetadata{PayloadIsEncrypted: true},
	}, nil)
	if err != nil {
		t.Fatalf("receiving: %v", err)
	}
	if resp.Code != ResponseAccepted {
		t.Fatalf("code = %s, want accepted (validation happens at processing)", resp.Code)
	}

	// Processing drops the item instead of retrying forever.
	settled, err := inbox.ProcessDrive(ctx, sam.drive.ID)
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want the item dropped", settled)
	}
	if n, _ := sam.st.CountInbox(ctx, sam.drive.ID.String()); n != 0 {
		t.Fatalf("inbox count = %d, want 0", n)
	}
}
