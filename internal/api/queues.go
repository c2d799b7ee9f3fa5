package api

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/peer"
)

// QueueHandlers exposes manual queue maintenance. The background workers
// run the same operations on a schedule; these endpoints exist for
// operators and tests that need a deterministic pass.
type QueueHandlers struct {
	outbox *peer.Outbox
	inbox  *peer.Inbox
	logger *slog.Logger
}

// NewQueueHandlers creates the queue maintenance handlers.
func NewQueueHandlers(outbox *peer.Outbox, inbox *peer.Inbox, logger *slog.Logger) *QueueHandlers {
	return &QueueHandlers{outbox: outbox, inbox: inbox, logger: logutil.NoopIfNil(logger)}
}

// QueuePassResult reports one processing pass.
type QueuePassResult struct {
	Settled int `json:"settled"`
}

func driveIDFromQuery(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return uuid.Nil, false
	}
	target, ok := targetDriveFromQuery(w, r)
	if !ok {
		return uuid.Nil, false
	}
	driveID, err := octx.Permissions().GetDriveID(target)
	if err != nil {
		WriteDomainError(w, err)
		return uuid.Nil, false
	}
	return driveID, true
}

// HandleProcessOutbox serves POST /queues/outbox/process.
func (h *QueueHandlers) HandleProcessOutbox(w http.ResponseWriter, r *http.Request) {
	driveID, ok := driveIDFromQuery(w, r)
	if !ok {
		return
	}
	settled, err := h.outbox.ProcessDrive(r.Context(), driveID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, QueuePassResult{Settled: settled})
}

// HandleProcessInbox serves POST /queues/inbox/process.
func (h *QueueHandlers) HandleProcessInbox(w http.ResponseWriter, r *http.Request) {
	driveID, ok := driveIDFromQuery(w, r)
	if !ok {
		return
	}
	settled, err := h.inbox.ProcessDrive(r.Context(), driveID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, QueuePassResult{Settled: settled})
}

// HandleRecover serves POST /queues/recover, releasing reservations left
// behind by a crashed processing pass.
func (h *QueueHandlers) HandleRecover(w http.ResponseWriter, r *http.Request) {
	if _, ok := RequireOdin(w, r); !ok {
		return
	}
	released, err := h.outbox.Recover(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	inboxReleased, err := h.inbox.Recover(r.Context())
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int64{
		"outboxReleased": released,
		"inboxReleased":  inboxReleased,
	})
}
