package api

import (
	"log/slog"
	"net/http"

	"github.com/odinfed/odinfed-go/internal/logutil"
	"github.com/odinfed/odinfed-go/internal/peer"
)

// PeerHandlers serves the endpoints other identity servers call.
type PeerHandlers struct {
	inbox  *peer.Inbox
	logger *slog.Logger
}

// NewPeerHandlers creates the peer-facing handlers.
func NewPeerHandlers(inbox *peer.Inbox, logger *slog.Logger) *PeerHandlers {
	return &PeerHandlers{inbox: inbox, logger: logutil.NoopIfNil(logger)}
}

// HandleReceiveTransfer serves POST /files/send on the peer surface.
// The caller was authenticated by the peer middleware; its identity is
// in the request context. Transfer-level refusals come back as 200 with
// a response code so the sender can settle the queue item terminally.
func (h *PeerHandlers) HandleReceiveTransfer(w http.ResponseWriter, r *http.Request) {
	octx, ok := RequireOdin(w, r)
	if !ok {
		return
	}
	instruction, parts, err := peer.ParseTransferRequest(r)
	if err != nil {
		WriteBadRequest(w, "malformed transfer request")
		return
	}
	resp, err := h.inbox.ReceiveTransfer(r.Context(), octx.Caller().OdinID(), instruction, parts)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}
