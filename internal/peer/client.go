package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/odinfed/odinfed-go/internal/cache"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/httpclient"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/logutil"
)

// Resolver maps a recipient identity to its API base URL.
type Resolver func(identity.OdinId) string

func defaultResolver(id identity.OdinId) string {
	return "https://" + id.String() + "/api/peer/v1"
}

// DeliveryOutcome classifies one delivery attempt for the outbox state
// machine: terminal outcomes update the transfer history, transient ones
// go back to the queue.
type DeliveryOutcome struct {
	Status    TransferStatus
	Problem   drives.TransferProblem
	Transient bool
}

// Client sends transfers to peer tenants.
type Client struct {
	http    *httpclient.Client
	cache   cache.Cache
	resolve Resolver
	logger  *slog.Logger
}

// NewClient creates a peer client. A nil resolver uses the identity's
// own domain.
func NewClient(hc *httpclient.Client, c cache.Cache, resolver Resolver, logger *slog.Logger) *Client {
	if resolver == nil {
		resolver = defaultResolver
	}
	return &Client{http: hc, cache: c, resolve: resolver, logger: logutil.NoopIfNil(logger)}
}

func (c *Client) baseURL(ctx context.Context, recipient identity.OdinId) string {
	key := "peer:endpoint:" + recipient.String()
	if c.cache != nil {
		if cached, err := c.cache.Get(ctx, key); err == nil {
			return string(cached)
		}
	}
	base := c.resolve(recipient)
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, []byte(base), cache.TTLPeerEndpoint); err != nil {
			c.logger.Debug("caching peer endpoint", "recipient", recipient.String(), "error", err)
		}
	}
	return base
}

// SendTransfer delivers one instruction, streaming the payload part when
// present, and classifies the recipient's answer.
func (c *Client) SendTransfer(ctx context.Context, recipient identity.OdinId, instruction *TransferInstruction, payload io.Reader) DeliveryOutcome {
	// The body goes through a pipe so a large payload is streamed to the
	// wire instead of buffered whole in memory.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeTransferParts(mw, instruction, payload)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			c.logger.Error("building transfer request", "recipient", recipient.String(), "error", err)
		}
		pw.CloseWithError(err)
	}()

	url := c.baseURL(ctx, recipient) + "/files/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientUnreachable, Transient: true}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		if httpclient.IsSSRFError(err) {
			// A recipient resolving to a blocked address will never succeed.
			return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientUnreachable, Transient: false}
		}
		c.logger.Debug("transfer attempt failed", "recipient", recipient.String(), "error", err)
		return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientUnreachable, Transient: true}
	}
	defer resp.Body.Close()
	return c.classify(recipient, resp)
}

func writeTransferParts(mw *multipart.Writer, instruction *TransferInstruction, payload io.Reader) error {
	part, err := mw.CreateFormField("instruction")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(instruction); err != nil {
		return err
	}
	if instruction.HasPayload && payload != nil {
		pp, err := mw.CreateFormFile("payload", "payload")
		if err != nil {
			return err
		}
		if _, err := io.Copy(pp, payload); err != nil {
			return err
		}
	}
	return nil
}

// SendDelete asks a peer to tombstone the file it received earlier.
func (c *Client) SendDelete(ctx context.Context, recipient identity.OdinId, instruction *TransferInstruction) DeliveryOutcome {
	return c.SendTransfer(ctx, recipient, instruction, nil)
}

func (c *Client) classify(recipient identity.OdinId, resp *http.Response) DeliveryOutcome {
	switch {
	case resp.StatusCode == http.StatusOK:
		raw, err := c.http.ReadBody(resp)
		if err != nil {
			return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientUnreachable, Transient: true}
		}
		var tr TransferResponse
		if err := json.Unmarshal(raw, &tr); err != nil {
			return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientRejected, Transient: false}
		}
		switch tr.Code {
		case ResponseAccepted:
			return DeliveryOutcome{Status: StatusDelivered}
		case ResponseAccessDenied:
			return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemAccessDenied, Transient: false}
		default:
			return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientRejected, Transient: false}
		}
	case resp.StatusCode == http.StatusForbidden:
		return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemAccessDenied, Transient: false}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientRejected, Transient: false}
	default:
		c.logger.Debug("transfer attempt got server error",
			"recipient", recipient.String(), "status", resp.StatusCode)
		return DeliveryOutcome{Status: StatusFailed, Problem: drives.ProblemRecipientUnreachable, Transient: true}
	}
}

// ParseTransferRequest reads the multipart body of an incoming transfer
// on the receiving side: the instruction part plus an optional payload
// stream. The payload reader is only valid until the request body closes.
func ParseTransferRequest(r *http.Request) (*TransferInstruction, *multipart.Reader, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, fmt.Errorf("reading multipart body: %w", err)
	}
	part, err := mr.NextPart()
	if err != nil {
		return nil, nil, fmt.Errorf("reading instruction part: %w", err)
	}
	if part.FormName() != "instruction" {
		return nil, nil, fmt.Errorf("first part must be the instruction, got %q", part.FormName())
	}
	var instruction TransferInstruction
	if err := json.NewDecoder(part).Decode(&instruction); err != nil {
		return nil, nil, fmt.Errorf("decoding instruction: %w", err)
	}
	return &instruction, mr, nil
}
