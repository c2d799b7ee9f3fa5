// Package peer implements tenant-to-tenant file transfer: the durable
// outbox that pushes files to recipients, the inbox that stages and
// commits incoming transfers, and the HTTP client between them.
package peer

import (
	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/identity"
)

// TransferStatus is the sender-visible state of one (file, recipient)
// delivery.
type TransferStatus string

const (
	// StatusTransferKeyCreated means the key header was rewrapped under
	// the recipient's transit secret and the item entered the outbox.
	StatusTransferKeyCreated TransferStatus = "TransferKeyCreated"

	// StatusQueued means the item sits in the outbox awaiting delivery.
	StatusQueued TransferStatus = "Queued"

	// StatusDelivered means the recipient accepted the transfer into its
	// inbox. Final processing happens on the recipient's schedule.
	StatusDelivered TransferStatus = "Delivered"

	// StatusFailed means delivery was abandoned, either permanently
	// rejected or out of attempts.
	StatusFailed TransferStatus = "Failed"
)

// ScheduleOption controls when a queued transfer is attempted.
type ScheduleOption string

const (
	// SendNowAwaitResponse processes the item on the next queue pass.
	SendNowAwaitResponse ScheduleOption = "sendNowAwaitResponse"

	// SendLater defers the first attempt to the background schedule.
	SendLater ScheduleOption = "sendLater"
)

// TransitOptions direct an outgoing transfer.
type TransitOptions struct {
	Recipients []identity.OdinId `json:"recipients"`
	Schedule   ScheduleOption    `json:"schedule,omitempty"`

	// UseGlobalTransitId mints a delivery-scoped id at upload when the
	// file does not already carry one. Redeliveries of the same id
	// converge on the recipient instead of duplicating the file.
	UseGlobalTransitId bool `json:"useGlobalTransitId,omitempty"`

	// DependencyFileID defers this transfer until all queued items for
	// that file and the same recipient have drained. Comments depend on
	// their parent post this way.
	DependencyFileID *uuid.UUID `json:"dependencyFileId,omitempty"`

	// RemoteACL is the access control list the recipient applies to the
	// stored file. Defaults to owner-only on the recipient.
	RemoteACL *drives.AccessControlList `json:"remoteAcl,omitempty"`
}

// RemoteGlobalTransitIdFileIdentifier addresses a file on a peer by the
// id both sides share.
type RemoteGlobalTransitIdFileIdentifier struct {
	GlobalTransitID uuid.UUID          `json:"globalTransitId"`
	TargetDrive     drives.TargetDrive `json:"targetDrive"`
}

// TransferInstructionType separates content deliveries from tombstones.
type TransferInstructionType string

const (
	InstructionFile   TransferInstructionType = "file"
	InstructionDelete TransferInstructionType = "delete"
)

// TransferInstruction is the wire envelope of one transfer, sent as the
// instruction part of the multipart request and stored verbatim in both
// queues. The key header inside is wrapped under the directional transit
// secret; neither queue can open it.
type TransferInstruction struct {
	Type TransferInstructionType `json:"type"`

	Sender          identity.OdinId    `json:"sender"`
	TargetDrive     drives.TargetDrive `json:"targetDrive"`
	GlobalTransitID uuid.UUID          `json:"globalTransitId"`
	FileSystemType  drives.FileSystemType `json:"fileSystemType"`

	TransitEncryptedKeyHeader *crypto.EncryptedKeyHeader `json:"transitEncryptedKeyHeader,omitempty"`

	// FileMetadata is the sender's client-visible metadata snapshot taken
	// at enqueue time.
	FileMetadata *drives.FileMetadata `json:"fileMetadata,omitempty"`

	// ACL the recipient applies; nil means owner-only.
	AccessControlList *drives.AccessControlList `json:"accessControlList,omitempty"`

	// HasPayload announces a payload part in the multipart body.
	HasPayload bool `json:"hasPayload"`
}

// TransferResponseCode is the recipient's verdict on a transfer request.
type TransferResponseCode string

const (
	ResponseAccepted     TransferResponseCode = "acceptedIntoInbox"
	ResponseRejected     TransferResponseCode = "rejected"
	ResponseAccessDenied TransferResponseCode = "accessDenied"
)

// TransferResponse is the body a peer returns from its receive endpoint.
type TransferResponse struct {
	Code    TransferResponseCode `json:"code"`
	Message string               `json:"message,omitempty"`
}

// TransferResult is the per-recipient outcome of an enqueue call.
type TransferResult struct {
	Recipient identity.OdinId `json:"recipient"`
	Status    TransferStatus  `json:"status"`
	Problem   string          `json:"problem,omitempty"`
}

// outboxItemData is the serialized payload of one outbox record: the
// wire instruction plus the version tag it snapshots, so a successful
// delivery can be recorded against the exact version that was sent.
type outboxItemData struct {
	Instruction TransferInstruction `json:"instruction"`
	VersionTag  uuid.UUID           `json:"versionTag"`
}
