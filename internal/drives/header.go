package drives

import (
	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/identity"
)

// FileState marks a header as live or tombstoned. Soft-deleted headers
// keep their metadata for tombstone propagation to feeds and peers.
type FileState int

const (
	FileStateActive  FileState = 1
	FileStateDeleted FileState = 2
)

// AppFileMetadata is caller-supplied content description. JsonContent is
// encrypted by the client when PayloadIsEncrypted is set.
type AppFileMetadata struct {
	FileType    int      `json:"fileType"`
	DataType    int      `json:"dataType"`
	GroupID     string   `json:"groupId,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	JsonContent string   `json:"jsonContent,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
}

// FileMetadata is the client-visible portion of a file header.
type FileMetadata struct {
	File            InternalFile `json:"file"`
	GlobalTransitID *uuid.UUID   `json:"globalTransitId,omitempty"`

	// UniqueID is a caller-chosen id, unique per drive among active files.
	UniqueID *uuid.UUID `json:"uniqueId,omitempty"`

	FileState FileState `json:"fileState"`

	Created int64 `json:"created"`
	Updated int64 `json:"updated"`

	// ExpiresTimestamp is a unix-millisecond deadline after which reads
	// treat the file as gone. Zero means the file never expires.
	ExpiresTimestamp int64 `json:"expiresTimestamp,omitempty"`

	// VersionTag is the optimistic-concurrency token; replaced on every
	// successful mutating write and required by updates.
	VersionTag uuid.UUID `json:"versionTag"`

	// SenderOdinId is set on files committed from the inbox.
	SenderOdinId identity.OdinId `json:"senderOdinId,omitempty"`

	PayloadIsEncrypted bool            `json:"payloadIsEncrypted"`
	PayloadSize        int64           `json:"payloadSize"`
	AppData            AppFileMetadata `json:"appData"`
}

// ServerMetadata is server-side bookkeeping, stripped from responses to
// non-owner callers.
type ServerMetadata struct {
	AccessControlList *AccessControlList `json:"accessControlList"`

	// DoNotIndex excludes the file from query batches.
	DoNotIndex bool `json:"doNotIndex"`

	AllowDistribution bool           `json:"allowDistribution"`
	FileSystemType    FileSystemType `json:"fileSystemType"`

	// TransferHistory is the per-recipient delivery ledger, mutated only
	// by outbox delivery attempts.
	TransferHistory *TransferHistory `json:"transferHistory,omitempty"`
}

// ServerFileHeader is the durable header record. EncryptedKeyHeader is
// always the storage-key-wrapped form; the shared-secret form exists only
// on the wire.
type ServerFileHeader struct {
	EncryptedKeyHeader *crypto.EncryptedKeyHeader `json:"encryptedKeyHeader"`
	FileMetadata       FileMetadata               `json:"fileMetadata"`
	ServerMetadata     ServerMetadata             `json:"serverMetadata"`
}

// SharedSecretEncryptedFileHeader is the wire form of a header: the key
// header re-wrapped under the caller's shared secret, server metadata
// present only for the owner.
type SharedSecretEncryptedFileHeader struct {
	SharedSecretEncryptedKeyHeader *crypto.EncryptedKeyHeader `json:"sharedSecretEncryptedKeyHeader,omitempty"`
	FileMetadata                   FileMetadata               `json:"fileMetadata"`
	ServerMetadata                 *ServerMetadata            `json:"serverMetadata,omitempty"`
}

// TransferProblem classifies a failed delivery coarsely enough for a
// sender to react without seeing the peer's internals.
type TransferProblem string

const (
	ProblemRecipientUnreachable TransferProblem = "recipientUnreachable"
	ProblemRecipientRejected    TransferProblem = "recipientRejected"
	ProblemAccessDenied         TransferProblem = "recipientAccessDenied"
	ProblemEncryptionMismatch   TransferProblem = "encryptionMismatch"
)

// RecipientTransferStatus is one recipient's row in the ledger.
type RecipientTransferStatus struct {
	LatestSuccessfullyDeliveredVersionTag *uuid.UUID       `json:"latestSuccessfullyDeliveredVersionTag,omitempty"`
	LatestProblemStatus                   *TransferProblem `json:"latestProblemStatus,omitempty"`
	IsInOutbox                            bool             `json:"isInOutbox"`
}

// TransferHistory is the per-file, per-recipient delivery ledger.
type TransferHistory struct {
	Recipients map[identity.OdinId]RecipientTransferStatus `json:"recipients"`
}
