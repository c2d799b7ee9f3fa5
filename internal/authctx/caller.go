// Package authctx carries the per-request security context: who is
// calling (CallerContext) and what they may do (the permission context
// inside OdinContext). Contexts are built once by the transport layer and
// passed explicitly into every core operation.
package authctx

import (
	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/crypto"
	"github.com/odinfed/odinfed-go/internal/drives"
	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
)

// ClientTokenType records which credential class produced the caller.
type ClientTokenType int

const (
	TokenTypeOther ClientTokenType = iota
	TokenTypeOwner
	TokenTypeApp
	TokenTypeIdentityConnection
)

// CallerContext identifies the caller and their trust level. The master
// key is present only when the owner authenticates directly.
type CallerContext struct {
	odinID        identity.OdinId
	masterKey     *crypto.SecretMaterial
	securityLevel drives.SecurityGroupType
	circles       []uuid.UUID
	tokenType     ClientTokenType
}

// NewCallerContext builds a caller context for a non-owner caller.
func NewCallerContext(odinID identity.OdinId, level drives.SecurityGroupType, circles []uuid.UUID, tokenType ClientTokenType) *CallerContext {
	return &CallerContext{
		odinID:        odinID,
		securityLevel: level,
		circles:       circles,
		tokenType:     tokenType,
	}
}

// NewOwnerCallerContext builds the owner's caller context, holding the
// master key.
func NewOwnerCallerContext(odinID identity.OdinId, masterKey *crypto.SecretMaterial) *CallerContext {
	return &CallerContext{
		odinID:        odinID,
		masterKey:     masterKey,
		securityLevel: drives.SecurityOwner,
		tokenType:     TokenTypeOwner,
	}
}

// NewAnonymousCallerContext builds the context for unauthenticated callers.
func NewAnonymousCallerContext() *CallerContext {
	return &CallerContext{securityLevel: drives.SecurityAnonymous}
}

// OdinID is the caller's identity; empty for anonymous callers.
func (c *CallerContext) OdinID() identity.OdinId { return c.odinID }

// SecurityLevel is the caller's trust level.
func (c *CallerContext) SecurityLevel() drives.SecurityGroupType { return c.securityLevel }

// Circles lists the caller's circle memberships on this tenant.
func (c *CallerContext) Circles() []uuid.UUID { return c.circles }

// TokenType reports the credential class.
func (c *CallerContext) TokenType() ClientTokenType { return c.tokenType }

// IsOwner reports whether the caller is the tenant owner.
func (c *CallerContext) IsOwner() bool { return c.securityLevel >= drives.SecurityOwner }

// HasMasterKey is true only for direct owner authentication.
func (c *CallerContext) HasMasterKey() bool { return !c.masterKey.IsEmpty() }

// MasterKey returns the master key after asserting it is present.
func (c *CallerContext) MasterKey() (*crypto.SecretMaterial, error) {
	if !c.HasMasterKey() {
		return nil, errs.Security("master key required")
	}
	return c.masterKey, nil
}
