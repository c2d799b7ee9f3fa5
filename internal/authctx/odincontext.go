package authctx

import (
	"errors"

	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
	"github.com/odinfed/odinfed-go/internal/permissions"
)

// ErrPermissionsAlreadySet guards the set-exactly-once invariant on
// OdinContext; a second set is always a programming error and a potential
// privilege escalation.
var ErrPermissionsAlreadySet = errors.New("permission context already set")

// OdinContext is the complete security context for one request: the
// tenant being served, the caller, and the resolved permission context.
// The permission context may be set exactly once.
type OdinContext struct {
	tenant      identity.OdinId
	caller      *CallerContext
	permissions *permissions.Context
}

// New creates an OdinContext without permissions; the transport layer
// sets them once resolution completes.
func New(tenant identity.OdinId, caller *CallerContext) *OdinContext {
	return &OdinContext{tenant: tenant, caller: caller}
}

// NewWithPermissions creates a fully resolved OdinContext.
func NewWithPermissions(tenant identity.OdinId, caller *CallerContext, pc *permissions.Context) *OdinContext {
	return &OdinContext{tenant: tenant, caller: caller, permissions: pc}
}

// Tenant is the identity this request is served for.
func (c *OdinContext) Tenant() identity.OdinId { return c.tenant }

// Caller is the request's caller context.
func (c *OdinContext) Caller() *CallerContext { return c.caller }

// SetPermissions installs the permission context. It may be called at
// most once per OdinContext.
func (c *OdinContext) SetPermissions(pc *permissions.Context) error {
	if c.permissions != nil {
		return ErrPermissionsAlreadySet
	}
	c.permissions = pc
	return nil
}

// Permissions returns the resolved permission context; never nil for a
// context built through the transport layer.
func (c *OdinContext) Permissions() *permissions.Context {
	if c.permissions == nil {
		// An unresolved context must deny everything rather than panic.
		return permissions.NewContext(nil, nil)
	}
	return c.permissions
}

// AssertMasterKey fails with a security error unless the caller holds
// the master key.
func (c *OdinContext) AssertMasterKey() error {
	if c.caller == nil || !c.caller.HasMasterKey() {
		return errs.Security("this operation requires the owner master key")
	}
	return nil
}
