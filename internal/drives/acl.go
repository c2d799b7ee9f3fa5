package drives

import (
	"github.com/google/uuid"

	"github.com/odinfed/odinfed-go/internal/errs"
	"github.com/odinfed/odinfed-go/internal/identity"
)

// SecurityGroupType orders the trust levels a caller can hold. Higher
// values subsume lower ones for ACL purposes.
type SecurityGroupType int

const (
	SecurityAnonymous     SecurityGroupType = 0
	SecurityAuthenticated SecurityGroupType = 10
	SecurityConnected     SecurityGroupType = 20
	SecurityOwner         SecurityGroupType = 100
)

func (s SecurityGroupType) String() string {
	switch s {
	case SecurityAnonymous:
		return "anonymous"
	case SecurityAuthenticated:
		return "authenticated"
	case SecurityConnected:
		return "connected"
	case SecurityOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// AccessControlList is the per-file ACL, checked independently of drive
// permissions: a caller must pass both to read a file.
type AccessControlList struct {
	RequiredSecurityGroup SecurityGroupType `json:"requiredSecurityGroup"`

	// CircleIdList restricts access to members of these circles. Only
	// meaningful at SecurityConnected.
	CircleIdList []uuid.UUID `json:"circleIdList,omitempty"`

	// OdinIdList restricts access to these specific identities. Only
	// meaningful at SecurityConnected.
	OdinIdList []identity.OdinId `json:"odinIdList,omitempty"`
}

// Validate rejects contradictory ACLs.
func (a *AccessControlList) Validate() error {
	if a == nil {
		return errs.Client(errs.CodeInvalidACL, "access control list must be specified")
	}
	if len(a.CircleIdList) > 0 && len(a.OdinIdList) > 0 {
		return errs.Client(errs.CodeInvalidACL, "cannot specify both circle and identity lists")
	}
	if (len(a.CircleIdList) > 0 || len(a.OdinIdList) > 0) && a.RequiredSecurityGroup != SecurityConnected {
		return errs.Client(errs.CodeInvalidACL, "circle or identity lists require the connected security group")
	}
	return nil
}

// Grants reports whether a caller at the given level, with the given
// identity and circle memberships, passes this ACL. The owner passes
// everything.
func (a *AccessControlList) Grants(level SecurityGroupType, caller identity.OdinId, circles []uuid.UUID) bool {
	if level >= SecurityOwner {
		return true
	}
	if a == nil {
		return false
	}
	if level < a.RequiredSecurityGroup {
		return false
	}
	if len(a.OdinIdList) > 0 {
		for _, id := range a.OdinIdList {
			if id == caller {
				return true
			}
		}
		return false
	}
	if len(a.CircleIdList) > 0 {
		for _, required := range a.CircleIdList {
			for _, have := range circles {
				if required == have {
					return true
				}
			}
		}
		return false
	}
	return true
}
