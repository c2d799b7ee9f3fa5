// Package permissions implements the capability engine: drive grants,
// permission groups and the per-request permission context that gates and
// keys every drive operation.
package permissions

import "sort"

// DrivePermission is a bitmask of per-drive capabilities.
type DrivePermission int

const (
	DriveRead    DrivePermission = 1
	DriveWrite   DrivePermission = 2
	DriveReact   DrivePermission = 4
	DriveComment DrivePermission = 8

	DriveAll = DriveRead | DriveWrite | DriveReact | DriveComment
)

// HasFlag reports whether p contains every bit of flag.
func (p DrivePermission) HasFlag(flag DrivePermission) bool {
	return p&flag == flag
}

// Non-drive permission keys. Integer-valued so grants serialize compactly
// and new keys never renumber old ones.
const (
	PermissionReadConnections       = 10
	PermissionReadConnectionRequests = 30
	PermissionReadCircleMembership  = 50
	PermissionReadWhoIFollow        = 80
	PermissionReadMyFollowers       = 130
	PermissionManageFeed            = 150
	PermissionSendPushNotifications = 210
)

// PermissionSet is an unordered set of permission keys.
type PermissionSet struct {
	Keys []int `json:"keys"`
}

// NewPermissionSet copies keys into a set.
func NewPermissionSet(keys ...int) PermissionSet {
	c := make([]int, len(keys))
	copy(c, keys)
	sort.Ints(c)
	return PermissionSet{Keys: c}
}

// HasKey reports whether the set contains k.
func (p PermissionSet) HasKey(k int) bool {
	for _, have := range p.Keys {
		if have == k {
			return true
		}
	}
	return false
}
