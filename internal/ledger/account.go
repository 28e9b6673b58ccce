package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeFunding AccountSubType = iota

	// System sub-types
	SubTypeSystemFundingPool
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // owner UUID for users, zero for system accounts
	SubType  AccountSubType
}

// NewUserAccountKey creates a key for an owner's realised funding account
func NewUserAccountKey(owner uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeFunding,
	}
}

// FundingPoolKey is the system account on the other side of every settlement.
var FundingPoolKey = AccountKey{
	Scope:   AccountScopeSystem,
	SubType: SubTypeSystemFundingPool,
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s", uid.String(), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	}
	return "unknown"
}

// Owner returns the owner of a user account.
func (k AccountKey) Owner() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeFunding:
		return "funding"
	case SubTypeSystemFundingPool:
		return "funding_pool"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath (used when restoring snapshots).
func ParseAccountPath(path string) (AccountKey, error) {
	if path == FundingPoolKey.AccountPath() {
		return FundingPoolKey, nil
	}

	const prefix, suffix = "user:", ":funding"
	if len(path) == len(prefix)+36+len(suffix) &&
		path[:len(prefix)] == prefix &&
		path[len(path)-len(suffix):] == suffix {
		owner, err := uuid.Parse(path[len(prefix) : len(prefix)+36])
		if err != nil {
			return AccountKey{}, fmt.Errorf("invalid account path %q: %w", path, err)
		}
		return NewUserAccountKey(owner), nil
	}

	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}
