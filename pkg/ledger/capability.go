package ledger

import "fmt"

// AdminCapability authorizes reversals, grants, direct wallet adjustments
// and lifecycle changes. The zero value grants nothing.
type AdminCapability struct {
	actor UserID
}

// NewAdminCapability binds the capability to the acting administrator.
func NewAdminCapability(actor UserID) (AdminCapability, error) {
	if actor.IsZero() {
		return AdminCapability{}, fmt.Errorf("%w: actor is empty", ErrCapabilityRequired)
	}
	return AdminCapability{actor: actor}, nil
}

// Actor returns the administrator the capability was issued to.
func (capability AdminCapability) Actor() UserID {
	return capability.actor
}

func (capability AdminCapability) check() error {
	if capability.actor.IsZero() {
		return ErrCapabilityRequired
	}
	return nil
}

// UsagePolicy decides what happens to usage beyond the current balance.
type UsagePolicy int

const (
	// UsagePolicyClamp accepts the usage and floors the free bucket at zero when applied.
	UsagePolicyClamp UsagePolicy = iota
	// UsagePolicyReject refuses to create usage that exceeds the current total.
	UsagePolicyReject
)
