package ledger

import (
	"fmt"
	"strings"
)

// CreditType selects which bucket a transaction affects.
type CreditType string

const (
	CreditTypePaid CreditType = "paid"
	CreditTypeFree CreditType = "free"
	CreditTypeUsed CreditType = "used"
)

// ParseCreditType validates a credit type string.
func ParseCreditType(raw string) (CreditType, error) {
	switch CreditType(strings.ToLower(strings.TrimSpace(raw))) {
	case CreditTypePaid:
		return CreditTypePaid, nil
	case CreditTypeFree:
		return CreditTypeFree, nil
	case CreditTypeUsed:
		return CreditTypeUsed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCreditType, raw)
	}
}

// String returns the stored representation.
func (creditType CreditType) String() string {
	return string(creditType)
}

// CreditTypeCases handles every credit type. Adding a variant adds a method
// here, which breaks every implementation until it handles the new case.
type CreditTypeCases[T any] interface {
	Paid() (T, error)
	Free() (T, error)
	Used() (T, error)
}

// MatchCreditType dispatches to the case for creditType.
func MatchCreditType[T any](creditType CreditType, cases CreditTypeCases[T]) (T, error) {
	switch creditType {
	case CreditTypePaid:
		return cases.Paid()
	case CreditTypeFree:
		return cases.Free()
	case CreditTypeUsed:
		return cases.Used()
	default:
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrInvalidCreditType, creditType)
	}
}
