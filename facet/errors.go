package facet

import (
	"errors"
	"fmt"
)

// Contract compilation rejection codes.
const (
	CodeUnknownFacet   = "unknown_facet"
	CodeDirectionality = "directionality_error"
)

// ContractError reports why a facet list could not be compiled into a
// contract. Code is one of the Code* constants and Facet names the
// offending facet.
type ContractError struct {
	Code  string
	Facet string
	// Requested is the direction the caller asked for when Code is
	// directionality_error.
	Requested Direction
	// Declared is the catalog direction when Code is directionality_error.
	Declared Direction
}

func (e *ContractError) Error() string {
	switch e.Code {
	case CodeUnknownFacet:
		return fmt.Sprintf("unknown facet %q", e.Facet)
	case CodeDirectionality:
		return fmt.Sprintf("facet %q is declared %s-only and cannot be used as %s",
			e.Facet, e.Declared, e.Requested)
	default:
		return fmt.Sprintf("facet contract error %s for %q", e.Code, e.Facet)
	}
}

// IsContractError extracts a *ContractError from an error chain.
func IsContractError(err error) (*ContractError, bool) {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
