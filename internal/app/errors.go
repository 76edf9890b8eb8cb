package app

import "errors"

// Service-level sentinel errors. The API layer maps these onto HTTP statuses.
var (
	// ErrMissingParameter reports a request missing or malforming a required
	// field.
	ErrMissingParameter = errors.New("missing or invalid parameter")
	// ErrNotAuthorized reports a caller acting on a listing it does not own.
	ErrNotAuthorized = errors.New("requester is not authorized for this listing")
	// ErrNotInCustody reports an operation that requires the asset to sit in
	// escrow custody when it does not.
	ErrNotInCustody = errors.New("asset is not in escrow custody")
	// ErrConsistencyConflict reports a ledger write that observed a state it
	// cannot reconcile, such as a terminal status being rewound.
	ErrConsistencyConflict = errors.New("ledger state conflicts with the requested change")
)
