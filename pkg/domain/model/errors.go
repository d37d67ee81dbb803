package model

import "github.com/m-mizutani/goerr/v2"

// Sentinel errors shared across the engine. Repositories and adapters wrap
// these with goerr so callers can classify with errors.Is.
var (
	// ErrProviderUnavailable marks embedding / LLM / vector store calls that
	// failed to reach the provider. Retried only on the next scheduled pass.
	ErrProviderUnavailable = goerr.New("provider unavailable")

	// ErrParseFailure marks LLM output that is not valid structured JSON.
	// The batch is dropped and logged, never escalated.
	ErrParseFailure = goerr.New("failed to parse LLM output")

	// ErrStaleWrite marks a rejected version regression on the sync ledger.
	ErrStaleWrite = goerr.New("stale write rejected")

	// ErrInvalidPayload marks a vector store payload that failed validation
	// at the store boundary.
	ErrInvalidPayload = goerr.New("invalid payload")
)
