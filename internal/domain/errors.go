package domain

import "errors"

// Package-wide sentinel errors not already declared alongside their owning
// type (claim.go, rule.go, trace.go).
var (
	ErrNotFound       = errors.New("not found")
	ErrChainBroken    = errors.New("audit chain integrity check failed")
	ErrDuplicateClaim = errors.New("duplicate claim delivery")
	ErrEngineTimeout  = errors.New("rule engine budget exceeded")
	ErrBudgetExceeded = errors.New("claim processing budget exceeded")
)
