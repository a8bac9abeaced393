package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidCandidate   = errors.New("invalid candidate")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAutomationDisabled = errors.New("automation disabled for organization")
	ErrSessionBusy        = errors.New("supplier session busy")
	ErrReauthRequired     = errors.New("supplier session requires re-authentication")
	ErrRequeueNotAllowed  = errors.New("requeue not allowed for error code")
	ErrAttemptsExhausted  = errors.New("purchase attempts exhausted")
)
