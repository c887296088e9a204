package domain

import "errors"

var (
	ErrNotFound           = errors.New("record not found")
	ErrQuarantined        = errors.New("record is quarantined")
	ErrNeedsValidation    = errors.New("record needs validation")
	ErrPermission         = errors.New("permission denied")
	ErrIntegrity          = errors.New("vault integrity check failed")
	ErrTerminalState      = errors.New("record is already in a terminal trust state")
	ErrConflict           = errors.New("record was modified concurrently")
	ErrNotTransferable    = errors.New("record is not transferable")
	ErrTransferIncomplete = errors.New("transfer incomplete")
	ErrUnknownTrustLevel  = errors.New("unknown trust level")
	ErrInvariant          = errors.New("record invariant violated")
)
