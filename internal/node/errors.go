package node

import "errors"

// Errors returned by node operations.
var (
	ErrLinkAssociation   = errors.New("link association failed")
	ErrBrokerConnect     = errors.New("broker connect failed")
	ErrAcceptTimeout     = errors.New("broker did not accept connection in time")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrOverflow          = errors.New("buffer capacity exceeded")
	ErrDiscoveryTooLarge = errors.New("discovery document exceeds staging capacity")
	ErrDuplicateCommand  = errors.New("duplicate command name")
	ErrEmptyCommand      = errors.New("empty command name")
)
