package domain

import "errors"

var (
	ErrAlreadyConnecting = errors.New("call already connecting to this peer")
	ErrAlreadyConnected  = errors.New("call already connected to this peer")
	ErrPeerNotFound      = errors.New("peer not found in roster")
	ErrSessionNotFound   = errors.New("no session for this peer")
	ErrClientNotFound    = errors.New("client not registered")
	ErrChannelNotOpen    = errors.New("signal channel is not open")
	ErrChannelClosed     = errors.New("signal channel is closed")
	ErrNotRunning        = errors.New("session manager is not running")
	ErrUnknownPayload    = errors.New("unknown envelope payload")
)
