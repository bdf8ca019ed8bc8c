package ws

import "errors"

var (
	ErrCreateFailed      = errors.New("create failed")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrUnknownConnection = errors.New("unknown connection")
)
