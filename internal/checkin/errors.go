package checkin

import "errors"

var (
	ErrInvalidMinutes = errors.New("postpone minutes out of range")
	ErrPaused         = errors.New("user is paused")
)
