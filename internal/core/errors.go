package core

import "errors"

var (
	ErrInvalidTime  = errors.New("invalid time")
	ErrNoSeverities = errors.New("no severities")
	ErrNoRecipients = errors.New("no recipients")
	ErrNoSchedule   = errors.New("no schedule")
	ErrNotFound     = errors.New("not found")
)
