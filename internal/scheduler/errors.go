package scheduler

import "errors"

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNoRun           = errors.New("loop has no run function")
)
