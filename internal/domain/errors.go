package domain

import "errors"

var (
	ErrWidgetNotFound     = errors.New("widget not found")
	ErrNoCollector        = errors.New("no collector registered for widget type")
	ErrCapacityExceeded   = errors.New("connection capacity exceeded")
	ErrInvalidToken       = errors.New("invalid token")
	ErrCollectorTimeout   = errors.New("timeout")
)
