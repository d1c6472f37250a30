package repository

import "errors"

var (
	ErrConnectionNotFound       = errors.New("connection not found")
	ErrConnectionRevoked        = errors.New("connection revoked")
	ErrSubscriptionNotFound     = errors.New("webhook subscription not found")
	ErrActiveSubscriptionExists = errors.New("active webhook subscription already exists")
	ErrResourceNotFound         = errors.New("watched resource not found")
	ErrResourceExists           = errors.New("watched resource already exists")
	ErrSyncOperationNotFound    = errors.New("sync operation not found")
	ErrInvalidTransition        = errors.New("sync operation is not in a state that allows this transition")
)
