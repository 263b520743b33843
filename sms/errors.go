package sms

import "errors"

var (
	// ErrInProgress is returned by a non-blocking List while the listing
	// command has not completed yet.
	ErrInProgress = errors.New("listing in progress")

	// ErrNoRecipient is returned when a message has no destination.
	ErrNoRecipient = errors.New("no recipient")

	// ErrNoDraft is returned by EndSMS without a preceding BeginSMS.
	ErrNoDraft = errors.New("no message started")

	// ErrNoReference is returned when the modem accepted a message without
	// reporting its reference number.
	ErrNoReference = errors.New("no message reference")
)
