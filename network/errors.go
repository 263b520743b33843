package network

import "errors"

var (
	// ErrSIMPinRequired is returned when the SIM asks for a PIN and none
	// was configured. It is a policy failure and never retried.
	ErrSIMPinRequired = errors.New("SIM PIN required but not configured")

	// ErrSIMState is returned when the SIM reports a state other than
	// READY or SIM PIN, e.g. SIM PUK.
	ErrSIMState = errors.New("unexpected SIM state")

	// ErrRegistrationDenied is returned when the network rejects the
	// registration.
	ErrRegistrationDenied = errors.New("network registration denied")

	// ErrNotStarted is returned when a machine is stepped before an
	// operation was requested.
	ErrNotStarted = errors.New("no operation in progress")

	// ErrNoAddress is returned when the modem reports no PDP address.
	ErrNoAddress = errors.New("no PDP address assigned")
)
