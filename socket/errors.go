package socket

import "errors"

var (
	// ErrNoSocket is returned when neither the modem nor the pool has a
	// free socket id.
	ErrNoSocket = errors.New("no free socket")

	// ErrNotConnected is returned by operations on a stopped client.
	ErrNotConnected = errors.New("socket not connected")

	// ErrConnectFailed is the failure of a connection attempt that was
	// rejected by the modem or the peer.
	ErrConnectFailed = errors.New("socket connect failed")

	// ErrCertUpload is returned when the modem rejects a certificate.
	// It is fatal to the connection attempt.
	ErrCertUpload = errors.New("certificate upload failed")
)
