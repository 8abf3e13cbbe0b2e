package sensor

import "errors"

// Error exposes methods useful for categorizing transport and registry errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition, such as a
	// peripheral that is out of range or busy serving another central.
	Temporary() bool
}

var (
	// ErrUnknownDevice indicates an operation referenced a device id that is in neither the
	// discovered nor the connected set.
	ErrUnknownDevice = NewError("device is not known to the registry", false)
	// ErrTransportUnavailable indicates an adapter could not be started, typically because the
	// radio hardware is missing or the process lacks permission to use it.
	ErrTransportUnavailable = NewError("transport unavailable", false)
	// ErrNotConnected indicates a disconnect or write was requested for an idle device.
	ErrNotConnected = NewError("device not connected", false)
	// ErrAdapterClosed indicates the adapter has been shut down.
	ErrAdapterClosed = NewError("adapter closed", false)
	// ErrConnectTimeout indicates the peripheral did not complete the handshake in time.
	ErrConnectTimeout = NewError("timed out connecting to device", true)
	// ErrNoAdapter indicates no adapter is registered for a device's protocol.
	ErrNoAdapter = errors.New("no adapter registered for protocol")
)

type TransportError struct {
	Err               error
	PossibleTemporary bool
}

func NewError(message string, temporary bool) error {
	return &TransportError{Err: errors.New(message), PossibleTemporary: temporary}
}

func (e *TransportError) Error() string {
	return e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.PossibleTemporary
}

// Temporary returns true if err is an Error that indicates the failure was possibly transient and
// the operation may succeed if retried.
func Temporary(err error) bool {
	var sensorErr Error
	if errors.As(err, &sensorErr) {
		return sensorErr.Temporary()
	}
	return false
}
