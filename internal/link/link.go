// Package link defines the narrow seam between the core pipeline and the
// wireless link: a data channel for outbound fixed-size notifications and a
// control channel for inbound short writes, plus connection lifecycle
// events. The real BLE GATT stack (pairing, advertising, MTU negotiation)
// is a separate concern; this package only names the interface the core
// depends on, behind which a production BLE driver or a reference
// transport can sit interchangeably.
package link

// DataNotifier sends one fixed-size data-channel packet to the phone. It
// must return promptly; spec.md §5 allows it to suspend only on the link's
// own backpressure.
type DataNotifier interface {
	Notify(packet []byte) error
}

// ControlSource delivers inbound control-channel writes to a handler. At
// most one handler is registered at a time, mirroring the codec callback
// contract in spec.md §6.
type ControlSource interface {
	SetControlHandler(handler func(data []byte))
}

// ConnectionEvents delivers link up/down transitions to a handler.
type ConnectionEvents interface {
	SetConnectionHandler(handler func(connected bool))
}

// Conn is the full seam a production BLE driver implements and link/tcpconn
// implements for tests and the bundled demo command.
type Conn interface {
	DataNotifier
	ControlSource
	ConnectionEvents
}
