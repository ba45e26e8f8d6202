package link

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
)

// Frame tags for the length-framed TCP reference transport.
const (
	frameData    = 'D'
	frameControl = 'C'
)

// TCPConn is a reference Conn implementation over a length-framed TCP
// stream. It exists only so internal/transfer and internal/session are
// exercisable end-to-end in tests and the bundled demo command — it is not
// the production BLE driver spec.md §6 assumes.
type TCPConn struct {
	conn    net.Conn
	w       *bufio.Writer
	writeMu sync.Mutex
	logger  *slog.Logger

	mu             sync.Mutex
	controlHandler func(data []byte)
	connHandler    func(connected bool)

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTCPConn wraps conn and starts its inbound read loop.
func NewTCPConn(conn net.Conn, logger *slog.Logger) *TCPConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &TCPConn{
		conn:   conn,
		w:      bufio.NewWriter(conn),
		logger: logger.With("subsystem", "link.tcpconn", "remote", conn.RemoteAddr()),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Notify implements DataNotifier by sending a framed data packet.
func (c *TCPConn) Notify(packet []byte) error {
	return c.writeFrame(frameData, packet)
}

// SetControlHandler implements ControlSource.
func (c *TCPConn) SetControlHandler(handler func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlHandler = handler
}

// SetConnectionHandler implements ConnectionEvents.
func (c *TCPConn) SetConnectionHandler(handler func(connected bool)) {
	c.mu.Lock()
	c.connHandler = handler
	c.mu.Unlock()
	handler(true)
}

// Close tears down the connection and reports a disconnect to the
// registered ConnectionEvents handler.
func (c *TCPConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *TCPConn) writeFrame(tag byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var hdr [3]byte
	hdr[0] = tag
	binary.LittleEndian.PutUint16(hdr[1:3], uint16(len(payload)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("link/tcpconn: write header: %w", err)
	}
	if _, err := c.w.Write(payload); err != nil {
		return fmt.Errorf("link/tcpconn: write payload: %w", err)
	}
	return c.w.Flush()
}

func (c *TCPConn) readLoop() {
	defer c.notifyDisconnected()
	r := bufio.NewReader(c.conn)
	var hdr [3]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if err != io.EOF {
				c.logger.Warn("link read failed", "error", err)
			}
			return
		}
		n := binary.LittleEndian.Uint16(hdr[1:3])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			c.logger.Warn("link read payload failed", "error", err)
			return
		}
		if hdr[0] != frameControl {
			continue
		}
		c.mu.Lock()
		handler := c.controlHandler
		c.mu.Unlock()
		if handler != nil {
			handler(payload)
		}
	}
}

func (c *TCPConn) notifyDisconnected() {
	c.mu.Lock()
	handler := c.connHandler
	c.mu.Unlock()
	if handler != nil {
		handler(false)
	}
}

// DialTCP connects to addr and wraps the connection as a TCPConn, the
// phone-side counterpart of the listener in cmd/reclod.
func DialTCP(addr string, logger *slog.Logger) (*TCPConn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}
	return NewTCPConn(conn, logger), nil
}
