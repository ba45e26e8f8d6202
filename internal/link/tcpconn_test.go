package link

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestTCPConnDataAndControlRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	device := NewTCPConn(serverConn, nil)
	phone := NewTCPConn(clientConn, nil)

	received := make(chan []byte, 1)
	device.SetControlHandler(func(data []byte) {
		received <- data
	})

	connected := make(chan bool, 1)
	device.SetConnectionHandler(func(c bool) {
		connected <- c
	})
	select {
	case c := <-connected:
		if !c {
			t.Fatal("expected immediate connected=true callback")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial connection callback")
	}

	if err := phone.writeFrame(frameControl, []byte{0x01}); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	select {
	case data := <-received:
		if len(data) != 1 || data[0] != 0x01 {
			t.Errorf("received control data = %v, want [0x01]", data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control data")
	}
}

func TestTCPConnNotifySendsDataFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	device := NewTCPConn(serverConn, nil)
	defer device.Close()

	payload := make([]byte, 244)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- device.Notify(payload) }()

	var hdr [3]byte
	if _, err := clientConn.Read(hdr[:]); err != nil {
		t.Fatalf("reading frame header: %v", err)
	}
	if hdr[0] != frameData {
		t.Errorf("frame tag = %q, want %q", hdr[0], frameData)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("reading frame payload: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestTCPConnCloseNotifiesDisconnect(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	device := NewTCPConn(serverConn, nil)
	connEvents := make(chan bool, 2)
	device.SetConnectionHandler(func(c bool) { connEvents <- c })
	<-connEvents // the immediate connected=true from SetConnectionHandler

	if err := device.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case c := <-connEvents:
		if c {
			t.Error("expected connected=false after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
}
