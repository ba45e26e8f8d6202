package session

import (
	"testing"
	"time"

	"github.com/reclo/reclo/internal/chunkstore"
	"github.com/reclo/reclo/internal/retimestamp"
	"github.com/reclo/reclo/internal/timesource"
	"github.com/reclo/reclo/internal/transfer"
)

type fakeConn struct {
	controlHandler func([]byte)
	connHandler    func(bool)
	notified       [][]byte
}

func (f *fakeConn) Notify(packet []byte) error {
	f.notified = append(f.notified, packet)
	return nil
}
func (f *fakeConn) SetControlHandler(h func([]byte))  { f.controlHandler = h }
func (f *fakeConn) SetConnectionHandler(h func(bool)) { f.connHandler = h }

type noOpenFile struct{}

func (noOpenFile) RetimestampOpenFile(uptimeNowS, wallNowS int64) (bool, error) { return false, nil }

func newTestController(t *testing.T) (*Controller, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	store := chunkstore.New(t.TempDir(), nil)
	clock := timesource.NewWithClock(nil, func() int64 { return 0 })
	up := transfer.New(store, conn, transfer.Config{}, nil)
	rt := retimestamp.New(store, clock, noOpenFile{}, nil)
	c := New(conn, store, clock, up, rt, nil)
	return c, conn
}

func TestSessionStartsDisconnected(t *testing.T) {
	c, _ := newTestController(t)
	if c.Connected() {
		t.Error("Connected() = true before any connection event")
	}
}

func TestConnectionHandlerTracksState(t *testing.T) {
	c, conn := newTestController(t)
	conn.connHandler(true)
	if !c.Connected() {
		t.Fatal("expected Connected() true after connHandler(true)")
	}
	conn.connHandler(false)
	if c.Connected() {
		t.Fatal("expected Connected() false after connHandler(false)")
	}
}

func TestRequestUploadRunsBatchWhenConnected(t *testing.T) {
	c, conn := newTestController(t)
	defer c.Close()

	conn.connHandler(true)
	conn.controlHandler([]byte{transfer.CtrlRequestUpload})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(conn.notified) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(conn.notified) == 0 {
		t.Fatal("expected at least an UPLOAD_DONE notification for an empty chunk store")
	}
}

func TestRequestUploadIgnoredWhenDisconnected(t *testing.T) {
	c, conn := newTestController(t)
	defer c.Close()

	conn.controlHandler([]byte{transfer.CtrlRequestUpload})
	time.Sleep(20 * time.Millisecond)
	if c.UploadActive() {
		t.Error("expected no upload to start while disconnected")
	}
}

func TestAckChunkForUnknownChunkIsBenign(t *testing.T) {
	c, conn := newTestController(t)
	defer c.Close()

	conn.connHandler(true)

	buf := make([]byte, 5)
	buf[0] = transfer.CtrlAckChunk
	buf[1], buf[2], buf[3], buf[4] = 0, 0, 0, 7 // ts = 7<<24, unknown chunk: should be swallowed
	conn.controlHandler(buf)
	// No panic / error path is the assertion here: unlinking an unknown
	// chunk is benign per chunkstore.Store.Unlink.
}

func TestAbortClearsUploadActive(t *testing.T) {
	c, conn := newTestController(t)
	defer c.Close()

	conn.connHandler(true)
	conn.controlHandler([]byte{transfer.CtrlAbort})
	if c.UploadActive() {
		t.Error("expected UploadActive() false after ABORT")
	}
}
