package cmdqueue

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

// recordingConn logs every call in order.
type recordingConn struct {
	events  []string
	packets [][]byte
	reads   []int

	failSendAt int // 1-based send index to fail, 0 = never
	sends      int
}

func (c *recordingConn) Send(packet []byte) error {
	c.sends++
	if c.failSendAt != 0 && c.sends == c.failSendAt {
		return toperr.Transport("usb bulk write", errors.New("pipe error"))
	}
	c.events = append(c.events, "send")
	c.packets = append(c.packets, append([]byte(nil), packet...))
	return nil
}

func (c *recordingConn) Receive(size int) ([]byte, error) {
	c.events = append(c.events, "receive")
	c.reads = append(c.reads, size)
	return make([]byte, size), nil
}

func (c *recordingConn) wire() []byte {
	return bytes.Join(c.packets, nil)
}

func randomCommands(r *rand.Rand, n, max int) [][]byte {
	cmds := make([][]byte, n)
	for i := range cmds {
		cmd := make([]byte, 1+r.Intn(max))
		r.Read(cmd)
		cmds[i] = cmd
	}
	return cmds
}

func TestFlushPackingInvariants(t *testing.T) {
	r := rand.New(rand.NewSource(2049))
	for round := 0; round < 50; round++ {
		conn := &recordingConn{}
		q := New(conn, 64)

		cmds := randomCommands(r, 1+r.Intn(40), 64)
		var want []byte
		for _, c := range cmds {
			if err := q.QueueCommand(c); err != nil {
				t.Fatalf("QueueCommand: %v", err)
			}
			want = append(want, c...)
		}
		if err := q.FlushCommands(0); err != nil {
			t.Fatalf("FlushCommands: %v", err)
		}

		if got := conn.wire(); !bytes.Equal(got, want) {
			t.Fatalf("round %d: wire bytes differ from queued commands", round)
		}
		for i, p := range conn.packets {
			if len(p) > 64 {
				t.Fatalf("round %d: packet %d is %d bytes", round, i, len(p))
			}
		}

		// Every packet boundary must fall on a command boundary.
		boundaries := map[int]bool{0: true}
		off := 0
		for _, c := range cmds {
			off += len(c)
			boundaries[off] = true
		}
		off = 0
		for i, p := range conn.packets {
			if !boundaries[off] {
				t.Fatalf("round %d: packet %d starts inside a command", round, i)
			}
			off += len(p)
		}
		if q.Pending() != 0 {
			t.Fatalf("queue not drained: %d pending", q.Pending())
		}
	}
}

func TestFlushIsGreedy(t *testing.T) {
	conn := &recordingConn{}
	q := New(conn, 8)
	for _, c := range [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8}, {9}} {
		if err := q.QueueCommand(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := q.FlushCommands(0); err != nil {
		t.Fatal(err)
	}
	want := [][]byte{{1, 2, 3, 4, 5, 6, 7, 8}, {9}}
	if len(conn.packets) != len(want) {
		t.Fatalf("got %d packets, want %d", len(conn.packets), len(want))
	}
	for i := range want {
		if !bytes.Equal(conn.packets[i], want[i]) {
			t.Errorf("packet %d = % X, want % X", i, conn.packets[i], want[i])
		}
	}
}

func TestOversizedCommand(t *testing.T) {
	conn := &recordingConn{}
	q := New(conn, 4)
	err := q.QueueCommand([]byte{1, 2, 3, 4, 5})
	if !errors.Is(err, toperr.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if q.Pending() != 0 || len(conn.packets) != 0 {
		t.Fatalf("oversized command must not be queued or sent")
	}
}

func TestReceiveForcesFlush(t *testing.T) {
	conn := &recordingConn{}
	q := New(conn, 64)
	for i := 0; i < 5; i++ {
		if err := q.QueueCommand([]byte{0x0A, byte(i), 0xFF}); err != nil {
			t.Fatal(err)
		}
	}
	if len(conn.events) != 0 {
		t.Fatalf("queued commands must not be sent before a flush")
	}

	if _, err := q.Receive(64); err != nil {
		t.Fatal(err)
	}
	if len(conn.events) != 2 || conn.events[0] != "send" || conn.events[1] != "receive" {
		t.Fatalf("call order = %v, want [send receive]", conn.events)
	}
	if len(conn.wire()) != 15 {
		t.Fatalf("not all writes were sent before the read")
	}
}

func TestSynchronousEquivalence(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	cmds := randomCommands(r, 30, 64)

	syncConn := &recordingConn{}
	sq := New(syncConn, 64, WithSynchronous(true))
	batchConn := &recordingConn{}
	bq := New(batchConn, 64)

	for _, c := range cmds {
		if err := sq.QueueCommand(c); err != nil {
			t.Fatal(err)
		}
		if err := bq.QueueCommand(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := bq.FlushCommands(0); err != nil {
		t.Fatal(err)
	}

	if len(syncConn.packets) != len(cmds) {
		t.Fatalf("synchronous mode sent %d packets for %d commands", len(syncConn.packets), len(cmds))
	}
	if !bytes.Equal(syncConn.wire(), batchConn.wire()) {
		t.Fatalf("synchronous and batched wire bytes differ")
	}
}

func TestEmptyFlush(t *testing.T) {
	conn := &recordingConn{}
	slept := time.Duration(0)
	q := New(conn, 64, WithSleeper(func(d time.Duration) { slept += d }))
	for i := 0; i < 3; i++ {
		if err := q.FlushCommands(0); err != nil {
			t.Fatal(err)
		}
	}
	if len(conn.events) != 0 {
		t.Fatalf("empty flush performed %d transport calls", len(conn.events))
	}
	if err := q.FlushCommands(200 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if slept != 200*time.Millisecond {
		t.Fatalf("slept %v, want 200ms", slept)
	}
}

func TestRunCommandSyncIsolatesCommand(t *testing.T) {
	conn := &recordingConn{}
	q := New(conn, 64)
	_ = q.QueueCommand([]byte{0x01})
	_ = q.QueueCommand([]byte{0x02})
	if err := q.RunCommandSync([]byte{0x0E, 0x21, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}
	_ = q.QueueCommand([]byte{0x03})
	if err := q.FlushCommands(0); err != nil {
		t.Fatal(err)
	}

	want := [][]byte{{0x01, 0x02}, {0x0E, 0x21, 0x00, 0x00}, {0x03}}
	if len(conn.packets) != len(want) {
		t.Fatalf("got %d packets, want %d", len(conn.packets), len(want))
	}
	for i := range want {
		if !bytes.Equal(conn.packets[i], want[i]) {
			t.Errorf("packet %d = % X, want % X", i, conn.packets[i], want[i])
		}
	}
}

func TestFlushFailureKeepsUnsentCommands(t *testing.T) {
	conn := &recordingConn{failSendAt: 2}
	q := New(conn, 4)
	for _, c := range [][]byte{{1, 1, 1}, {2, 2, 2}, {3, 3}, {4, 4}} {
		if err := q.QueueCommand(c); err != nil {
			t.Fatal(err)
		}
	}

	err := q.FlushCommands(0)
	if !errors.Is(err, toperr.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if len(conn.packets) != 1 {
		t.Fatalf("expected one successful packet, got %d", len(conn.packets))
	}
	if q.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", q.Pending())
	}
	if !q.SendFailed() {
		t.Errorf("SendFailed = false after a failed flush")
	}

	// A retry resumes in order with the failed packet.
	if err := q.FlushCommands(0); err != nil {
		t.Fatal(err)
	}
	if q.SendFailed() {
		t.Errorf("SendFailed still set after a successful flush")
	}
	if got := conn.wire(); !bytes.Equal(got, []byte{1, 1, 1, 2, 2, 2, 3, 3, 4, 4}) {
		t.Fatalf("wire after retry = % X", got)
	}

	_ = q.QueueCommand([]byte{5})
	if q.SendFailed() {
		t.Errorf("freshly queued command reported as failed")
	}
	if n := q.Discard(); n != 1 || q.Pending() != 0 {
		t.Fatalf("Discard = %d, pending %d", n, q.Pending())
	}
}

func TestQueueCopiesCommand(t *testing.T) {
	conn := &recordingConn{}
	q := New(conn, 64)
	cmd := []byte{0x10, 0xAA}
	_ = q.QueueCommand(cmd)
	cmd[1] = 0x55
	_ = q.FlushCommands(0)
	if conn.packets[0][1] != 0xAA {
		t.Fatalf("queued command was mutated after QueueCommand")
	}
}
