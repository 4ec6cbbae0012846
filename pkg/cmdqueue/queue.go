// Package cmdqueue batches raw device commands into size-bounded packets.
//
// Commands are queued as opaque byte strings and sent in FIFO order. A flush
// packs consecutive commands greedily into packets of at most MaxPacketBytes
// without ever splitting a single command. Reads go through Queue.Receive,
// which drains the queue first, so a read always observes the effects of every
// write queued before it.
package cmdqueue

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/OpenTraceLab/OpenTraceProg/pkg/toperr"
)

// Conn is the raw packet connection underneath a Queue.
type Conn interface {
	// Send transmits one packet.
	Send(packet []byte) error
	// Receive reads exactly size bytes.
	Receive(size int) ([]byte, error)
}

// Queue is a FIFO of not yet transmitted commands.
type Queue struct {
	conn           Conn
	maxPacketBytes int
	synchronous    bool
	sleep          func(time.Duration)

	commands [][]byte
	failed   bool // commands are the remainder of a failed send
}

// Option configures a Queue.
type Option func(*Queue)

// WithSynchronous disables batching: every command is sent as soon as it is
// queued. Slow, but useful when debugging a chip algorithm.
func WithSynchronous(sync bool) Option {
	return func(q *Queue) {
		q.synchronous = sync
	}
}

// WithSleeper replaces time.Sleep for host-side pacing.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(q *Queue) {
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

// New creates a queue sending through conn with packets of at most
// maxPacketBytes.
func New(conn Conn, maxPacketBytes int, opts ...Option) *Queue {
	if conn == nil {
		panic("cmdqueue: conn cannot be nil")
	}
	if maxPacketBytes <= 0 {
		panic(fmt.Sprintf("cmdqueue: invalid packet size %d", maxPacketBytes))
	}
	q := &Queue{
		conn:           conn,
		maxPacketBytes: maxPacketBytes,
		sleep:          time.Sleep,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxPacketBytes returns the packet size limit.
func (q *Queue) MaxPacketBytes() int {
	return q.maxPacketBytes
}

// Synchronous reports whether batching is disabled.
func (q *Queue) Synchronous() bool {
	return q.synchronous
}

// Pending returns the number of queued, unsent commands.
func (q *Queue) Pending() int {
	return len(q.commands)
}

// SendFailed reports whether the queued commands are left over from a failed
// send. It is cleared by a successful flush or by Discard.
func (q *Queue) SendFailed() bool {
	return q.failed
}

// QueueCommand appends a copy of command to the queue, or sends it right away
// in synchronous mode.
func (q *Queue) QueueCommand(command []byte) error {
	if len(command) > q.maxPacketBytes {
		return toperr.Protocol("queue command",
			fmt.Errorf("command of %d bytes exceeds packet size %d", len(command), q.maxPacketBytes))
	}
	if len(command) == 0 {
		return nil
	}
	if q.synchronous {
		return q.conn.Send(command)
	}
	q.commands = append(q.commands, append([]byte(nil), command...))
	return nil
}

// FlushCommands sends every queued command, packed into as few packets as
// possible, then sleeps for sleep if it is positive.
//
// If a send fails, the commands of the failed packet and everything behind it
// stay queued and the error is returned. Discard drops them.
func (q *Queue) FlushCommands(sleep time.Duration) error {
	var packet []byte
	start := 0 // index of the first command in packet
	for i, cmd := range q.commands {
		if len(packet)+len(cmd) > q.maxPacketBytes {
			if err := q.conn.Send(packet); err != nil {
				q.commands = q.commands[start:]
				q.failed = true
				return err
			}
			packet = nil
			start = i
		}
		packet = append(packet, cmd...)
	}
	if len(packet) > 0 {
		if err := q.conn.Send(packet); err != nil {
			q.commands = q.commands[start:]
			q.failed = true
			return err
		}
	}
	q.commands = nil
	q.failed = false

	if sleep > 0 {
		q.sleep(sleep)
	}
	return nil
}

// RunCommandSync isolates command in its own packet and sends it before
// returning.
func (q *Queue) RunCommandSync(command []byte) error {
	if err := q.FlushCommands(0); err != nil {
		return err
	}
	if err := q.QueueCommand(command); err != nil {
		return err
	}
	return q.FlushCommands(0)
}

// Receive flushes pending commands and then reads size bytes.
func (q *Queue) Receive(size int) ([]byte, error) {
	if err := q.FlushCommands(0); err != nil {
		return nil, err
	}
	return q.conn.Receive(size)
}

// Discard drops all unsent commands and returns how many were dropped.
func (q *Queue) Discard() int {
	n := len(q.commands)
	if n > 0 {
		glog.Warningf("cmdqueue: discarding %d unsent command(s)", n)
	}
	q.commands = nil
	q.failed = false
	return n
}
