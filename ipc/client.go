// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "github.com/miniperf/miniperf/ipc"

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/miniperf/miniperf/libmp"
)

// Client is the producer side of the transport, used by the collector
// runtime inside the target process. Callers enqueue messages from any
// thread; a dedicated sender goroutine owns the connection.
type Client struct {
	conn net.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*libmp.IPCMessage
	closed bool

	done chan struct{}
}

// queueHighWater bounds the send queue. Post drops messages beyond it
// rather than stalling an instrumented loop on a slow consumer.
const queueHighWater = 65536

// Dial connects to the profiler's socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial ipc socket %s: %w", path, err)
	}
	c := &Client{
		conn: conn,
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.sender()
	return c, nil
}

// Post enqueues one message. Fire-and-forget: delivery is at-least-
// once within a session as long as the connection survives. A send
// failure is logged and stops the sender; later messages are dropped,
// and Close does not report the failure.
func (c *Client) Post(msg *libmp.IPCMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.queue) >= queueHighWater {
		log.Warnf("IPC send queue full, dropping message")
		return
	}
	c.queue = append(c.queue, msg)
	c.cond.Signal()
}

// PostEvent is shorthand for posting an event message.
func (c *Client) PostEvent(ev *libmp.Event) {
	c.Post(&libmp.IPCMessage{Event: ev})
}

// PostString publishes one intern-dictionary entry.
func (c *Client) PostString(key uint64, value string) {
	c.Post(&libmp.IPCMessage{String: &libmp.IPCString{Key: key, Value: value}})
}

func (c *Client) sender() {
	defer close(c.done)

	var scratch []byte
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		batch := c.queue
		c.queue = nil
		closed := c.closed
		c.mu.Unlock()

		for _, msg := range batch {
			payload, err := msg.AppendBinary(scratch[:0])
			if err != nil {
				log.Warnf("Failed to encode ipc message: %v", err)
				continue
			}
			scratch = payload
			if err := libmp.WriteFrame(c.conn, payload); err != nil {
				log.Warnf("IPC send failed: %v", err)
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				return
			}
		}
		if closed {
			return
		}
	}
}

// Close flushes the queue and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Signal()
	c.mu.Unlock()
	<-c.done
	return c.conn.Close()
}
