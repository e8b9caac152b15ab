// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package ipc // import "github.com/miniperf/miniperf/ipc"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/miniperf/miniperf/libmp"
	"github.com/miniperf/miniperf/libmp/xsync"
)

// Handler consumes events received over IPC after their string keys
// have been rewritten to session intern ids.
type Handler func(*libmp.Event)

// Server accepts collector-runtime connections and forwards their
// events to the session. Producer-local string keys are remapped to
// the session intern table as IpcString messages arrive.
type Server struct {
	listener net.Listener
	strings  *libmp.StringTable
	handler  Handler

	wg         sync.WaitGroup
	producers  atomic.Uint64
	disconnect atomic.Bool

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	cancel context.CancelFunc
}

// Serve starts listening on the unix socket at path. The handler is
// called from connection goroutines, one per producer; events from one
// producer arrive in FIFO order.
func Serve(ctx context.Context, path string, strings *libmp.StringTable,
	handler Handler) (*Server, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on ipc socket %s: %w", path, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		listener: listener,
		strings:  strings,
		handler:  handler,
		conns:    make(map[net.Conn]struct{}),
		cancel:   cancel,
	}

	go func() {
		<-ctx.Done()
		listener.Close()
		// Unblock connection goroutines parked in ReadFrame.
		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				// Closed by cancellation.
				return
			}
			producerID := s.producers.Add(1)
			s.connsMu.Lock()
			s.conns[conn] = struct{}{}
			s.connsMu.Unlock()
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					s.connsMu.Lock()
					delete(s.conns, conn)
					s.connsMu.Unlock()
				}()
				s.serveConn(ctx, conn, producerID)
			}()
		}
	}()

	return s, nil
}

// serveConn drains one producer connection. A dictionary of the
// producer's local string keys is kept per connection; by the time an
// event references a key, the producer has already posted the
// corresponding IpcString.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, producerID uint64) {
	defer conn.Close()

	dict := xsync.NewRWMutex(make(map[uint64]libmp.EventID))

	var buf []byte
	for {
		payload, err := libmp.ReadFrame(conn, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			// Any other failure mid-stream means the producer died
			// with the pass still running.
			log.Warnf("IPC producer %d dropped: %v", producerID, err)
			s.disconnect.Store(true)
			return
		}
		buf = payload

		msg, err := libmp.DecodeIPCMessage(payload)
		if err != nil {
			log.Warnf("IPC producer %d sent malformed message: %v", producerID, err)
			s.disconnect.Store(true)
			return
		}

		switch {
		case msg.String != nil:
			id := s.strings.Intern(msg.String.Value)
			m := dict.WLock()
			(*m)[msg.String.Key] = id
			dict.WUnlock(&m)
		case msg.Event != nil:
			s.rewriteStringKeys(msg.Event, &dict)
			s.handler(msg.Event)
		}
	}
}

// rewriteStringKeys replaces producer-local string keys inside the
// event with session intern ids. Producer keys travel in the P2 half
// of the id fields with a zero P1.
func (s *Server) rewriteStringKeys(ev *libmp.Event, dict *xsync.RWMutex[map[uint64]libmp.EventID]) {
	m := dict.RLock()
	defer dict.RUnlock(&m)

	lookup := func(id libmp.EventID) libmp.EventID {
		if id.P1 != 0 {
			return id
		}
		if mapped, ok := (*m)[id.P2]; ok {
			return mapped
		}
		return id
	}

	for i := range ev.Callstack {
		if !ev.Callstack[i].Resolved {
			continue
		}
		loc := &ev.Callstack[i].Location
		loc.FunctionName = lookup(loc.FunctionName)
		loc.Filename = lookup(loc.Filename)
	}
	for i := range ev.Metadata {
		ev.Metadata[i].Key = lookup(ev.Metadata[i].Key)
		if ev.Metadata[i].Value.IsString {
			ev.Metadata[i].Value.StringID = lookup(ev.Metadata[i].Value.StringID)
		}
	}
}

// Disconnected reports whether any producer dropped its connection
// uncleanly during the session.
func (s *Server) Disconnected() bool {
	return s.disconnect.Load()
}

// drainGracePeriod is how long Close waits for connected producers to
// reach EOF before cutting them off.
const drainGracePeriod = 5 * time.Second

// Close stops accepting, lets connected producers drain to EOF, and
// waits for the connection goroutines. If a producer died mid-pass or
// outlived the session, ErrDisconnect is returned.
func (s *Server) Close() error {
	s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGracePeriod):
		log.Warnf("IPC producers still connected at session end, disconnecting")
		s.disconnect.Store(true)
		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
		<-done
	}
	s.cancel()

	if s.disconnect.Load() {
		return ErrDisconnect
	}
	return nil
}
