// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package output persists a recording session: the compressed event
// stream, the intern-string dictionary, process-map side tables and
// the session metadata, one directory per session.
package output // import "github.com/miniperf/miniperf/output"

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/miniperf/miniperf/libmp"
)

const (
	eventsFile  = "events.bin"
	stringsFile = "strings.json"
	infoFile    = "info.json"
	procMapFile = "procmap.json"
)

// RecordInfo is the session metadata persisted to info.json.
type RecordInfo struct {
	Scenario  string   `json:"scenario"`
	Command   []string `json:"command,omitempty"`
	CPUFamily string   `json:"cpu_family"`
	CPUVendor string   `json:"cpu_vendor"`
	Counters  []string `json:"counters,omitempty"`
	PIDs      []int    `json:"pids,omitempty"`
}

// ProcMapEntry records one executable mapping observed in the target,
// for the post-processor's symbolizer.
type ProcMapEntry struct {
	Filename string `json:"filename"`
	Address  uint64 `json:"address"`
	Size     uint64 `json:"size"`
	Offset   uint64 `json:"offset"`
	PID      uint32 `json:"pid"`
}

// Writer persists one session. It is single-threaded by contract: only
// the pipeline's writer task calls it.
type Writer struct {
	dir     string
	file    *os.File
	zw      *zstd.Encoder
	scratch []byte

	// procMap has its own lock: entries arrive from the decode task
	// while the writer task owns the event stream.
	procMapMu sync.Mutex
	procMap   map[ProcMapEntry]struct{}
}

// NewWriter creates the session directory (which must not yet contain
// an event stream) and opens the compressed event stream inside it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, eventsFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create event stream: %w", err)
	}
	zw, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	return &Writer{
		dir:     dir,
		file:    file,
		zw:      zw,
		procMap: make(map[ProcMapEntry]struct{}),
	}, nil
}

// WriteEvent appends one event to the stream.
func (w *Writer) WriteEvent(ev *libmp.Event) error {
	w.scratch = ev.AppendBinary(w.scratch[:0])
	return libmp.WriteFrame(w.zw, w.scratch)
}

// AddProcMapEntry records an executable mapping. Duplicates collapse.
func (w *Writer) AddProcMapEntry(entry ProcMapEntry) {
	w.procMapMu.Lock()
	defer w.procMapMu.Unlock()
	w.procMap[entry] = struct{}{}
}

// WriteStrings persists the intern dictionary. Called once at session
// end.
func (w *Writer) WriteStrings(strings map[libmp.EventID]string) error {
	type entry struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}
	entries := make([]entry, 0, len(strings))
	for id, s := range strings {
		entries = append(entries, entry{ID: id.String(), Value: s})
	}
	return w.writeJSON(stringsFile, entries)
}

// WriteInfo persists the session metadata.
func (w *Writer) WriteInfo(info *RecordInfo) error {
	return w.writeJSON(infoFile, info)
}

func (w *Writer) writeJSON(name string, v any) error {
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Close flushes the event stream and the collected side tables, then
// fsyncs. Completion must not be reported before Close returns nil.
func (w *Writer) Close() error {
	entries := make([]ProcMapEntry, 0, len(w.procMap))
	for entry := range w.procMap {
		entries = append(entries, entry)
	}
	if err := w.writeJSON(procMapFile, entries); err != nil {
		return err
	}

	if err := w.zw.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush event stream: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("fsync event stream: %w", err)
	}
	return w.file.Close()
}
