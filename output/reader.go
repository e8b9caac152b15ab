// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package output // import "github.com/miniperf/miniperf/output"

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/miniperf/miniperf/libmp"
)

// Reader streams a recorded session back, for the show verb and for
// tests.
type Reader struct {
	dir  string
	file *os.File
	zr   *zstd.Decoder
	buf  []byte
}

// NewReader opens the session recorded in dir.
func NewReader(dir string) (*Reader, error) {
	file, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	zr, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("open zstd stream: %w", err)
	}
	return &Reader{dir: dir, file: file, zr: zr}, nil
}

// Next returns the next event, or io.EOF at the end of the stream.
func (r *Reader) Next() (*libmp.Event, error) {
	payload, err := libmp.ReadFrame(r.zr, r.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	r.buf = payload
	return libmp.DecodeEvent(payload)
}

// Info loads the session metadata.
func (r *Reader) Info() (*RecordInfo, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, infoFile))
	if err != nil {
		return nil, err
	}
	info := &RecordInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil, fmt.Errorf("parse %s: %w", infoFile, err)
	}
	return info, nil
}

// Strings loads the intern dictionary.
func (r *Reader) Strings() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, stringsFile))
	if err != nil {
		return nil, err
	}
	var entries []struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", stringsFile, err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.ID] = e.Value
	}
	return out, nil
}

// Close releases the underlying stream.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.file.Close()
}
