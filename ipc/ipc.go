// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc carries events and intern-string dictionaries between
// the roofline collector runtime inside the target process and the
// profiler. The transport is a unix domain socket with length-prefixed
// frames; the single method is Post(message), fire-and-forget.
package ipc // import "github.com/miniperf/miniperf/ipc"

import (
	"errors"
)

// EnvSocket names the environment variable through which the profiler
// hands the socket path to the collector runtime.
const EnvSocket = "MINIPERF_IPC_SOCKET"

// ErrDisconnect is reported when a producer's connection closes before
// the pass ends. The current pass terminates; partial results are
// kept.
var ErrDisconnect = errors.New("ipc peer disconnected")
