// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package libmp // import "github.com/miniperf/miniperf/libmp"

import (
	"strconv"

	"github.com/zeebo/xxh3"
)

// CorrelationID derives the id that links events across recording
// passes describing the same source location. It is a stable hash of
// the (file, line, function) triple: both the PMU pass and the
// instrumented pass compute it independently, so merging needs no
// on-disk state.
func CorrelationID(file string, line uint32, function string) EventID {
	buf := make([]byte, 0, len(file)+len(function)+16)
	buf = append(buf, file...)
	buf = append(buf, ':')
	buf = strconv.AppendUint(buf, uint64(line), 10)
	buf = append(buf, ':')
	buf = append(buf, function...)

	h := xxh3.Hash128(buf)
	return EventID{P1: h.Hi, P2: h.Lo}
}
