// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/miniperf/miniperf/pmu"

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// hostCPUFamily identifies AArch64 cores from the MIDR fields exposed
// in /proc/cpuinfo.
func hostCPUFamily() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	var implementer, part uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		var target *uint64
		switch key {
		case "CPU implementer":
			target = &implementer
		case "CPU part":
			target = &part
		default:
			continue
		}
		if *target != 0 {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
		if err == nil {
			*target = v
		}
	}

	if implementer == 0x41 { // Arm Ltd.
		switch part {
		case 0xd0c:
			return "neoverse_n1"
		case 0xd40:
			return "neoverse_v1"
		}
	}
	return "unknown"
}
