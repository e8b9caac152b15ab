// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/miniperf/miniperf/pmu"

import (
	"bufio"
	"os"
	"strings"
)

// hostCPUFamily identifies RISC-V cores from /proc/cpuinfo. There is no
// cpuid equivalent; marchid disambiguates the vendor microarchitecture,
// with the uarch line as a fallback for cores that share a generic
// marchid.
func hostCPUFamily() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "unknown"
	}
	defer f.Close()

	var marchid, uarch string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "marchid":
			if marchid == "" {
				marchid = value
			}
		case "uarch":
			if uarch == "" {
				uarch = value
			}
		}
	}

	switch marchid {
	case "0x8000000000000007":
		// Shared by the SiFive 7-series (U7/E7/S7).
		return "sifive_u7"
	}
	if strings.Contains(uarch, "x60") {
		return "spacemit_x60"
	}
	return "unknown"
}
