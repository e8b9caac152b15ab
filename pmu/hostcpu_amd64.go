// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

package pmu // import "github.com/miniperf/miniperf/pmu"

import (
	"github.com/klauspost/cpuid/v2"
)

// hostCPUFamily maps the cpuid family/model of the host to a catalog
// family id. The model tables mirror the kernel's perf vendor event
// directories; unknown silicon reports "unknown" and falls back to the
// canonical kernel events only.
func hostCPUFamily() string {
	family := cpuid.CPU.Family
	model := cpuid.CPU.Model

	switch cpuid.CPU.VendorID {
	case cpuid.AMD:
		switch family {
		case 0x17:
			if model < 0x30 {
				return "zen1"
			}
			return "zen2"
		case 0x19:
			switch {
			case model <= 0x0f, model >= 0x20 && model <= 0x5f:
				return "zen3"
			default:
				return "zen4"
			}
		}
	case cpuid.Intel:
		if family != 6 {
			return "unknown"
		}
		switch model {
		case 0x3c, 0x45, 0x46:
			return "haswell"
		case 0x3d, 0x47:
			return "broadwell"
		case 0x4e, 0x5e:
			return "skylake"
		case 0x8e, 0x9e:
			return "kabylake"
		case 0xa5, 0xa6:
			return "cometlake"
		case 0x7e, 0x7d:
			return "icelake"
		case 0x6a, 0x6c:
			return "icx"
		case 0x8c, 0x8d:
			return "tigerlake"
		case 0xa7:
			return "rocketlake"
		case 0x97, 0x9a:
			return "alderlake"
		case 0xb7, 0xba, 0xbf:
			return "raptorlake"
		}
	}
	return "unknown"
}
