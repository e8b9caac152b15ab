// Copyright The Miniperf Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !amd64 && !arm64 && !riscv64

package pmu // import "github.com/miniperf/miniperf/pmu"

func hostCPUFamily() string {
	return "unknown"
}
