// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

//go:build !linux

package hostkernel

import (
	"errors"
	"runtime"

	"kernelnet.dev/kernel"
	"kernelnet.dev/types/logger"
)

func openTAP(name string, logf logger.Logf) (tapDevice, error) {
	return nil, errors.New("TAP devices are not supported on " + runtime.GOOS)
}

func pinCurrentThread(core int, prio kernel.Priority) error { return nil }
