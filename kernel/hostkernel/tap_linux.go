// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package hostkernel

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"kernelnet.dev/kernel"
	"kernelnet.dev/types/logger"
)

// nice values applied to pinned threads.
var niceForPriority = map[kernel.Priority]int{
	kernel.LowPrio:    10,
	kernel.NormalPrio: 0,
	kernel.HighPrio:   -5,
}

type tapFD struct {
	fd int
}

func openTAP(name string, logf logger.Logf) (tapDevice, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	// Flags are documented at https://www.kernel.org/doc/html/latest/networking/tuntap.html
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := setLinkUp(name); err != nil {
		// The interface may be managed elsewhere; frames still flow
		// once someone brings it up.
		logf("bringing %s up: %v", name, err)
	}
	return &tapFD{fd: fd}, nil
}

func setLinkUp(name string) error {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(s)
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(s, unix.SIOCGIFFLAGS, ifr); err != nil {
		return err
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	return unix.IoctlIfreq(s, unix.SIOCSIFFLAGS, ifr)
}

func (t *tapFD) Read(b []byte) (int, error) {
	n, err := unix.Read(t.fd, b)
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	return n, err
}

func (t *tapFD) Write(b []byte) (int, error) {
	return unix.Write(t.fd, b)
}

func (t *tapFD) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(t.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (t *tapFD) Close() error {
	return unix.Close(t.fd)
}

// pinCurrentThread restricts the calling OS thread to core and sets its
// nice value from prio. The caller must have locked the goroutine to
// its thread.
func pinCurrentThread(core int, prio kernel.Priority) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin to core %d: %w", core, err)
	}
	nice, ok := niceForPriority[prio]
	if !ok {
		return fmt.Errorf("unknown priority %v", prio)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		return fmt.Errorf("set %v priority (nice %d): %w", prio, nice, err)
	}
	return nil
}
