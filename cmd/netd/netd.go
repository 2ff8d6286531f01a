// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The netd command runs the network polling daemon.
//
// With -kernel=sim it runs two simulated nodes on one wire: node a
// answers UDP echo on port 7 and node b sends it datagrams. With
// -kernel=host it serves a Linux TAP device, answering ARP and ICMP
// echo for -ip.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"kernelnet.dev/envknob"
	"kernelnet.dev/kernel"
	"kernelnet.dev/kernel/hostkernel"
	"kernelnet.dev/kernel/simkernel"
	"kernelnet.dev/netd"
	"kernelnet.dev/netif"
	"kernelnet.dev/procenv"
	"kernelnet.dev/types/logger"
)

const echoPort = 7

type config struct {
	kernel      string
	tap         string
	ip          netip.Addr
	gateway     netip.Addr
	mac         net.HardwareAddr
	core        int
	busyPoll    bool
	metricsAddr string
	pcap        string
	count       int
	verbose     bool
	debug       bool
}

func parseFlags(args []string) (*config, error) {
	fs := flag.NewFlagSet("netd", flag.ContinueOnError)
	var (
		kernelName  = fs.String("kernel", "sim", "kernel to run on: sim or host")
		tap         = fs.String("tap", "netd0", "TAP interface name (host kernel)")
		ip          = fs.String("ip", "10.0.5.2", "IPv4 address of the stack")
		gateway     = fs.String("gateway", "10.0.5.1", "IPv4 default gateway")
		mac         = fs.String("mac", "", "hardware address; empty derives one from -ip")
		core        = fs.Int("core", 0, "CPU core the daemon thread is pinned to")
		busyPoll    = fs.Bool("busy-poll", false, "never wait between polls (host kernel)")
		metricsAddr = fs.String("metrics-addr", "", "if non-empty, serve Prometheus metrics on this address")
		pcap        = fs.String("pcap", "", "if non-empty, write a pcap capture of the simulated wire to this file")
		count       = fs.Int("count", 5, "datagrams node b sends (sim kernel); 0 sends until interrupted")
		verbose     = fs.Bool("verbose", false, "log at debug level")
		debug       = fs.Bool("debug", false, "log every frame and poll cycle (sets NETD_DEBUG_PACKETS and NETD_DEBUG_POLL)")
	)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("NETD")); err != nil {
		return nil, err
	}
	cfg := &config{
		kernel:      *kernelName,
		tap:         *tap,
		core:        *core,
		busyPoll:    *busyPoll,
		metricsAddr: *metricsAddr,
		pcap:        *pcap,
		count:       *count,
		verbose:     *verbose,
		debug:       *debug,
	}
	var err error
	if cfg.ip, err = netip.ParseAddr(*ip); err != nil || !cfg.ip.Is4() {
		return nil, fmt.Errorf("invalid -ip %q", *ip)
	}
	if cfg.gateway, err = netip.ParseAddr(*gateway); err != nil || !cfg.gateway.Is4() {
		return nil, fmt.Errorf("invalid -gateway %q", *gateway)
	}
	if *mac != "" {
		if cfg.mac, err = net.ParseMAC(*mac); err != nil || len(cfg.mac) != 6 {
			return nil, fmt.Errorf("invalid -mac %q", *mac)
		}
	}
	switch cfg.kernel {
	case "sim", "host":
	default:
		return nil, fmt.Errorf("unknown -kernel %q", cfg.kernel)
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := zap.InfoLevel
	if cfg.verbose {
		level = zap.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	zlog := zap.Must(zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig:    encoderCfg,
	}.Build()).Sugar()
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal(err.Error())
	}
}

func run(cfg *config, zlog *zap.SugaredLogger) error {
	logf := logger.Logf(zlog.Infof)
	if cfg.debug {
		envknob.Setenv("NETD_DEBUG_PACKETS", "true")
		envknob.Setenv("NETD_DEBUG_POLL", "true")
	}
	if cfg.verbose {
		envknob.LogCurrent(zlog.Debugf)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	if cfg.metricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger.StdLogger(logger.WithPrefix(logf, "metrics: ")),
		}
		group.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		logf("serving metrics on %s", cfg.metricsAddr)
	}

	switch cfg.kernel {
	case "host":
		runHost(ctx, group, cfg, reg, logf)
	case "sim":
		if err := runSim(ctx, group, cfg, reg, logf, cancel); err != nil {
			cancel()
			group.Wait()
			return err
		}
	}
	return group.Wait()
}

// startDaemon starts a daemon on k and arranges for it to stop when ctx
// is done.
func startDaemon(ctx context.Context, group *errgroup.Group, k kernel.Kernel, opts netd.Options) (*netd.Daemon, error) {
	d, err := netd.Start(k, opts)
	if err != nil {
		return nil, err
	}
	group.Go(func() error {
		select {
		case <-ctx.Done():
		case <-d.Done():
		}
		return d.Close()
	})
	return d, nil
}

func runHost(ctx context.Context, group *errgroup.Group, cfg *config, reg prometheus.Registerer, logf logger.Logf) {
	hk := hostkernel.New(hostkernel.Config{
		Logf:     logf,
		TAP:      cfg.tap,
		IP:       cfg.ip,
		Gateway:  cfg.gateway,
		MAC:      cfg.mac,
		BusyPoll: cfg.busyPoll,
	})
	group.Go(func() error {
		d, err := startDaemon(ctx, group, hk, netd.Options{
			Logf:    logf,
			Core:    cfg.core,
			Metrics: reg,
		})
		if err != nil {
			return err
		}
		if err := d.WaitReady(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("daemon on %s: %w", cfg.tap, err)
		}
		<-ctx.Done()
		return hk.Close()
	})
}

// runSim starts two simulated nodes and the echo traffic between them.
// stop is called once node b has sent all its datagrams.
func runSim(ctx context.Context, group *errgroup.Group, cfg *config, reg prometheus.Registerer, logf logger.Logf, stop func()) error {
	peerIP := cfg.ip.Next()
	if peerIP == cfg.gateway {
		peerIP = peerIP.Next()
	}

	optsA := simkernel.Options{
		Logf:    logger.WithPrefix(logf, "a: "),
		IP:      cfg.ip,
		Gateway: cfg.gateway,
		MAC:     cfg.mac,
	}
	if cfg.pcap != "" {
		f, err := os.Create(cfg.pcap)
		if err != nil {
			return err
		}
		group.Go(func() error {
			<-ctx.Done()
			return f.Close()
		})
		optsA.Pcap = f
	}
	a := simkernel.New(optsA)
	b := simkernel.New(simkernel.Options{
		Logf:    logger.WithPrefix(logf, "b: "),
		IP:      peerIP,
		Gateway: cfg.gateway,
	})
	if err := simkernel.Connect(a, b); err != nil {
		return err
	}

	penv, err := procenv.New(a, os.Args)
	if err != nil {
		return err
	}
	for k, v := range map[string]string{"NODE_A": cfg.ip.String(), "NODE_B": peerIP.String()} {
		if err := penv.Env.Setenv(k, v); err != nil {
			return err
		}
	}
	logf("sim: %s (args %q)", strings.Join(penv.Env.Environ(), " "), penv.Args())

	da, err := startDaemon(ctx, group, a, netd.Options{
		Logf:    logger.WithPrefix(logf, "a: "),
		Core:    cfg.core,
		Metrics: prometheus.WrapRegistererWith(prometheus.Labels{"node": "a"}, reg),
		Setup: func(iface *netif.Interface, set *netif.SocketSet) error {
			conn, _, err := iface.ListenUDP(set, echoPort)
			if err != nil {
				return err
			}
			go serveEcho(conn, logger.WithPrefix(logf, "a: echo: "))
			return nil
		},
	})
	if err != nil {
		return err
	}
	db, err := startDaemon(ctx, group, b, netd.Options{
		Logf:    logger.WithPrefix(logf, "b: "),
		Core:    cfg.core,
		Metrics: prometheus.WrapRegistererWith(prometheus.Labels{"node": "b"}, reg),
	})
	if err != nil {
		return err
	}

	group.Go(func() error {
		for _, d := range []*netd.Daemon{da, db} {
			if err := d.WaitReady(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		err := sendEchoes(ctx, db, netip.AddrPortFrom(cfg.ip, echoPort), cfg.count, logger.WithPrefix(logf, "b: "))
		stop()
		return err
	})
	return nil
}

// serveEcho writes every datagram back to its sender until conn is
// closed.
func serveEcho(conn net.PacketConn, logf logger.Logf) {
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if _, err := conn.WriteTo(buf[:n], from); err != nil {
			logf("reply to %v: %v", from, err)
		}
	}
}

// sendEchoes sends count datagrams to dst from the daemon's stack, one
// per second, and logs each reply. A count of zero sends until ctx is
// done.
func sendEchoes(ctx context.Context, d *netd.Daemon, dst netip.AddrPort, count int, logf logger.Logf) error {
	conn, _, err := d.Interface().DialUDP(d.Sockets(), 0, dst)
	if err != nil {
		return err
	}
	buf := make([]byte, 1500)
	for i := 1; count == 0 || i <= count; i++ {
		msg := fmt.Sprintf("echo %d", i)
		start := time.Now()
		conn.SetDeadline(start.Add(time.Second))
		if _, err := conn.Write([]byte(msg)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		switch {
		case err != nil:
			logf("%s: no reply: %v", msg, err)
		default:
			logf("%s: reply %q from %v in %v", msg, buf[:n], dst, time.Since(start).Round(time.Microsecond))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
	logf("done after %d datagrams", count)
	return nil
}
