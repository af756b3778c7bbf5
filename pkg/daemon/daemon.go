// Package daemon implements the lowpand daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psaab/lowpand/pkg/api"
	"github.com/psaab/lowpand/pkg/config"
	"github.com/psaab/lowpand/pkg/grpcapi"
	"github.com/psaab/lowpand/pkg/hostif"
	"github.com/psaab/lowpand/pkg/ipv6"
	"github.com/psaab/lowpand/pkg/link/packetsock"
	"github.com/psaab/lowpand/pkg/link/thread"
	"github.com/psaab/lowpand/pkg/logging"
	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/stack"
)

// LinkOpener opens the link carrying an interface.
type LinkOpener func(ic *config.InterfaceConfig) (ipv6.Link, error)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Log is the process log handler; levels and syslog mirroring follow
	// the configuration through it.
	Log *logging.Handler
	// OpenLink replaces the AF_PACKET links, for tests.
	OpenLink LinkOpener
	// NoWatch disables netlink link state tracking.
	NoWatch bool
}

// Daemon is the lowpand daemon.
type Daemon struct {
	opts  Options
	cfg   *config.Config
	stack *stack.Stack
	// ids maps interface names to stack interface ids.
	ids   map[string]int
	links []ipv6.Link
	ready chan struct{}
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = "/etc/lowpand/lowpand.yaml"
	}
	return &Daemon{opts: opts, ids: make(map[string]int), ready: make(chan struct{})}
}

// Stack returns the running stack, or nil before Run has set it up.
func (d *Daemon) Stack() *stack.Stack { return d.stack }

// Ready is closed once every interface is up and the servers started.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting lowpand", "config", d.opts.ConfigFile, "pid", os.Getpid())

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.applyLogging(cfg)

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := d.setup(ctx, cfg); err != nil {
		d.closeLinks()
		return err
	}

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	start("stack", d.stack.Run)
	if cfg.MetricsListen != "" {
		start("api", api.NewServer(api.Config{Addr: cfg.MetricsListen, Stack: d.stack}).Run)
	}
	if cfg.GRPCListen != "" {
		start("grpc", grpcapi.NewServer(cfg.GRPCListen, grpcapi.Config{Stack: d.stack}).Run)
	}
	if !d.opts.NoWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.watchLinks(ctx, cfg)
		}()
	}
	close(d.ready)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-hup:
			if err := d.Reload(ctx); err != nil {
				slog.Warn("reload failed, keeping running configuration", "err", err)
			}
		case err := <-errCh:
			runErr = err
			break loop
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
			break loop
		}
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()
	d.closeLinks()
	logFinalStats(d.stack)
	if d.opts.Log != nil {
		d.opts.Log.Close()
	}

	slog.Info("shutdown complete")
	return runErr
}

// setup builds the stack and brings up every configured interface.
func (d *Daemon) setup(ctx context.Context, cfg *config.Config) error {
	d.cfg = cfg
	d.stack = stack.New(cfg.StackConfig())
	d.stack.OnBootstrapRestart = func(ifID int) {
		slog.Warn("router discovery restarted", "interface", ifID)
	}
	d.stack.OnDuplicate = func(ifID int, addr netip.Addr) {
		slog.Error("address registration refused as duplicate", "interface", ifID, "addr", addr)
	}
	for _, ic := range cfg.Interfaces {
		if err := d.addInterface(ctx, ic); err != nil {
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
	}
	return nil
}

func (d *Daemon) addInterface(ctx context.Context, ic *config.InterfaceConfig) error {
	sc, err := ic.StackInterface()
	if err != nil {
		return err
	}
	l, err := d.openLink(ctx, ic)
	if err != nil {
		return err
	}
	d.links = append(d.links, l)
	sc.Link = l
	if err := d.stack.AddInterface(sc); err != nil {
		return err
	}
	d.ids[ic.Name] = ic.ID
	return nil
}

// openLink opens the interface's link and wraps it for thread-style
// address resolution when configured.
func (d *Daemon) openLink(ctx context.Context, ic *config.InterfaceConfig) (ipv6.Link, error) {
	var l ipv6.Link
	if d.opts.OpenLink != nil {
		var err error
		if l, err = d.opts.OpenLink(ic); err != nil {
			return nil, err
		}
	} else {
		static, err := ic.Neighbors()
		if err != nil {
			return nil, err
		}
		if err := hostif.EnsureUp(ic.Device); err != nil {
			return nil, err
		}
		ep, err := packetsock.Open(packetsock.Config{Device: ic.Device, Static: static})
		if err != nil {
			return nil, err
		}
		l = ep
	}
	if ic.Link != "thread" {
		return l, nil
	}
	server, err := netip.ParseAddrPort(ic.Thread.Server)
	if err != nil {
		closeLink(l)
		return nil, fmt.Errorf("thread server: %w", err)
	}
	id, s := ic.ID, d.stack
	q := &thread.Client{
		Server:  server,
		Timeout: ic.Thread.LeaseTimeout(),
		HWAddr:  net.HardwareAddr(l.LinkAddr().Bytes()),
	}
	return thread.New(l, q, func(addr netip.Addr, lla ndp.LinkAddr) {
		if err := s.Do(ctx, func() { s.LearnNeighbor(id, addr, lla) }); err != nil {
			slog.Debug("thread: resolution dropped", "addr", addr, "err", err)
		}
	}), nil
}

// watchLinks restarts router discovery on interfaces whose device comes
// back up.
func (d *Daemon) watchLinks(ctx context.Context, cfg *config.Config) {
	byDevice := make(map[string]int)
	var names []string
	for _, ic := range cfg.Interfaces {
		byDevice[ic.Device] = ic.ID
		names = append(names, ic.Device)
	}
	err := hostif.Watch(ctx, names, func(info hostif.Info) {
		id := byDevice[info.Name]
		if !info.Up {
			slog.Warn("link down", "device", info.Name, "interface", id)
			return
		}
		if err := d.stack.Do(ctx, func() { d.stack.LinkUp(id) }); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("link up not applied", "device", info.Name, "err", err)
		}
	})
	if err != nil {
		slog.Warn("link state tracking disabled", "err", err)
	}
}

func (d *Daemon) applyLogging(cfg *config.Config) {
	if d.opts.Log == nil {
		return
	}
	name := cfg.LogLevel
	if d.opts.LogLevel != "" {
		name = d.opts.LogLevel
	}
	if lvl, err := config.ParseLevel(name); err == nil {
		d.opts.Log.SetLevel(lvl)
	}
	if err := d.opts.Log.SetSyslog(cfg.Syslog, "lowpand"); err != nil {
		slog.Warn("syslog disabled", "err", err)
	}
}

func (d *Daemon) closeLinks() {
	for _, l := range d.links {
		closeLink(l)
	}
	d.links = nil
}

func closeLink(l ipv6.Link) {
	if c, ok := l.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("closing link", "err", err)
		}
	}
}

func logFinalStats(s *stack.Stack) {
	snap := s.Snapshot()
	slog.Info("final statistics",
		"received", snap.Core.Received,
		"sent", snap.Core.Sent,
		"forwarded", snap.Core.Forwarded,
		"delivered", snap.Core.Delivered,
		"rs_sent", snap.ND.RSSent,
		"ra_received", snap.ND.RAReceived,
		"ra_sent", snap.RA.Sent,
		"uptime", time.Duration(snap.Ticks/stack.TicksPerSecond)*time.Second)
}
