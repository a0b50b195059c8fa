package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/srediag/xshm/adapter"
	"github.com/srediag/xshm/api"
	"github.com/srediag/xshm/internal/transport"
	"github.com/srediag/xshm/pkg/shm"
	"github.com/srediag/xshm/pkg/xshm"
)

const (
	allocatorSysV = "sysv"
	allocatorHeap = "heap"
)

type demoConfig struct {
	Allocator       string
	SegmentSize     uint64
	Segments        int
	Rounds          int
	Width, Height   int
	Depth           int
	Workers         int
	CheckHostMemory bool
	MetricsListen   string
	LogLevel        int
	StuckThreshold  time.Duration
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.IBytes(n), " ", "")
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "xshmdemo",
		Short:         "Exercise shared memory image transfers against a loopback server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("allocator", allocatorSysV, "segment allocator: sysv or heap")
	flags.Int("log-level", xshm.LevelWarn, "core log level, 0 (trace) to 5 (silent)")
	flags.Bool("check-host-memory", false, "reject segments larger than the host's available memory")

	bindFlags := func(cmd *cobra.Command, names ...string) {
		for _, name := range names {
			flag := cmd.Flags().Lookup(name)
			if flag == nil {
				flag = cmd.PersistentFlags().Lookup(name)
			}
			if flag == nil {
				panic(fmt.Sprintf("flag %q not found", name))
			}
			if err := v.BindPFlag(name, flag); err != nil {
				panic(err)
			}
		}
	}

	v.SetEnvPrefix("XSHM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	bindFlags(root, "allocator", "log-level", "check-host-memory")

	runCmd := newRunCommand(v)
	bindFlags(runCmd, "segment-size", "segments", "rounds", "width", "height", "depth", "workers", "metrics-listen", "stuck-threshold")
	root.AddCommand(runCmd, newCapsCommand(v))
	return root
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach segments and run put/get round trips through them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	flags := cmd.Flags()
	flags.String("segment-size", humanizeBytes(1<<20), "size of each segment (e.g. 4MiB)")
	flags.Int("segments", 2, "number of segments driven concurrently")
	flags.Int("rounds", 16, "put/get round trips per segment")
	flags.Int("width", 128, "image width in pixels")
	flags.Int("height", 128, "image height in pixels")
	flags.Int("depth", 24, "image depth in bits")
	flags.Int("workers", xshm.DefaultConfig().CallbackWorkers, "completion callback workers")
	flags.String("metrics-listen", "", "serve /metrics, /live and /ready on this address while running")
	flags.Duration("stuck-threshold", xshm.DefaultConfig().StuckThreshold, "report operations pending longer than this")
	return cmd
}

func newCapsCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Print the capabilities the loopback server advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			srv, err := transport.NewLoopback(transport.Options{Allocator: newAllocator(cfg.Allocator)})
			if err != nil {
				return err
			}
			defer srv.Disconnect()
			caps, err := xshm.Negotiate(cmd.Context(), srv)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "version:         %d.%d\n", caps.Major, caps.Minor)
			fmt.Fprintf(out, "max segment:     %s\n", humanizeBytes(caps.MaxSegmentSize))
			fmt.Fprintf(out, "writable attach: %t\n", caps.WritableAttach)
			fmt.Fprintf(out, "shared pixmaps:  %t\n", caps.SharedPixmaps)
			return nil
		},
	}
}

func loadConfig(v *viper.Viper) (demoConfig, error) {
	cfg := demoConfig{
		Allocator:       strings.ToLower(strings.TrimSpace(v.GetString("allocator"))),
		Segments:        v.GetInt("segments"),
		Rounds:          v.GetInt("rounds"),
		Width:           v.GetInt("width"),
		Height:          v.GetInt("height"),
		Depth:           v.GetInt("depth"),
		Workers:         v.GetInt("workers"),
		CheckHostMemory: v.GetBool("check-host-memory"),
		MetricsListen:   strings.TrimSpace(v.GetString("metrics-listen")),
		LogLevel:        v.GetInt("log-level"),
		StuckThreshold:  v.GetDuration("stuck-threshold"),
	}
	switch cfg.Allocator {
	case allocatorSysV, allocatorHeap:
	default:
		return cfg, fmt.Errorf("unknown allocator %q (want %s or %s)", cfg.Allocator, allocatorSysV, allocatorHeap)
	}
	if raw := strings.TrimSpace(v.GetString("segment-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("segment-size: %w", err)
		}
		cfg.SegmentSize = size
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > 1<<15 || cfg.Height > 1<<15 {
		return cfg, fmt.Errorf("image %dx%d out of range", cfg.Width, cfg.Height)
	}
	if cfg.Depth <= 0 || cfg.Depth > 32 {
		return cfg, fmt.Errorf("depth %d out of range", cfg.Depth)
	}
	if cfg.Segments <= 0 || cfg.Rounds < 0 {
		return cfg, errors.New("segments must be positive and rounds non-negative")
	}
	return cfg, nil
}

func newAllocator(name string) shm.Allocator {
	if name == allocatorHeap {
		return shm.HeapAllocator(0)
	}
	return shm.SystemAllocator()
}

func runDemo(ctx context.Context, cfg demoConfig, out io.Writer) error {
	xshm.SetLogLevel(cfg.LogLevel)
	alloc := newAllocator(cfg.Allocator)
	srv, err := transport.NewLoopback(transport.Options{Allocator: alloc})
	if err != nil {
		return err
	}
	defer srv.Disconnect()
	caps, err := xshm.Negotiate(ctx, srv)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	otelObserver, err := adapter.NewOTelObserver(nil, nil)
	if err != nil {
		return err
	}
	config := xshm.DefaultConfig()
	config.Allocator = alloc
	config.Registerer = reg
	config.CallbackWorkers = cfg.Workers
	config.CheckHostMemory = cfg.CheckHostMemory
	config.StuckThreshold = cfg.StuckThreshold
	config.Observers = []xshm.Observer{otelObserver}
	d, err := xshm.NewDisplay(srv, caps, config)
	if err != nil {
		return err
	}
	defer d.Close()

	if cfg.MetricsListen != "" {
		stopServer := serveMonitoring(cfg.MetricsListen, d, reg, cfg.StuckThreshold)
		defer stopServer()
	}

	img := api.Image{
		Width:  uint16(cfg.Width),
		Height: uint16(cfg.Height),
		Depth:  uint8(cfg.Depth),
		Format: api.FormatZPixmap,
	}
	need := img.ByteLength()
	if 2*need > cfg.SegmentSize {
		return fmt.Errorf("a %dx%d depth %d image needs %s twice, segment has %s",
			cfg.Width, cfg.Height, cfg.Depth, humanizeBytes(need), humanizeBytes(cfg.SegmentSize))
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Segments; i++ {
		img := img
		img.Drawable = uint32(0x600000 + i)
		g.Go(func() error {
			return driveSegment(gctx, d, cfg, img, caps.WritableAttach)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	moved := 2 * need * uint64(cfg.Segments) * uint64(cfg.Rounds)
	st := d.Stats()
	fmt.Fprintf(out, "%d segments x %d rounds: %s moved in %s\n",
		cfg.Segments, cfg.Rounds, humanizeBytes(moved), time.Since(start).Round(time.Microsecond))
	fmt.Fprintf(out, "pending operations: %d, orphan spans: %d\n", st.PendingOperations, otelObserver.OpenSpans())
	d.DebugSegmentDetail(out)
	return nil
}

func driveSegment(ctx context.Context, d *xshm.Display, cfg demoConfig, img api.Image, writable bool) (err error) {
	var opts []xshm.SegmentOption
	if writable {
		opts = append(opts, xshm.WithServerWrite())
	}
	seg, err := d.AttachSegment(ctx, cfg.SegmentSize, opts...)
	if err != nil {
		return fmt.Errorf("attach %s segment: %w", humanizeBytes(cfg.SegmentSize), err)
	}
	defer func() {
		if cerr := seg.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = fmt.Errorf("release segment: %w", cerr)
		}
	}()

	length := uint32(img.ByteLength())
	for round := 0; round < cfg.Rounds; round++ {
		fill := byte(round + int(img.Drawable))
		if err := seg.Update(0, uint64(length), func(b []byte) error {
			for i := range b {
				b[i] = fill
			}
			return nil
		}); err != nil {
			return err
		}
		put, err := seg.PutImage(ctx, 0, length, img, nil)
		if err != nil {
			return err
		}
		if err := put.Wait(ctx); err != nil {
			return fmt.Errorf("round %d put: %w", round, err)
		}
		if !writable {
			continue
		}
		get, err := seg.GetImage(ctx, length, length, img)
		if err != nil {
			return err
		}
		if err := get.Wait(ctx); err != nil {
			return fmt.Errorf("round %d get: %w", round, err)
		}
		got, err := get.Snapshot()
		if err != nil {
			return err
		}
		if !bytes.Equal(got, bytes.Repeat([]byte{fill}, int(length))) {
			return fmt.Errorf("round %d: drawable %#x came back altered", round, img.Drawable)
		}
	}
	return nil
}

func serveMonitoring(addr string, d *xshm.Display, reg *prometheus.Registry, stuck time.Duration) func() {
	health := adapter.NewHealthHandler(d, adapter.HealthOptions{StuckThreshold: stuck})
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "monitoring server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
