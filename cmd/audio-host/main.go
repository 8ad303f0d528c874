//go:build !rp2040 && !rp2350

// audio-host runs the full pipeline against the emulated board: a simulated
// ES8311 on a host I2C bus, a tone microphone in an echoing room and a
// detachable USB microphone. It serves Prometheus metrics and reads console
// commands from stdin.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"audiocode-go/bus"
	"audiocode-go/services/audio"
	"audiocode-go/services/bridge"
	"audiocode-go/services/config"
	"audiocode-go/services/console"
	"audiocode-go/services/heartbeat"
)

var _ console.Target = (*audio.Controller)(nil)

func main() {
	cfgPath := flag.String("config", "", "YAML configuration file (default: embedded config for -device)")
	device := flag.String("device", "host", "device ID for the embedded configuration")
	metricsAddr := flag.String("metrics", ":9464", "Prometheus listen address; empty disables")
	bridgeAddr := flag.String("bridge", "", "TCP address of a bridge peer; empty disables")
	hbEvery := flag.Duration("heartbeat", 0, "print a status line to stderr at this interval; 0 disables")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	opts := options{cfgPath: *cfgPath, device: *device, metricsAddr: *metricsAddr, bridgeAddr: *bridgeAddr, heartbeat: *hbEvery}
	if err := run(logger, opts); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("audio-host failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type options struct {
	cfgPath     string
	device      string
	metricsAddr string
	bridgeAddr  string
	heartbeat   time.Duration
}

// tcpTransport dials the bridge peer over TCP.
type tcpTransport struct{ addr string }

func (t tcpTransport) Open(ctx context.Context) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", t.addr)
}

func (t tcpTransport) String() string { return "tcp:" + t.addr }

func run(logger *zap.Logger, o options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promExp, err := promexporter.New()
	if err != nil {
		return err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExp))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mp.Shutdown(sctx)
	}()

	board, err := audio.OpenBoard(0)
	if err != nil {
		return err
	}
	defer board.Close()

	ctrl := audio.New(audio.DepsFor(board),
		audio.WithLogger(logger.Named("audio")),
		audio.WithMeterProvider(mp),
	)

	b := bus.NewBus(8)
	svc := audio.NewService(ctrl, audio.WithServiceLogger(logger.Named("audio.service")))

	var cfgOpts []config.Option
	cfgOpts = append(cfgOpts, config.WithLogger(logger.Named("config")))
	if o.cfgPath != "" {
		cfgOpts = append(cfgOpts, config.WithFile(o.cfgPath))
	}
	cfgSvc := config.NewConfigService(cfgOpts...)
	cfgConn := b.NewConnection("config")
	cctx := config.WithDevice(ctx, o.device)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return svc.Run(gctx, b.NewConnection("audio")) })

	if err := cfgSvc.Publish(cctx, cfgConn); err != nil {
		return err
	}

	// SIGHUP re-reads the configuration and republishes it, which
	// reconfigures the running pipeline.
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := cfgSvc.Publish(cctx, cfgConn); err != nil {
					logger.Warn("config reload failed", zap.Error(err))
				}
			}
		}
	})

	if o.bridgeAddr != "" {
		bridge.RegisterTransport("tcp", func(tc bridge.TransportConfig) (bridge.Transport, error) {
			return tcpTransport{addr: tc.Addr}, nil
		})
		bconn := b.NewConnection("bridge")
		g.Go(func() error {
			bridge.Start(gctx, bconn, bridge.WithLogger(logger.Named("bridge")))
			return nil
		})
		bconn.Publish(bconn.NewMessage(bridge.TopicConfig,
			bridge.Config{Transport: bridge.TransportConfig{Type: "tcp", Addr: o.bridgeAddr}}, true))
	}

	if o.heartbeat > 0 {
		_ = heartbeat.New(os.Stderr, o.heartbeat).Start(gctx, b.NewConnection("heartbeat"))
	}

	if metricsAddr := o.metricsAddr; metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// The console blocks on stdin, so it is not part of the group; EOF or
	// quit ends the process.
	sh := console.New(ctrl, console.WithUSB(board.USB), console.WithLogger(logger.Named("console")))
	go func() {
		if err := sh.Run(gctx, board.Console); err != nil {
			logger.Warn("console ended", zap.Error(err))
		}
		stop()
	}()

	<-gctx.Done()
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctrl.Stop(sctx); err != nil {
		logger.Warn("stop", zap.Error(err))
	}
	return g.Wait()
}
