// Command satlink-sim runs one beam of the link-layer scheduling core: a
// gateway forward scheduler with adaptive MODCOD, its NCC and the return-link
// MAC of every terminal, driven by a simulated channel and constant bit rate
// traffic.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/satlink-scheduler/internal/config"
	"github.com/signalsfoundry/satlink-scheduler/internal/control"
	"github.com/signalsfoundry/satlink-scheduler/internal/logging"
	"github.com/signalsfoundry/satlink-scheduler/internal/observability"
	"github.com/signalsfoundry/satlink-scheduler/timectrl"
)

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "satlink-sim: %v\n", err)
		os.Exit(2)
	}

	log := logging.NewFromEnv(os.Getenv)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(os.Getenv), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}

	reg := prometheus.NewRegistry()
	metricsSrv := serveMetrics(cfg.Simulation.MetricsAddr, reg, log)

	var lis net.Listener
	if cfg.Simulation.GRPCAddr != "" {
		lis, err = net.Listen("tcp", cfg.Simulation.GRPCAddr)
		if err != nil {
			log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.Simulation.GRPCAddr), logging.Err(err))
			os.Exit(1)
		}
	}

	summary, runErr := run(ctx, cfg, log, reg, lis)
	printSummary(os.Stdout, summary)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if runErr != nil {
		log.Error(ctx, "simulation failed", logging.Err(runErr))
		os.Exit(1)
	}
}

// run builds the beam from cfg and drives it with a time controller until
// the configured duration elapses or ctx is cancelled. When lis is not nil
// the LinkControl API is served on it for the lifetime of the run.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, reg prometheus.Registerer, lis net.Listener) (Summary, error) {
	if log == nil {
		log = logging.Noop()
	}
	linkMetrics, err := observability.NewLinkCollector(reg)
	if err != nil {
		return Summary{}, err
	}
	s, err := newSimulation(cfg, log, linkMetrics)
	if err != nil {
		return Summary{}, err
	}

	if lis != nil {
		controlMetrics, err := observability.NewControlCollector(reg)
		if err != nil {
			return Summary{}, err
		}
		svc := control.NewService(s.loop, s.applyCno, s.board, s.stats, s.addresses(), log)
		server := control.NewServer(svc, log, controlMetrics)
		go func() {
			if err := server.Serve(lis); err != nil {
				log.Warn(ctx, "gRPC server exited", logging.Err(err))
			}
		}()
		defer server.Stop()
		log.Info(ctx, "serving LinkControl", logging.String("addr", lis.Addr().String()))
	}

	if err := s.start(ctx); err != nil {
		return s.summary(), err
	}
	s.publish()

	mode := timectrl.RealTime
	if cfg.Simulation.Accelerated {
		mode = timectrl.Accelerated
	}
	tc := timectrl.NewTimeController(cfg.Simulation.Start, cfg.Simulation.Tick, mode)
	tc.AddListener(func(simTime time.Time) error {
		if err := s.loop.RunUntil(ctx, simTime); err != nil {
			return err
		}
		s.publish()
		return nil
	})
	<-tc.Start(ctx, cfg.Simulation.Duration)
	s.stop()

	if err := tc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return s.summary(), err
	}
	log.Info(ctx, "simulation finished", logging.Time("sim_time", s.loop.Now()))
	return s.summary(), nil
}

func serveMetrics(addr string, gatherer prometheus.Gatherer, log logging.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.HandlerFor(gatherer))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

func printSummary(w io.Writer, s Summary) {
	fmt.Fprintf(w, "sim time %s: %d data frames, %d dummy frames, %d payload bytes, %d units sent, %d dropped\n",
		s.SimTime.Format(time.RFC3339Nano), s.Frames.Data, s.Frames.Dummy, s.Frames.PayloadBytes, s.Sent, s.Dropped)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TERMINAL\tFWD BYTES\tFWD UNITS\tRTN BYTES\tRTN UNITS\tC/N0")
	for _, t := range s.Terminals {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.2f\n",
			t.Address, t.ForwardBytes, t.ForwardPackets, t.ReturnBytes, t.ReturnPackets, t.Cno)
	}
	_ = tw.Flush()
}
