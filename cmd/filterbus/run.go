package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/probe"
)

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured bus against its transport",
		Long: `Run connects to the configured transport and consumes on every receive
endpoint until interrupted.

Examples:
  # Consume from NATS and expose probe counters to Prometheus
  FILTERBUS_TRANSPORT_KIND=nats FILTERBUS_TRANSPORT_URL=nats://127.0.0.1:4222 \
    filterbus run --metrics-addr :9090

  # Produce an order every second on the in-memory transport
  filterbus run --produce 1s`,
		RunE: runRunCmd,
	}
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Duration("produce", 0, "Send a SubmitOrder at this interval (0 disables)")
	return cmd
}

func runRunCmd(cmd *cobra.Command, _ []string) error {
	metricsAddr, err := cmd.Flags().GetString("metrics-addr")
	if err != nil {
		return err
	}
	produce, err := cmd.Flags().GetDuration("produce")
	if err != nil {
		return err
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tr, err := openTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tr.Close(); err != nil {
			logger.Error("FILTERBUS: Transport close failed", slog.Any("error", err))
		}
	}()

	o, err := newOrders(cfg, tr, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.bus.Run(ctx, tr)
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, metricsAddr, o, logger)
		})
	}
	if produce > 0 {
		g.Go(func() error {
			return o.produce(ctx, produce, logger)
		})
	}
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, o *orders, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(probe.NewCollector("filterbus", o.bus.Probe))
	reg.MustRegister(probe.NewCollector("filterbus_scope", o.manager.Probe))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("FILTERBUS: Metrics server started", slog.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// produce sends a SubmitOrder to every endpoint consuming it at interval.
func (o *orders) produce(ctx context.Context, interval time.Duration, logger *slog.Logger) error {
	destinations := o.submitEndpoints
	if len(destinations) == 0 {
		return errors.New("no endpoint consumes " + messageTypes[0])
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		order := SubmitOrder{ID: message.NewID(), Amount: float64(n)}
		for _, d := range destinations {
			if err := o.bus.Send(ctx, d, order); err != nil {
				logger.Warn("FILTERBUS: Order not sent",
					slog.String("destination", d),
					slog.String("order", order.ID),
					slog.Any("error", err))
			}
		}
	}
}
