package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/hashicorp/go-hclog"
	"github.com/lab47/logbus/pkg/config"
	"github.com/lab47/logbus/pkg/event"
	"github.com/lab47/logbus/pkg/listeners"
	"github.com/lab47/logbus/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	pipeCmd = &cobra.Command{
		Use:   "pipe",
		Short: "Publish lines read from stdin to the configured listeners",
		Long: `Each line of stdin becomes an event. "LEVEL: text" sets the severity,
"progress start|update|complete <id> [text]" reports progress and anything
else is published at LIFECYCLE.`,
		Args: cobra.ExactArgs(0),
		Run:  pipe,
	}
)

var (
	pipeDumpStats bool
	pipeFile      string
)

func init() {
	pipeCmd.Flags().BoolVar(&pipeDumpStats, "dump-stats", false, "dump bus statistics when input ends")
	pipeCmd.Flags().StringVarP(&pipeFile, "file", "f", "", "also append events to this file")

	bindFlags(pipeCmd.Flags(), map[string]string{
		"file.path": "file",
	})
}

func pipe(c *cobra.Command, args []string) {
	cfg, L, err := loadConfig()
	if err != nil {
		er(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = runPipe(ctx, L, cfg, os.Stdin, os.Stdout)
	if err != nil {
		er(err)
	}
}

func runPipe(ctx context.Context, L hclog.Logger, cfg *config.Config, in io.Reader, out io.Writer) (err error) {
	var (
		provider metrics.Provider = metrics.Noop{}
		prom     *metrics.Prom
	)

	if cfg.Metrics.ListenAddr != "" {
		prom = metrics.NewProm()
		provider = prom
	}

	opts := append(cfg.BusOptions(),
		event.WithLogger(L.Named("bus")),
		event.WithMetrics(provider),
	)

	bus := event.New(opts...)

	// Listeners that hold resources are closed after the bus has drained.
	var closers []io.Closer

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if cerr := bus.Close(cctx); cerr != nil && err == nil {
			err = cerr
		}

		for _, c := range closers {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	ctx = event.WithBus(ctx, bus)

	tracker := listeners.NewProgressTracker()

	_, err = bus.AddListener(tracker, event.Debug)
	if err != nil {
		return err
	}

	if cfg.Console.Enabled {
		r := listeners.NewRenderer(out)
		r.Categories = cfg.Console.Categories

		ctx, _, err = r.Attach(ctx, bus, cfg.Console.Severity())
		if err != nil {
			return err
		}
	}

	if cfg.File.Path != "" {
		var fl *listeners.FileLogger

		fl, err = listeners.OpenFileLogger(cfg.File.Path)
		if err != nil {
			return err
		}

		closers = append(closers, fl)

		err = bus.Publish(event.AddListenerEvent(event.NewNamedHandle("file", fl), cfg.File.Severity()))
		if err != nil {
			return err
		}
	}

	if cfg.Hclog.Enabled {
		fwd := &listeners.Forwarder{L: L.Named("output")}

		err = bus.Publish(event.AddListenerEvent(event.NewNamedHandle("hclog", fwd), cfg.Hclog.Severity()))
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *http.Server

	if prom != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())

		srv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}

		g.Go(func() error {
			L.Info("serving metrics", "addr", cfg.Metrics.ListenAddr)

			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}

			return err
		})
	}

	g.Go(func() error {
		defer func() {
			if srv != nil {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}
		}()

		return readInput(gctx, L, in)
	})

	err = g.Wait()

	fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if ferr := bus.Flush(fctx); ferr != nil {
		L.Error("error flushing listeners", "error", ferr)
	}

	for _, op := range tracker.Running() {
		fmt.Fprintf(out, "> %s did not complete\n", describe(op))
	}

	if pipeDumpStats {
		spew.Fdump(out, bus.Stats())
	}

	return err
}

func describe(op listeners.Operation) string {
	if op.Description != "" {
		return op.Description
	}

	return op.ID
}

// readInput publishes each parsed line on the bus carried by ctx.
func readInput(ctx context.Context, L hclog.Logger, in io.Reader) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		ev, err := parseLine(sc.Text())
		if err != nil {
			L.Warn("skipping input", "error", err)
			continue
		}

		if ev == nil {
			continue
		}

		err = event.Fire(ctx, ev)
		if err != nil {
			return err
		}
	}

	return sc.Err()
}
