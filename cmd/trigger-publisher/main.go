// trigger-publisher fires hardware trigger events and serves them to
// frame-sync consumers over gRPC.
//
//	trigger-publisher [flags] [interval]
//
// interval is the trigger period in milliseconds ("33") or as a duration
// ("33ms"). It defaults to the config file's trigger_interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/framesync/internal/config"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/producer"
	"github.com/banshee-data/framesync/internal/timeutil"
	"github.com/banshee-data/framesync/internal/triggerbus"
	"github.com/banshee-data/framesync/internal/triggerrpc"
	"github.com/banshee-data/framesync/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	rpcListen  = flag.String("rpc-listen", ":50061", "gRPC listen address for trigger subscribers")
	listen     = flag.String("listen", "localhost:8081", "Debug HTTP listen address (empty disables)")
	port       = flag.String("port", "", "Serial port of a trigger board; empty simulates pulses with a ticker")
	baud       = flag.Int("baud", producer.DefaultBaudRate, "Trigger board baud rate")
	verbose    = flag.Bool("verbose", false, "Log every published trigger")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [interval]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	log.Printf("trigger-publisher %s", version.String())

	if err := run(); err != nil {
		log.Fatalf("trigger-publisher: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	if flag.NArg() > 1 {
		return nil, fmt.Errorf("%w: expected at most one positional argument, got %d", config.ErrInvalidConfig, flag.NArg())
	}
	if flag.NArg() == 1 {
		interval, err := config.ParseMillis(flag.Arg(0))
		if err != nil {
			return nil, fmt.Errorf("%w: trigger interval: %v", config.ErrInvalidConfig, err)
		}
		cfg.SetTriggerInterval(interval)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	busOpts, err := cfg.BusOptions()
	if err != nil {
		return err
	}
	bus, err := triggerbus.New(busOpts)
	if err != nil {
		return err
	}
	defer bus.Close()

	pub, err := bus.NewPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	clock := timeutil.RealClock{}
	prod := producer.New(pub, clock)
	prod.Verbose = *verbose

	var src producer.PulseSource
	if *port != "" {
		src = producer.SerialPulses{
			Path:    *port,
			Options: producer.PortOptions{BaudRate: *baud},
			Clock:   clock,
		}
	} else {
		src = producer.TickerPulses{Interval: cfg.GetTriggerInterval(), Clock: clock}
		log.Printf("Simulating trigger pulses every %s", cfg.GetTriggerInterval())
	}

	rpc := triggerrpc.NewServer(bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		stop()
	}

	// gRPC trigger service
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Trigger service listening on %s", *rpcListen)
		if err := rpc.Serve(*rpcListen); err != nil {
			fail(err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		rpc.Stop()
	}()

	// debug HTTP server
	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := http.NewServeMux()
			bus.AttachAdminRoutes(mux)

			server := &http.Server{
				Addr:    *listen,
				Handler: mux,
			}
			go func() {
				log.Printf("Debug server listening on %s", *listen)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fail(fmt.Errorf("debug server: %w", err))
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown error: %v", err)
				server.Close()
			}
		}()
	}

	// trigger producer
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := prod.Run(ctx, src); err != nil {
			fail(fmt.Errorf("trigger producer: %w", err))
			return
		}
		stop()
	}()

	<-ctx.Done()
	wg.Wait()

	monitoring.Logf("Published %d triggers (%d failed), last id %d", prod.Published(), prod.Failed(), prod.LastID())

	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}
	return nil
}
