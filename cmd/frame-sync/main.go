// frame-sync pairs delivered camera frames with the hardware triggers that
// caused them and records every result in a SQLite journal.
//
//	frame-sync [flags] [delay [output-fps]]
//	frame-sync [flags] migrate <up|down|status|force N>
//
// delay is the simulated delivery delay in milliseconds ("150") or as a
// duration ("150ms"); output-fps is the target output rate. Both default to
// the config file values.
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
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/framesync/internal/api"
	"github.com/banshee-data/framesync/internal/config"
	"github.com/banshee-data/framesync/internal/correlate"
	"github.com/banshee-data/framesync/internal/db"
	"github.com/banshee-data/framesync/internal/frames"
	"github.com/banshee-data/framesync/internal/monitoring"
	"github.com/banshee-data/framesync/internal/pipeline"
	"github.com/banshee-data/framesync/internal/producer"
	"github.com/banshee-data/framesync/internal/timeutil"
	"github.com/banshee-data/framesync/internal/triggerbus"
	"github.com/banshee-data/framesync/internal/triggerrpc"
	"github.com/banshee-data/framesync/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	connect    = flag.String("connect", "localhost:50061", "Trigger service address")
	local      = flag.Bool("local", false, "Generate triggers in-process instead of connecting to a trigger service")
	listen     = flag.String("listen", ":8080", "HTTP API listen address (empty disables)")
	dbPath     = flag.String("db", "framesync.db", "Journal database path (empty disables the journal)")
	seed       = flag.Uint64("seed", 0, "Seed for delivery jitter")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [delay [output-fps]]\n       %s [flags] migrate <action>\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.Arg(0) == "migrate" {
		if *dbPath == "" {
			log.Fatal("-db is required for migrate")
		}
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], *dbPath); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	log.Printf("frame-sync %s", version.String())

	if err := run(); err != nil {
		log.Fatalf("frame-sync: %v", err)
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

	args := flag.Args()
	if len(args) > 2 {
		return nil, fmt.Errorf("%w: expected at most two positional arguments, got %d", config.ErrInvalidConfig, len(args))
	}
	if len(args) > 0 {
		delay, err := config.ParseMillis(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: delivery delay: %v", config.ErrInvalidConfig, err)
		}
		cfg.SetDeliveryDelay(delay)
	}
	if len(args) > 1 {
		fps, err := strconv.ParseFloat(args[1], 64)
		if err != nil || !(fps > 0) {
			return nil, fmt.Errorf("%w: output fps must be a positive number, got %q", config.ErrInvalidConfig, args[1])
		}
		cfg.SetOutputFPS(fps)
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
	corrCfg, err := cfg.CorrelationConfig()
	if err != nil {
		return err
	}
	engine, err := correlate.NewEngine(corrCfg)
	if err != nil {
		return err
	}
	busOpts, err := cfg.BusOptions()
	if err != nil {
		return err
	}

	monitoring.Logf("Delivery delay %s, output %.1f fps (1/%d of %.1f fps), tolerance %.0fms",
		cfg.GetDeliveryDelay(), cfg.GetOutputFPS(), corrCfg.DecimationRatio, cfg.GetInputFPS(), corrCfg.ToleranceMs)

	// Triggers from the transport land on a local bus; the engine and the
	// camera each hold their own subscription, taken once the replay is in.
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		database *db.DB
		journal  *db.Journal
		opts     = pipeline.Options{Clock: clock}
	)
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer database.Close()

		journal, err = database.StartRun(ctx, strings.Join(os.Args, " "), cfg, clock)
		if err != nil {
			return err
		}
		defer func() {
			if err := journal.Finish(context.Background()); err != nil {
				log.Printf("failed to finish run %s: %v", journal.RunID(), err)
			}
		}()
		opts.Recorders = append(opts.Recorders, journal)
		log.Printf("Recording run %s to %s", journal.RunID(), *dbPath)
	}

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

	// trigger input
	if *local {
		prod := producer.New(pub, clock)
		wg.Add(1)
		go func() {
			defer wg.Done()
			src := producer.TickerPulses{Interval: cfg.GetTriggerInterval(), Clock: clock}
			if err := prod.Run(ctx, src); err != nil {
				fail(fmt.Errorf("trigger producer: %w", err))
			}
		}()
	} else {
		client, err := triggerrpc.Dial(triggerrpc.ClientConfig{
			Target:     *connect,
			Subscriber: fmt.Sprintf("frame-sync/%d", os.Getpid()),
			MinBackoff: cfg.GetReconnectMin(),
			MaxBackoff: cfg.GetReconnectMax(),
			Clock:      clock,
		}, pub)
		if err != nil {
			return err
		}
		defer client.Close()

		clientErr := make(chan error, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := client.Run(ctx)
			clientErr <- err
			if err != nil {
				fail(err)
			}
		}()

		// The first connection is fatal; wait for the history replay before
		// starting to correlate.
		if err := awaitReplay(ctx, client.Ready(), clientErr); err != nil {
			stop()
			wg.Wait()
			return err
		}
		log.Printf("Connected to trigger service at %s", *connect)
	}

	engineSub, cameraSub, err := subscribeLive(bus)
	if err != nil {
		stop()
		wg.Wait()
		return err
	}

	camera, err := frames.NewSimulatedCamera(cameraSub, frames.CameraConfig{
		Delay:      cfg.GetDeliveryDelay(),
		Jitter:     cfg.GetDeliveryJitter(),
		FrameBytes: cfg.GetFrameBytes(),
		Seed:       *seed,
		Clock:      clock,
	})
	if err != nil {
		stop()
		wg.Wait()
		return err
	}
	defer camera.Close()

	syncer := pipeline.New(engine, engineSub, camera, opts)

	// HTTP API
	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			var journalReader api.Journal
			runID := ""
			if database != nil {
				journalReader = database
				runID = journal.RunID()
			}
			apiServer := api.NewServer(syncer, journalReader, runID, cfg)
			mux := apiServer.ServeMux()
			bus.AttachAdminRoutes(mux)
			if database != nil {
				if err := database.AttachAdminRoutes(mux); err != nil {
					log.Printf("failed to attach journal admin routes: %v", err)
				}
			}

			server := &http.Server{
				Addr:    *listen,
				Handler: api.LoggingMiddleware(mux),
			}
			go func() {
				log.Printf("HTTP API listening on %s", *listen)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					fail(fmt.Errorf("http server: %w", err))
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				server.Close()
			}
		}()
	}

	if err := syncer.Run(ctx); err != nil {
		fail(err)
	}
	stop()
	wg.Wait()

	st := syncer.Status()
	monitoring.Logf("Processed %d frames: %d past, %d future, %d unmatched, %d skipped",
		st.Counters.Frames, st.Counters.MatchedPast, st.Counters.MatchedFuture, st.Counters.Unmatched, st.Counters.Skipped)

	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
		return firstErr
	}
	return nil
}

// awaitReplay blocks until the client has republished the server's history,
// the first connection fails, or ctx ends.
func awaitReplay(ctx context.Context, ready <-chan struct{}, clientErr <-chan error) error {
	select {
	case <-ready:
		return nil
	case err := <-clientErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// subscribeLive attaches the engine and the camera to bus. Anything already
// published, such as the replayed history, stays in the bus history: the
// engine takes it through its backlog drain while the camera only sees
// triggers fired after it joined.
func subscribeLive(bus *triggerbus.Bus) (engineSub, cameraSub *triggerbus.Subscription, err error) {
	engineSub, err = bus.Subscribe()
	if err != nil {
		return nil, nil, err
	}
	cameraSub, err = bus.Subscribe()
	if err != nil {
		bus.Unsubscribe(engineSub.ID())
		return nil, nil, err
	}
	if n := len(cameraSub.DrainHistory()); n > 0 {
		monitoring.Logf("Camera joined after %d historical triggers; no frames are produced for them", n)
	}
	return engineSub, cameraSub, nil
}
