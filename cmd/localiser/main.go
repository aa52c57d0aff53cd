// Command localiser reads a range finder, publishes one point cloud per
// revolution and registers revolutions against the configured references,
// serving the results on the /debug/ admin routes.
//
//	localiser -config site.json
//	localiser -synthetic -no-db
//	localiser -db scanmatch.db migrate status
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/scanmatch/internal/config"
	"github.com/banshee-data/scanmatch/internal/db"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/localiser"
	"github.com/banshee-data/scanmatch/internal/monitoring"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
	"github.com/banshee-data/scanmatch/internal/serialport"
	"github.com/banshee-data/scanmatch/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a localiser JSON config (defaults are used when empty)")
	portPath    = flag.String("port", "", "Serial port (overrides config)")
	listen      = flag.String("listen", "", "Admin listen address (overrides config)")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	noDB        = flag.Bool("no-db", false, "Run without a database")
	synthetic   = flag.Bool("synthetic", false, "Stream a simulated 400x300 room instead of opening a serial port")
	diagLog     = flag.Bool("diag", false, "Enable the diag log stream")
	traceLog    = flag.Bool("trace", false, "Enable the per-revolution trace log stream")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// syntheticPose places the simulated sensor in the simulated room.
var syntheticPose = geom.Transform{Theta: 0.05, Tx: 150, Ty: 120}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("localiser"))
		return
	}
	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if flag.Arg(0) == "migrate" {
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], cfg.GetDBPath()); err != nil {
			if errors.Is(err, db.ErrUsage) {
				os.Exit(2)
			}
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	log.Printf("%s starting: %v", version.String("localiser"), cfg)

	configureLogging(os.Stdout, *diagLog, *traceLog)

	refs, err := cfg.LoadReferences()
	if err != nil {
		log.Fatalf("failed to load references: %v", err)
	}

	var store *db.DB
	if !*noDB {
		store, err = db.NewDB(cfg.GetDBPath())
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()

		stored, err := store.LoadReferences(context.Background())
		if err != nil {
			log.Fatalf("failed to load stored references: %v", err)
		}
		refs = mergeReferences(refs, stored)
	}

	dev, err := openDevice(cfg, &refs)
	if err != nil {
		log.Fatalf("failed to open range finder: %v", err)
	}
	defer dev.Close()

	if len(refs) == 0 {
		log.Print("no references configured; add one with POST /debug/references")
	}

	opts := []localiser.Option{localiser.WithEngine(icp.NewEngine(cfg.GetICPConfig()))}
	if store != nil {
		opts = append(opts, localiser.WithDB(store))
	}
	loc := localiser.New(dev, refs, localiser.Config{
		Builder:         cfg.GetBuilderConfig(),
		SyncMarker:      cfg.GetSyncMarker(),
		RegisterTimeout: cfg.GetRegisterTimeout(),
		CaptureDir:      cfg.GetCaptureDir(),
	}, opts...)

	if err := dev.Start(); err != nil {
		log.Fatalf("failed to start scanning: %v", err)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("pipeline routine terminated")
		stop()
	}()

	if interval := cfg.GetRegisterInterval(); interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loc.RunPeriodic(ctx, interval, cfg.GetRegisterTimeout()); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("periodic registration stopped: %v", err)
			}
			log.Print("periodic registration routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()
		loc.AttachAdminRoutes(mux)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:     cfg.GetListen(),
			Handler:  mux,
			ErrorLog: log.New(monitoring.Writer("http: "), "", 0),
		}

		go func() {
			log.Printf("admin routes on http://%s/debug/", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("failed to shut down server: %v", err)
		}
		log.Print("HTTP server routine terminated")
	}()

	<-ctx.Done()
	// Closing the device releases a read blocked in the pipeline.
	if err := dev.Close(); err != nil {
		log.Printf("failed to close device: %v", err)
	}
	wg.Wait()
	log.Print("graceful shutdown complete")
}

// loadConfig reads -config (or the built-in defaults) and applies flag
// overrides.
func loadConfig() (*config.LocaliserConfig, error) {
	cfg := config.EmptyLocaliserConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	applyOverrides(cfg, *portPath, *listen, *dbPath)
	return cfg, cfg.Validate()
}

func applyOverrides(cfg *config.LocaliserConfig, port, listen, dbPath string) {
	if port != "" {
		cfg.SerialPort = &port
	}
	if listen != "" {
		cfg.Listen = &listen
	}
	if dbPath != "" {
		cfg.DBPath = &dbPath
	}
}

func configureLogging(w io.Writer, diag, trace bool) {
	var diagW, traceW io.Writer
	if diag {
		diagW = w
	}
	if trace {
		traceW = w
	}
	rangefinder.SetLogWriters(w, diagW, traceW)
	icp.SetLogWriters(w, diagW, traceW)
	localiser.SetLogWriters(w, diagW, traceW)
}

// mergeReferences appends stored references whose names are not already
// configured. Configured references come first and win on name clashes.
func mergeReferences(configured, stored icp.ReferenceSet) icp.ReferenceSet {
	out := append(icp.ReferenceSet{}, configured...)
	seen := make(map[string]bool, len(configured))
	for _, r := range configured {
		seen[r.Name] = true
	}
	for _, r := range stored {
		if !seen[r.Name] {
			out = append(out, r)
			seen[r.Name] = true
		}
	}
	return out
}

// openDevice opens the configured serial port, or a synthetic room when
// -synthetic is set. In synthetic mode the room outline is added as a
// reference if no references are configured.
func openDevice(cfg *config.LocaliserConfig, refs *icp.ReferenceSet) (*serialport.Device, error) {
	if !*synthetic {
		return serialport.Open(cfg.GetSerialPort(), cfg.GetPortOptions())
	}
	room := serialport.RectRoom(400, 300)
	port := serialport.NewSyntheticPort(serialport.Synthetic{Room: room, Pose: syntheticPose, Sync: cfg.GetSyncMarker()})
	port.Interval = 100 * time.Millisecond
	if len(*refs) == 0 {
		*refs = icp.ReferenceSet{{Name: "synthetic-room", Cloud: room.Outline(1), Prior: syntheticPose.Inverse()}}
	}
	log.Printf("streaming synthetic room with sensor at %v", syntheticPose)
	return serialport.NewDevice("synthetic", port), nil
}
