// Command register aligns a captured scan file against one or more
// reference files offline and reports the chosen reference and pose.
//
//	register -scan lidar-scans/desk-001.txt -ref hall=refs/hall.txt -ref office=refs/office.txt
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/scanmatch/internal/cloudio"
	"github.com/banshee-data/scanmatch/internal/config"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/monitor"
	"github.com/banshee-data/scanmatch/internal/version"
)

// refFlag collects repeated -ref name=path arguments.
type refFlag []config.ReferenceConfig

func (f *refFlag) String() string {
	parts := make([]string, len(*f))
	for i, r := range *f {
		parts[i] = r.Name + "=" + r.Path
	}
	return strings.Join(parts, ",")
}

func (f *refFlag) Set(v string) error {
	name, path, ok := strings.Cut(v, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("want name=path, got %q", v)
	}
	*f = append(*f, config.ReferenceConfig{Name: name, Path: path})
	return nil
}

var (
	scanPath    = flag.String("scan", "", "Scan fixture to register (required)")
	scanFormat  = flag.String("scan-format", "polar", "Scan file format: polar or cartesian")
	refFormat   = flag.String("ref-format", "polar", "Format of -ref files")
	configPath  = flag.String("config", "", "Take references and engine settings from a localiser config")
	prior       = flag.String("prior", "0,0,0", "Prior theta(rad),tx,ty for -ref references")
	timeout     = flag.Duration("timeout", time.Second, "Per-reference time budget")
	maxIter     = flag.Int("max-iterations", 0, "Iteration cap per reference (0 = time only)")
	maxDist     = flag.Float64("max-dist", 0, "Hard correspondence distance cap (0 = none)")
	parallel    = flag.Bool("parallel", false, "Refine references concurrently")
	pngPath     = flag.String("png", "", "Write an alignment plot (png, svg or pdf by extension)")
	htmlPath    = flag.String("html", "", "Write an interactive alignment chart")
	jsonOut     = flag.Bool("json", false, "Print the full result as JSON")
	diag        = flag.Bool("diag", false, "Log per-reference diagnostics")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

var refs refFlag

func init() {
	flag.Var(&refs, "ref", "Reference as name=path (repeatable)")
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("register"))
		return
	}
	if *scanPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *diag {
		icp.SetLogWriters(os.Stderr, os.Stderr, nil)
	}

	sf, err := cloudio.ParseFormat(*scanFormat)
	if err != nil {
		log.Fatal(err)
	}
	scan, err := cloudio.LoadCloud(*scanPath, sf)
	if err != nil {
		log.Fatalf("failed to load scan: %v", err)
	}

	set, engineCfg, err := buildReferences()
	if err != nil {
		log.Fatal(err)
	}

	engine := icp.NewEngine(engineCfg)
	res, err := engine.RegisterContext(context.Background(), scan, set, *timeout)
	if err != nil && !errors.Is(err, icp.ErrNoCorrespondence) {
		log.Fatalf("registration failed: %v", err)
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			log.Fatal(err)
		}
	} else {
		report(os.Stdout, res)
	}

	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := writePlots(scan, set, res); err != nil {
		log.Fatalf("failed to write plot: %v", err)
	}
}

// buildReferences loads -ref files, or the references of -config when no
// -ref is given.
func buildReferences() (icp.ReferenceSet, icp.Config, error) {
	cfg := config.EmptyLocaliserConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, icp.Config{}, err
		}
	}
	engineCfg := cfg.GetICPConfig()
	if *maxIter > 0 {
		engineCfg.MaxIterations = *maxIter
	}
	if *maxDist > 0 {
		engineCfg.MaxCorrespondenceDistance = *maxDist
	}
	if *parallel {
		engineCfg.Parallel = true
	}

	if len(refs) > 0 {
		p, err := parsePrior(*prior)
		if err != nil {
			return nil, icp.Config{}, err
		}
		cfg.References = nil
		for _, r := range refs {
			r.Format = refFormat
			r.Prior = &p
			cfg.References = append(cfg.References, &r)
		}
		if err := cfg.Validate(); err != nil {
			return nil, icp.Config{}, err
		}
	}
	if len(cfg.References) == 0 {
		return nil, icp.Config{}, errors.New("no references: pass -ref name=path or -config")
	}
	set, err := cfg.LoadReferences()
	return set, engineCfg, err
}

func parsePrior(s string) (geom.Transform, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return geom.Transform{}, fmt.Errorf("prior must be theta,tx,ty, got %q", s)
	}
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geom.Transform{}, fmt.Errorf("prior component %d: %w", i+1, err)
		}
		v[i] = f
	}
	return geom.Transform{Theta: v[0], Tx: v[1], Ty: v[2]}, nil
}

func report(w io.Writer, res *icp.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REFERENCE\tSTOP\tITER\tRESIDUAL\tMEAN\tTHETA(deg)\tTX\tTY")
	for _, r := range res.References {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\t%v\t%d\t-\t-\t-\t-\t-\n", r.Name, r.Stop, r.Iterations)
			continue
		}
		fmt.Fprintf(tw, "%s\t%v\t%d\t%.3f\t%.4f\t%.3f\t%.3f\t%.3f\n",
			r.Name, r.Stop, r.Iterations, r.Residual, r.MeanResidual, r.Transform.ThetaDegrees(), r.Transform.Tx, r.Transform.Ty)
	}
	tw.Flush()
	if res.Reference != "" {
		fmt.Fprintf(w, "\nbest: %s %v (%d points, %v)\n", res.Reference, res.Transform, res.PointCount, res.Elapsed.Round(time.Microsecond))
	}
}

func writePlots(scan *geom.PointCloud, set icp.ReferenceSet, res *icp.Result) error {
	if *pngPath == "" && *htmlPath == "" {
		return nil
	}
	ref := set[res.Index]
	series := []monitor.Series{
		monitor.CloudSeries("reference "+ref.Name, ref.Cloud, "#9e9e9e"),
		monitor.CloudSeries("prior", scan.Transformed(ref.Prior.Inverse()), "#ffa726"),
		monitor.CloudSeries("aligned", scan.Transformed(res.Transform.Inverse()), "#42a5f5"),
	}
	title := fmt.Sprintf("%s against %s", *scanPath, ref.Name)
	if *pngPath != "" {
		if err := monitor.WritePNG(*pngPath, title, series...); err != nil {
			return err
		}
		log.Printf("wrote %s", *pngPath)
	}
	if *htmlPath != "" {
		f, err := os.Create(*htmlPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := monitor.ScatterHTML(f, title, res.Transform.String(), series...); err != nil {
			return err
		}
		log.Printf("wrote %s", *htmlPath)
	}
	return nil
}
