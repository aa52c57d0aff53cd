// Command capture records revolutions from a range finder, a raw byte dump
// or the simulated room into angle,distance fixture files, optionally with a
// PNG plot of each revolution.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/scanmatch/internal/cloudio"
	"github.com/banshee-data/scanmatch/internal/config"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/monitor"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
	"github.com/banshee-data/scanmatch/internal/revolution"
	"github.com/banshee-data/scanmatch/internal/security"
	"github.com/banshee-data/scanmatch/internal/serialport"
	"github.com/banshee-data/scanmatch/internal/version"
)

var (
	portPath    = flag.String("port", "/dev/ttyUSB0", "Serial port to read")
	baud        = flag.Int("baud", serialport.DefaultBaudRate, "Serial baud rate")
	rawPath     = flag.String("raw", "", "Read a raw byte dump instead of a serial port")
	dumpPath    = flag.String("dump", "", "Also write the raw bytes read to this file")
	synthetic   = flag.Bool("synthetic", false, "Capture the simulated room instead of a serial port")
	count       = flag.Int("n", 1, "Number of revolutions to capture")
	skip        = flag.Int("skip", 0, "Whole revolutions to discard before saving")
	keepPartial = flag.Bool("partial", false, "Also save the unfinished revolution left when the source ends")
	minPoints   = flag.Int("min-points", 10, "Discard revolutions with fewer points")
	outDir      = flag.String("out", "lidar-scans", "Output directory")
	name        = flag.String("name", "scan", "File name prefix")
	format      = flag.String("format", "polar", "Output format: polar or cartesian")
	syncMarker  = flag.String("sync", "A55A", "Packet sync marker as two hex bytes")
	plotPNG     = flag.Bool("png", false, "Write a PNG plot next to each capture")
	timeout     = flag.Duration("timeout", 30*time.Second, "Give up after this long")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("capture"))
		return
	}
	if *count < 1 {
		log.Fatal("-n must be at least 1")
	}
	if err := security.CheckName(*name); err != nil {
		log.Fatal(err)
	}
	marker, err := config.ParseSyncMarker(*syncMarker)
	if err != nil {
		log.Fatal(err)
	}
	outFormat, err := cloudio.ParseFormat(*format)
	if err != nil {
		log.Fatal(err)
	}

	src, err := openSource(marker)
	if err != nil {
		log.Fatalf("failed to open source: %v", err)
	}

	var r io.Reader = src
	if *dumpPath != "" {
		f, err := os.Create(*dumpPath)
		if err != nil {
			log.Fatalf("failed to create dump file: %v", err)
		}
		defer f.Close()
		r = io.TeeReader(src, f)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	// Closing the source unblocks a pending read when the deadline passes.
	go func() {
		<-ctx.Done()
		src.Close()
	}()

	c := capturer{
		dec:     rangefinder.NewDecoder(r, rangefinder.WithSyncMarker(marker[0], marker[1])),
		builder: revolution.NewBuilder(revolution.BuilderConfig{MinPoints: *minPoints}),
		skip:        *skip,
		want:        *count,
		keepPartial: *keepPartial,
		save: func(i int, scan *revolution.Scan) error {
			return save(i, scan, outFormat)
		},
	}
	n, err := c.run()
	src.Close()
	if err != nil {
		log.Fatalf("capture failed after %d revolution(s): %v", n, err)
	}
	if n < *count {
		if ctx.Err() != nil {
			log.Fatalf("captured %d of %d revolutions before %v", n, *count, context.Cause(ctx))
		}
		log.Fatalf("source ended after %d of %d revolutions", n, *count)
	}
	st := c.dec.Stats()
	log.Printf("captured %d revolution(s): %d packets, %d decode errors, %d bytes skipped",
		n, st.Packets.Load(), st.DecodeErrors.Load(), st.SkippedBytes.Load())
}

// capturer pulls revolutions off a decoder until want have been saved.
// The sweep before the first wrap is never saved; the one cut off by the
// end of the source only with keepPartial.
type capturer struct {
	dec         *rangefinder.Decoder
	builder     *revolution.Builder
	skip        int
	want        int
	keepPartial bool
	save        func(i int, scan *revolution.Scan) error
}

func (c *capturer) run() (int, error) {
	saved := 0
	handle := func(scan *revolution.Scan) error {
		if c.skip > 0 {
			c.skip--
			log.Printf("skipped revolution %d (%d points)", scan.Seq, scan.Len())
			return nil
		}
		saved++
		return c.save(saved, scan)
	}

	for s, err := range c.dec.Samples() {
		if err != nil {
			if errors.Is(err, rangefinder.ErrDecode) {
				continue
			}
			if errors.Is(err, serialport.ErrPortClosed) || errors.Is(err, os.ErrClosed) {
				break
			}
			return saved, err
		}
		if scan, ok := c.builder.Add(s); ok {
			if err := handle(scan); err != nil {
				return saved, err
			}
			if saved == c.want {
				return saved, nil
			}
		}
	}
	if !c.keepPartial || saved >= c.want {
		return saved, nil
	}
	if scan, ok := c.builder.Flush(); ok {
		if err := handle(scan); err != nil {
			return saved, err
		}
	}
	return saved, nil
}

func save(i int, scan *revolution.Scan, f cloudio.Format) error {
	base := filepath.Join(*outDir, fmt.Sprintf("%s-%03d", *name, i))
	if err := cloudio.SaveCloud(base+".txt", scan.Cloud, f); err != nil {
		return err
	}
	kind := "revolution"
	if !scan.Complete {
		kind = "partial revolution"
	}
	log.Printf("wrote %s.txt (%s, %d points, %.1f..%.1f deg)", base, kind, scan.Len(), scan.FirstAngle, scan.LastAngle)
	if !*plotPNG {
		return nil
	}
	title := fmt.Sprintf("%s revolution %d", *name, scan.Seq)
	origin := monitor.Series{Name: "sensor", Points: []geom.Point{{}}, Color: "#ef5350"}
	return monitor.WritePNG(base+".png", title, monitor.CloudSeries("scan", scan.Cloud, "#42a5f5"), origin)
}

func openSource(marker [2]byte) (io.ReadCloser, error) {
	switch {
	case *rawPath != "":
		f, err := os.Open(*rawPath)
		if err != nil {
			return nil, err
		}
		return f, nil
	case *synthetic:
		port := serialport.NewSyntheticPort(serialport.Synthetic{
			Room: serialport.RectRoom(400, 300),
			Pose: geom.Transform{Theta: 0.05, Tx: 150, Ty: 120},
			Sync: marker,
		})
		// One extra sweep on each side: neither end of the stream is a wrap.
		port.MaxRevolutions = *skip + *count + 2
		dev := serialport.NewDevice("synthetic", port)
		return dev, dev.Start()
	default:
		dev, err := serialport.Open(*portPath, serialport.PortOptions{BaudRate: *baud})
		if err != nil {
			return nil, err
		}
		if err := dev.Start(); err != nil {
			dev.Close()
			return nil, err
		}
		return dev, nil
	}
}
