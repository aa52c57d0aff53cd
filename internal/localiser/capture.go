package localiser

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/scanmatch/internal/cloudio"
	"github.com/banshee-data/scanmatch/internal/db"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/security"
)

// Capture writes the newest revolution to <CaptureDir>/<name>.txt in the
// polar fixture format.
func (l *Localiser) Capture(ctx context.Context, name string) (db.Capture, error) {
	if err := security.CheckName(name); err != nil {
		return db.Capture{}, err
	}
	scan := l.latest.Load()
	if scan == nil {
		return db.Capture{}, ErrNoScan
	}

	dir := l.cfg.CaptureDir
	if dir == "" {
		dir = "."
	}
	c := db.Capture{
		Name:       name,
		Path:       filepath.Join(dir, name+".txt"),
		ScanSeq:    scan.Seq,
		PointCount: scan.Len(),
		CreatedAt:  l.clock.Now(),
	}
	if err := security.WithinDir(c.Path, dir); err != nil {
		return db.Capture{}, err
	}
	if err := cloudio.SaveCloud(c.Path, scan.Cloud, cloudio.Polar); err != nil {
		return db.Capture{}, fmt.Errorf("capture %q: %w", name, err)
	}
	opsf("captured revolution %d (%d points) to %s", scan.Seq, c.PointCount, c.Path)

	if l.db != nil {
		id, err := l.db.RecordCapture(ctx, c)
		if err != nil {
			return c, err
		}
		c.ID = id
	}
	return c, nil
}

// AddReference stores the newest revolution as reference name with prior,
// replacing an existing reference of the same name in place.
func (l *Localiser) AddReference(ctx context.Context, name string, prior geom.Transform) (icp.Reference, error) {
	if err := security.CheckName(name); err != nil {
		return icp.Reference{}, err
	}
	scan := l.latest.Load()
	if scan == nil {
		return icp.Reference{}, ErrNoScan
	}
	ref := icp.Reference{Name: name, Cloud: scan.Cloud, Prior: prior}

	if l.db != nil {
		if _, err := l.db.SaveReference(ctx, name, scan.Cloud, prior); err != nil {
			return icp.Reference{}, err
		}
	}

	l.refMu.Lock()
	defer l.refMu.Unlock()
	for i := range l.refs {
		if l.refs[i].Name == name {
			l.refs[i] = ref
			return ref, nil
		}
	}
	l.refs = append(l.refs, ref)
	opsf("added reference %q from revolution %d (%d points)", name, scan.Seq, scan.Len())
	return ref, nil
}
