package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
)

// ErrNotFound is returned when a named row does not exist.
var ErrNotFound = errors.New("not found")

// ReferenceInfo describes a stored reference without its points.
type ReferenceInfo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Prior      geom.Transform `json:"prior"`
	PointCount int            `json:"point_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SaveReference stores cloud under name, replacing any reference with the
// same name. It returns the new reference ID.
func (db *DB) SaveReference(ctx context.Context, name string, cloud *geom.PointCloud, prior geom.Transform) (string, error) {
	if name == "" {
		return "", errors.New("reference name is required")
	}
	if cloud.Len() == 0 {
		return "", fmt.Errorf("reference %q: %w", name, geom.ErrEmptyCloud)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reference_clouds WHERE name = ?`, name); err != nil {
		return "", fmt.Errorf("replace reference %q: %w", name, err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO reference_clouds (
			reference_id, name, prior_theta, prior_tx, prior_ty, point_count, created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, prior.Theta, prior.Tx, prior.Ty, cloud.Len(), db.clock.Now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert reference %q: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO reference_points (reference_id, seq, x, y) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for i, p := range cloud.All() {
		if _, err := stmt.ExecContext(ctx, id, i, p.X, p.Y); err != nil {
			return "", fmt.Errorf("insert point %d of %q: %w", i, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// DeleteReference removes the named reference and its points.
func (db *DB) DeleteReference(ctx context.Context, name string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM reference_clouds WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reference %q: %w", name, ErrNotFound)
	}
	return nil
}

// ListReferences returns stored references in creation order.
func (db *DB) ListReferences(ctx context.Context) ([]ReferenceInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT reference_id, name, prior_theta, prior_tx, prior_ty, point_count, created_unix_nanos
		FROM reference_clouds ORDER BY created_unix_nanos, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferenceInfo
	for rows.Next() {
		var (
			info    ReferenceInfo
			created int64
		)
		if err := rows.Scan(&info.ID, &info.Name, &info.Prior.Theta, &info.Prior.Tx, &info.Prior.Ty, &info.PointCount, &created); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(0, created)
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadReferences returns every stored reference as frozen clouds, in
// creation order.
func (db *DB) LoadReferences(ctx context.Context) (icp.ReferenceSet, error) {
	infos, err := db.ListReferences(ctx)
	if err != nil {
		return nil, err
	}
	refs := make(icp.ReferenceSet, 0, len(infos))
	for _, info := range infos {
		cloud, err := db.loadPoints(ctx, info.ID, info.PointCount)
		if err != nil {
			return nil, fmt.Errorf("load reference %q: %w", info.Name, err)
		}
		refs = append(refs, icp.Reference{Name: info.Name, Cloud: cloud, Prior: info.Prior})
	}
	return refs, nil
}

func (db *DB) loadPoints(ctx context.Context, id string, hint int) (*geom.PointCloud, error) {
	rows, err := db.QueryContext(ctx, `SELECT x, y FROM reference_points WHERE reference_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pts := make([]geom.Point, 0, hint)
	for rows.Next() {
		var p geom.Point
		if err := rows.Scan(&p.X, &p.Y); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return geom.NewFrozenCloud(pts...), nil
}

// Registration is one recorded registration attempt.
type Registration struct {
	RunID        string         `json:"run_id"`
	ScanSeq      uint64         `json:"scan_seq"`
	Reference    string         `json:"reference"`
	Transform    geom.Transform `json:"transform"`
	Residual     float64        `json:"residual"`
	MeanResidual float64        `json:"mean_residual"`
	Iterations   int            `json:"iterations"`
	Converged    bool           `json:"converged"`
	PointCount   int            `json:"point_count"`
	Elapsed      time.Duration  `json:"elapsed"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// NewRegistration builds a row from a registration outcome at the given
// time. res may be nil when err is set.
func NewRegistration(scanSeq uint64, at time.Time, res *icp.Result, err error) Registration {
	r := Registration{ScanSeq: scanSeq, CreatedAt: at}
	if res != nil {
		r.Reference = res.Reference
		r.Transform = res.Transform
		r.Residual = res.Residual
		r.MeanResidual = res.MeanResidual
		r.Iterations = res.Iterations
		r.Converged = res.Converged
		r.PointCount = res.PointCount
		r.Elapsed = res.Elapsed
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// RecordRegistration inserts r, assigning a run ID when empty, and returns
// the ID.
func (db *DB) RecordRegistration(ctx context.Context, r Registration) (string, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = db.clock.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO registrations (
			run_id, scan_seq, reference_name, theta, tx, ty, residual, mean_residual,
			iterations, converged, point_count, elapsed_nanos, error, created_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, int64(r.ScanSeq), r.Reference, r.Transform.Theta, r.Transform.Tx, r.Transform.Ty,
		r.Residual, r.MeanResidual, r.Iterations, r.Converged, r.PointCount,
		r.Elapsed.Nanoseconds(), r.Error, r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("record registration: %w", err)
	}
	return r.RunID, nil
}

// ListRegistrations returns up to limit registrations, newest first.
func (db *DB) ListRegistrations(ctx context.Context, limit int) ([]Registration, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, scan_seq, reference_name, theta, tx, ty, residual, mean_residual,
			iterations, converged, point_count, elapsed_nanos, error, created_unix_nanos
		FROM registrations ORDER BY created_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRegistration returns the newest successful registration.
func (db *DB) LatestRegistration(ctx context.Context) (Registration, error) {
	row := db.QueryRowContext(ctx,
		`SELECT run_id, scan_seq, reference_name, theta, tx, ty, residual, mean_residual,
			iterations, converged, point_count, elapsed_nanos, error, created_unix_nanos
		FROM registrations WHERE error = '' ORDER BY created_unix_nanos DESC, rowid DESC LIMIT 1`)
	r, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Registration{}, fmt.Errorf("registration: %w", ErrNotFound)
	}
	return r, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(s rowScanner) (Registration, error) {
	var (
		r       Registration
		seq     int64
		elapsed int64
		created int64
	)
	err := s.Scan(&r.RunID, &seq, &r.Reference, &r.Transform.Theta, &r.Transform.Tx, &r.Transform.Ty,
		&r.Residual, &r.MeanResidual, &r.Iterations, &r.Converged, &r.PointCount, &elapsed, &r.Error, &created)
	if err != nil {
		return Registration{}, err
	}
	r.ScanSeq = uint64(seq)
	r.Elapsed = time.Duration(elapsed)
	r.CreatedAt = time.Unix(0, created)
	return r, nil
}

// Capture records a revolution written to disk on request.
type Capture struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	ScanSeq    uint64    `json:"scan_seq"`
	PointCount int       `json:"point_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordCapture inserts c and returns its ID.
func (db *DB) RecordCapture(ctx context.Context, c Capture) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = db.clock.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO scan_captures (capture_id, name, path, scan_seq, point_count, created_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Path, int64(c.ScanSeq), c.PointCount, c.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("record capture %q: %w", c.Name, err)
	}
	return c.ID, nil
}

// ListCaptures returns up to limit captures, newest first.
func (db *DB) ListCaptures(ctx context.Context, limit int) ([]Capture, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT capture_id, name, path, scan_seq, point_count, created_unix_nanos
		FROM scan_captures ORDER BY created_unix_nanos DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Capture
	for rows.Next() {
		var (
			c       Capture
			seq     int64
			created int64
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Path, &seq, &c.PointCount, &created); err != nil {
			return nil, err
		}
		c.ScanSeq = uint64(seq)
		c.CreatedAt = time.Unix(0, created)
		out = append(out, c)
	}
	return out, rows.Err()
}
