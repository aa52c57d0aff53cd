package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/scanmatch/internal/cloudio"
	"github.com/banshee-data/scanmatch/internal/geom"
	"github.com/banshee-data/scanmatch/internal/icp"
	"github.com/banshee-data/scanmatch/internal/rangefinder"
	"github.com/banshee-data/scanmatch/internal/revolution"
	"github.com/banshee-data/scanmatch/internal/serialport"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/localiser.defaults.json"

// LocaliserConfig is the root configuration of the localiser service. Every
// field is optional; the Get* accessors supply defaults for unset fields.
type LocaliserConfig struct {
	// Serial link
	SerialPort  *string `json:"serial_port,omitempty"`
	BaudRate    *int    `json:"baud_rate,omitempty"`
	ReadTimeout *string `json:"read_timeout,omitempty"` // duration string like "10s"
	SyncMarker  *string `json:"sync_marker,omitempty"`  // two hex bytes like "A55A"

	// Revolution builder
	MinRevolutionPoints *int `json:"min_revolution_points,omitempty"`
	IndexThreshold      *int `json:"index_threshold,omitempty"`

	// Registration
	RegisterTimeout           *string            `json:"register_timeout,omitempty"`
	RegisterInterval          *string            `json:"register_interval,omitempty"` // "0s" disables periodic runs
	ConvergenceAngle          *float64           `json:"convergence_angle,omitempty"`
	ConvergenceTranslation    *float64           `json:"convergence_translation,omitempty"`
	MaxCorrespondenceDistance *float64           `json:"max_correspondence_distance,omitempty"`
	MaxIterations             *int               `json:"max_iterations,omitempty"`
	Parallel                  *bool              `json:"parallel,omitempty"`
	References                []*ReferenceConfig `json:"references,omitempty"`

	// Service
	DBPath     *string `json:"db_path,omitempty"`
	Listen     *string `json:"listen,omitempty"`
	CaptureDir *string `json:"capture_dir,omitempty"`
}

// ReferenceConfig names a reference cloud file and its prior pose.
type ReferenceConfig struct {
	Name   string          `json:"name"`
	Path   string          `json:"path"`
	Format *string         `json:"format,omitempty"` // "polar" (default) or "cartesian"
	Prior  *geom.Transform `json:"prior,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyLocaliserConfig returns a config with every field unset.
func EmptyLocaliserConfig() *LocaliserConfig {
	return &LocaliserConfig{}
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (*LocaliserConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyLocaliserConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Reference paths are relative to the config file.
	dir := filepath.Dir(cleanPath)
	for _, r := range cfg.References {
		if r != nil && r.Path != "" && !filepath.IsAbs(r.Path) {
			r.Path = filepath.Join(dir, r.Path)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the repository root or
// a package directory below it.
func MustLoadDefaultConfig() *LocaliserConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks every set field.
func (c *LocaliserConfig) Validate() error {
	for name, v := range map[string]*string{
		"read_timeout":      c.ReadTimeout,
		"register_timeout":  c.RegisterTimeout,
		"register_interval": c.RegisterInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}
	if c.SyncMarker != nil {
		if _, err := ParseSyncMarker(*c.SyncMarker); err != nil {
			return err
		}
	}

	for name, v := range map[string]*int{
		"min_revolution_points": c.MinRevolutionPoints,
		"index_threshold":       c.IndexThreshold,
		"max_iterations":        c.MaxIterations,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	if err := c.GetICPConfig().Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, r := range c.References {
		if r == nil {
			return fmt.Errorf("references[%d] is null", i)
		}
		if r.Name == "" {
			return fmt.Errorf("references[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("references[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true
		if r.Path == "" {
			return fmt.Errorf("reference %q: path is required", r.Name)
		}
		if r.Format != nil {
			if _, err := cloudio.ParseFormat(*r.Format); err != nil {
				return fmt.Errorf("reference %q: %w", r.Name, err)
			}
		}
	}
	return nil
}

// ParseSyncMarker parses two hex bytes such as "A55A" or "0xA5 0x5A".
func ParseSyncMarker(s string) ([2]byte, error) {
	var out [2]byte
	clean := strings.NewReplacer(" ", "", "0x", "", "0X", "").Replace(s)
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) != 2 {
		return out, fmt.Errorf("sync_marker must be two hex bytes like \"A55A\", got %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func (c *LocaliserConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyUSB0"
	}
	return *c.SerialPort
}

// GetPortOptions returns the serial options; unset framing fields keep the
// device defaults.
func (c *LocaliserConfig) GetPortOptions() serialport.PortOptions {
	opts := serialport.PortOptions{ReadTimeout: durationOr(c.ReadTimeout, serialport.DefaultReadTimeout)}
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	return opts
}

// GetSyncMarker returns the packet marker, defaulting to A5 5A.
func (c *LocaliserConfig) GetSyncMarker() [2]byte {
	if c.SyncMarker == nil {
		return rangefinder.DefaultSyncMarker
	}
	m, err := ParseSyncMarker(*c.SyncMarker)
	if err != nil {
		return rangefinder.DefaultSyncMarker
	}
	return m
}

func (c *LocaliserConfig) GetMinRevolutionPoints() int {
	if c.MinRevolutionPoints == nil {
		return 10
	}
	return *c.MinRevolutionPoints
}

func (c *LocaliserConfig) GetIndexThreshold() int {
	if c.IndexThreshold == nil {
		return geom.DefaultIndexThreshold
	}
	return *c.IndexThreshold
}

// GetBuilderConfig returns the revolution builder settings.
func (c *LocaliserConfig) GetBuilderConfig() revolution.BuilderConfig {
	return revolution.BuilderConfig{
		MinPoints:      c.GetMinRevolutionPoints(),
		IndexThreshold: c.GetIndexThreshold(),
	}
}

func (c *LocaliserConfig) GetRegisterTimeout() time.Duration {
	return durationOr(c.RegisterTimeout, 500*time.Millisecond)
}

func (c *LocaliserConfig) GetRegisterInterval() time.Duration {
	return durationOr(c.RegisterInterval, time.Second)
}

// GetICPConfig returns the registration engine settings. An unset
// max_correspondence_distance means no cap.
func (c *LocaliserConfig) GetICPConfig() icp.Config {
	cfg := icp.DefaultConfig()
	if c.ConvergenceAngle != nil {
		cfg.ConvergenceAngle = *c.ConvergenceAngle
	}
	if c.ConvergenceTranslation != nil {
		cfg.ConvergenceTranslation = *c.ConvergenceTranslation
	}
	if c.MaxCorrespondenceDistance != nil {
		cfg.MaxCorrespondenceDistance = *c.MaxCorrespondenceDistance
	}
	if c.MaxIterations != nil {
		cfg.MaxIterations = *c.MaxIterations
	}
	if c.Parallel != nil {
		cfg.Parallel = *c.Parallel
	}
	return cfg
}

func (c *LocaliserConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "scanmatch.db"
	}
	return *c.DBPath
}

func (c *LocaliserConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return "localhost:8090"
	}
	return *c.Listen
}

func (c *LocaliserConfig) GetCaptureDir() string {
	if c.CaptureDir == nil || *c.CaptureDir == "" {
		return "lidar-scans"
	}
	return *c.CaptureDir
}

// LoadReferences reads every configured reference file into a reference
// set, in configuration order.
func (c *LocaliserConfig) LoadReferences() (icp.ReferenceSet, error) {
	refs := make(icp.ReferenceSet, 0, len(c.References))
	for _, r := range c.References {
		format := cloudio.Polar
		if r.Format != nil {
			f, err := cloudio.ParseFormat(*r.Format)
			if err != nil {
				return nil, fmt.Errorf("reference %q: %w", r.Name, err)
			}
			format = f
		}
		cloud, err := cloudio.LoadCloud(r.Path, format)
		if err != nil {
			return nil, fmt.Errorf("reference %q: %w", r.Name, err)
		}
		cloud.SetIndexThreshold(c.GetIndexThreshold())
		prior := geom.Identity()
		if r.Prior != nil {
			prior = *r.Prior
		}
		refs = append(refs, icp.Reference{Name: r.Name, Cloud: cloud, Prior: prior})
	}
	return refs, nil
}

// maxCorrespondenceOrInf reports the configured cap for display.
func (c *LocaliserConfig) maxCorrespondenceOrInf() float64 {
	if c.MaxCorrespondenceDistance == nil || *c.MaxCorrespondenceDistance == 0 {
		return math.Inf(1)
	}
	return *c.MaxCorrespondenceDistance
}

// String summarises the effective configuration for startup logs.
func (c *LocaliserConfig) String() string {
	return fmt.Sprintf("port=%s (%v) sync=% X timeout=%v interval=%v max_corr=%v refs=%d db=%s",
		c.GetSerialPort(), c.GetPortOptions(), c.GetSyncMarker(), c.GetRegisterTimeout(),
		c.GetRegisterInterval(), c.maxCorrespondenceOrInf(), len(c.References), c.GetDBPath())
}
