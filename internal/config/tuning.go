// Package config loads the detection tuning shared by the CLI and tests.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/resofly/internal/fsutil"
	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/alerts"
	"github.com/banshee-data/resofly/internal/lifeform/fusion"
	"github.com/banshee-data/resofly/internal/lifeform/optical"
	"github.com/banshee-data/resofly/internal/lifeform/pipeline"
	"github.com/banshee-data/resofly/internal/lifeform/thermal"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
)

// DefaultConfigPath is the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

const maxFileSize = 1 * 1024 * 1024

// DefaultOpticalMaxAge is how long a camera frame stays usable for fusion.
const DefaultOpticalMaxAge = 500 * time.Millisecond

// TuningConfig is the flat tuning schema. Every field is optional; the Get*
// accessors fall back to the stage defaults for anything left unset, so
// partial files are safe.
type TuningConfig struct {
	// Thermal hotspot detection
	MinArea         *float64 `json:"min_area,omitempty" yaml:"min_area,omitempty"`
	MaxArea         *float64 `json:"max_area,omitempty" yaml:"max_area,omitempty"`
	BlurKernel      *int     `json:"blur_kernel,omitempty" yaml:"blur_kernel,omitempty"`
	MorphKernel     *int     `json:"morph_kernel,omitempty" yaml:"morph_kernel,omitempty"`
	StdMultiplier   *float64 `json:"std_multiplier,omitempty" yaml:"std_multiplier,omitempty"`
	MaxThreshold    *float64 `json:"max_threshold,omitempty" yaml:"max_threshold,omitempty"`
	MinSolidity     *float64 `json:"min_solidity,omitempty" yaml:"min_solidity,omitempty"`
	MinTempVariance *float64 `json:"min_temp_variance,omitempty" yaml:"min_temp_variance,omitempty"`
	MinAspect       *float64 `json:"min_aspect,omitempty" yaml:"min_aspect,omitempty"`
	MaxAspect       *float64 `json:"max_aspect,omitempty" yaml:"max_aspect,omitempty"`
	SceneMinTemp    *float64 `json:"scene_min_temp,omitempty" yaml:"scene_min_temp,omitempty"`
	SceneMaxTemp    *float64 `json:"scene_max_temp,omitempty" yaml:"scene_max_temp,omitempty"`
	HumanFloorTemp  *float64 `json:"human_floor_temp,omitempty" yaml:"human_floor_temp,omitempty"`

	// Optical detection and fusion
	HaarFullBody        *string  `json:"haar_fullbody,omitempty" yaml:"haar_fullbody,omitempty"`
	HaarUpperBody       *string  `json:"haar_upperbody,omitempty" yaml:"haar_upperbody,omitempty"`
	OpticalTargetWidth  *int     `json:"optical_target_width,omitempty" yaml:"optical_target_width,omitempty"`
	OpticalScaleFactor  *float64 `json:"optical_scale_factor,omitempty" yaml:"optical_scale_factor,omitempty"`
	OpticalMinNeighbors *int     `json:"optical_min_neighbors,omitempty" yaml:"optical_min_neighbors,omitempty"`
	OpticalMaxAge       *string  `json:"optical_max_age,omitempty" yaml:"optical_max_age,omitempty"` // duration string like "500ms"
	IoUThreshold        *float64 `json:"iou_threshold,omitempty" yaml:"iou_threshold,omitempty"`

	// Tracking
	MaxDisappeared       *int     `json:"max_disappeared,omitempty" yaml:"max_disappeared,omitempty"`
	MaxDistance          *float64 `json:"max_distance,omitempty" yaml:"max_distance,omitempty"`
	PersistenceThreshold *int     `json:"persistence_threshold,omitempty" yaml:"persistence_threshold,omitempty"`
	BBoxAlpha            *float64 `json:"bbox_alpha,omitempty" yaml:"bbox_alpha,omitempty"`
	MinMovement          *float64 `json:"min_movement,omitempty" yaml:"min_movement,omitempty"`
	Associator           *string  `json:"associator,omitempty" yaml:"associator,omitempty"` // "greedy" or "hungarian"

	// Alerting
	AlertPersistenceThreshold *int     `json:"alert_persistence_threshold,omitempty" yaml:"alert_persistence_threshold,omitempty"`
	AlertCooldown             *string  `json:"alert_cooldown,omitempty" yaml:"alert_cooldown,omitempty"` // duration string like "300s"
	RequiredValidation        *string  `json:"required_validation,omitempty" yaml:"required_validation,omitempty"`
	EscalationMinTempRise     *float64 `json:"escalation_min_temp_rise,omitempty" yaml:"escalation_min_temp_rise,omitempty"`

	// Processing loop
	DetectInterval *int `json:"detect_interval,omitempty" yaml:"detect_interval,omitempty"`
	JPEGQuality    *int `json:"jpeg_quality,omitempty" yaml:"jpeg_quality,omitempty"`
	OutputWidth    *int `json:"output_width,omitempty" yaml:"output_width,omitempty"`
	OutputHeight   *int `json:"output_height,omitempty" yaml:"output_height,omitempty"`
}

func orDefault[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

// EmptyTuningConfig returns a TuningConfig with every field unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig reads a .json, .yaml or .yml tuning file. The format is
// sniffed from the content, so a JSON document under a .yaml name loads too.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	return LoadTuningConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadTuningConfigFS is LoadTuningConfig against an arbitrary filesystem.
func LoadTuningConfigFS(fsys fsutil.FileSystem, path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseTuningConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return cfg, nil
}

// ParseTuningConfig decodes and validates a JSON or YAML document.
func ParseTuningConfig(data []byte) (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return cfg, nil
	}
	if looksLikeJSON(trimmed) {
		if err := json.Unmarshal(trimmed, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else if err := yaml.Unmarshal(trimmed, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func looksLikeJSON(b []byte) bool {
	return b[0] == '{'
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// one of its parents. It panics when the file cannot be found; use it in tests.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that set values are usable by the stages they configure.
func (c *TuningConfig) Validate() error {
	for name, p := range map[string]*string{
		"optical_max_age": c.OpticalMaxAge,
		"alert_cooldown":  c.AlertCooldown,
	} {
		if p != nil && *p != "" {
			if _, err := time.ParseDuration(*p); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *p, err)
			}
		}
	}
	if c.Associator != nil {
		if _, ok := tracking.NewAssociator(*c.Associator); !ok {
			return fmt.Errorf("unknown associator %q", *c.Associator)
		}
	}
	if c.RequiredValidation != nil {
		if _, ok := lifeform.ParseValidationType(*c.RequiredValidation); !ok {
			return fmt.Errorf("unknown required_validation %q", *c.RequiredValidation)
		}
	}
	if q := c.GetJPEGQuality(); q < 1 || q > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", q)
	}
	if c.GetDetectInterval() < 1 {
		return fmt.Errorf("detect_interval must be at least 1, got %d", c.GetDetectInterval())
	}
	if c.GetOutputWidth() < 0 || c.GetOutputHeight() < 0 {
		return fmt.Errorf("output size must be non-negative, got %dx%d", c.GetOutputWidth(), c.GetOutputHeight())
	}
	if iou := c.GetIoUThreshold(); iou < 0 || iou > 1 {
		return fmt.Errorf("iou_threshold must be between 0 and 1, got %g", iou)
	}
	if a, p := c.GetAlertPersistenceThreshold(), c.GetPersistenceThreshold(); a < p {
		return fmt.Errorf("alert_persistence_threshold (%d) must not be below persistence_threshold (%d)", a, p)
	}

	if err := c.ThermalConfig().Validate(); err != nil {
		return err
	}
	tc := c.TrackerConfig()
	if err := tc.Validate(); err != nil {
		return err
	}
	return c.AlertConfig().Validate()
}

// DefaultTuningConfig returns a config with every field set to its default.
func DefaultTuningConfig() *TuningConfig {
	e := EmptyTuningConfig()
	return &TuningConfig{
		MinArea:                   ptrTo(e.GetMinArea()),
		MaxArea:                   ptrTo(e.GetMaxArea()),
		BlurKernel:                ptrTo(e.GetBlurKernel()),
		MorphKernel:               ptrTo(e.GetMorphKernel()),
		StdMultiplier:             ptrTo(e.GetStdMultiplier()),
		MaxThreshold:              ptrTo(e.GetMaxThreshold()),
		MinSolidity:               ptrTo(e.GetMinSolidity()),
		MinTempVariance:           ptrTo(e.GetMinTempVariance()),
		MinAspect:                 ptrTo(e.GetMinAspect()),
		MaxAspect:                 ptrTo(e.GetMaxAspect()),
		SceneMinTemp:              ptrTo(e.GetSceneMinTemp()),
		SceneMaxTemp:              ptrTo(e.GetSceneMaxTemp()),
		HumanFloorTemp:            ptrTo(e.GetHumanFloorTemp()),
		HaarFullBody:              ptrTo(e.GetHaarFullBody()),
		HaarUpperBody:             ptrTo(e.GetHaarUpperBody()),
		OpticalTargetWidth:        ptrTo(e.GetOpticalTargetWidth()),
		OpticalScaleFactor:        ptrTo(e.GetOpticalScaleFactor()),
		OpticalMinNeighbors:       ptrTo(e.GetOpticalMinNeighbors()),
		OpticalMaxAge:             ptrTo(e.GetOpticalMaxAge().String()),
		IoUThreshold:              ptrTo(e.GetIoUThreshold()),
		MaxDisappeared:            ptrTo(e.GetMaxDisappeared()),
		MaxDistance:               ptrTo(e.GetMaxDistance()),
		PersistenceThreshold:      ptrTo(e.GetPersistenceThreshold()),
		BBoxAlpha:                 ptrTo(e.GetBBoxAlpha()),
		MinMovement:               ptrTo(e.GetMinMovement()),
		Associator:                ptrTo(e.GetAssociator()),
		AlertPersistenceThreshold: ptrTo(e.GetAlertPersistenceThreshold()),
		AlertCooldown:             ptrTo(e.GetAlertCooldown().String()),
		RequiredValidation:        ptrTo(string(e.GetRequiredValidation())),
		EscalationMinTempRise:     ptrTo(e.GetEscalationMinTempRise()),
		DetectInterval:            ptrTo(e.GetDetectInterval()),
		JPEGQuality:               ptrTo(e.GetJPEGQuality()),
		OutputWidth:               ptrTo(e.GetOutputWidth()),
		OutputHeight:              ptrTo(e.GetOutputHeight()),
	}
}

func ptrTo[T any](v T) *T { return &v }

// Thermal accessors.

func (c *TuningConfig) GetMinArea() float64 {
	return orDefault(c.MinArea, thermal.DefaultConfig().MinArea)
}
func (c *TuningConfig) GetMaxArea() float64 {
	return orDefault(c.MaxArea, thermal.DefaultConfig().MaxArea)
}
func (c *TuningConfig) GetBlurKernel() int {
	return orDefault(c.BlurKernel, thermal.DefaultConfig().BlurKernel)
}
func (c *TuningConfig) GetMorphKernel() int {
	return orDefault(c.MorphKernel, thermal.DefaultConfig().MorphKernel)
}
func (c *TuningConfig) GetStdMultiplier() float64 {
	return orDefault(c.StdMultiplier, thermal.DefaultConfig().StdMultiplier)
}
func (c *TuningConfig) GetMaxThreshold() float64 {
	return orDefault(c.MaxThreshold, thermal.DefaultConfig().MaxThreshold)
}
func (c *TuningConfig) GetMinSolidity() float64 {
	return orDefault(c.MinSolidity, thermal.DefaultConfig().MinSolidity)
}
func (c *TuningConfig) GetMinTempVariance() float64 {
	return orDefault(c.MinTempVariance, thermal.DefaultConfig().MinTempVariance)
}
func (c *TuningConfig) GetMinAspect() float64 {
	return orDefault(c.MinAspect, thermal.DefaultConfig().MinAspect)
}
func (c *TuningConfig) GetMaxAspect() float64 {
	return orDefault(c.MaxAspect, thermal.DefaultConfig().MaxAspect)
}
func (c *TuningConfig) GetSceneMinTemp() float64 {
	return orDefault(c.SceneMinTemp, thermal.DefaultConfig().SceneMinTemp)
}
func (c *TuningConfig) GetSceneMaxTemp() float64 {
	return orDefault(c.SceneMaxTemp, thermal.DefaultConfig().SceneMaxTemp)
}
func (c *TuningConfig) GetHumanFloorTemp() float64 {
	return orDefault(c.HumanFloorTemp, thermal.DefaultConfig().HumanFloorTemp)
}

// Optical and fusion accessors.

func (c *TuningConfig) GetHaarFullBody() string  { return orDefault(c.HaarFullBody, "") }
func (c *TuningConfig) GetHaarUpperBody() string { return orDefault(c.HaarUpperBody, "") }
func (c *TuningConfig) GetOpticalTargetWidth() int {
	return orDefault(c.OpticalTargetWidth, optical.DefaultConfig().TargetWidth)
}
func (c *TuningConfig) GetOpticalScaleFactor() float64 {
	return orDefault(c.OpticalScaleFactor, optical.DefaultConfig().ScaleFactor)
}
func (c *TuningConfig) GetOpticalMinNeighbors() int {
	return orDefault(c.OpticalMinNeighbors, optical.DefaultConfig().MinNeighbors)
}

// GetOpticalMaxAge parses optical_max_age, falling back to the default on
// parse errors.
func (c *TuningConfig) GetOpticalMaxAge() time.Duration {
	return durationOr(c.OpticalMaxAge, DefaultOpticalMaxAge)
}
func (c *TuningConfig) GetIoUThreshold() float64 {
	return orDefault(c.IoUThreshold, fusion.DefaultConfig().IoUThreshold)
}

// Tracking accessors.

func (c *TuningConfig) GetMaxDisappeared() int {
	return orDefault(c.MaxDisappeared, tracking.DefaultConfig().MaxDisappeared)
}
func (c *TuningConfig) GetMaxDistance() float64 {
	return orDefault(c.MaxDistance, tracking.DefaultConfig().MaxDistance)
}
func (c *TuningConfig) GetPersistenceThreshold() int {
	return orDefault(c.PersistenceThreshold, tracking.DefaultConfig().PersistenceThreshold)
}
func (c *TuningConfig) GetBBoxAlpha() float64 {
	return orDefault(c.BBoxAlpha, tracking.DefaultConfig().BBoxAlpha)
}
func (c *TuningConfig) GetMinMovement() float64 {
	return orDefault(c.MinMovement, tracking.DefaultConfig().MinMovement)
}
func (c *TuningConfig) GetAssociator() string { return orDefault(c.Associator, "greedy") }

// Alert accessors.

// GetAlertPersistenceThreshold follows persistence_threshold when unset.
func (c *TuningConfig) GetAlertPersistenceThreshold() int {
	return orDefault(c.AlertPersistenceThreshold, c.GetPersistenceThreshold())
}

// GetAlertCooldown parses alert_cooldown, falling back to the default on
// parse errors.
func (c *TuningConfig) GetAlertCooldown() time.Duration {
	return durationOr(c.AlertCooldown, alerts.DefaultConfig().Cooldown)
}

// GetRequiredValidation returns the validation filter; unknown names map to
// no filter.
func (c *TuningConfig) GetRequiredValidation() lifeform.ValidationType {
	v, _ := lifeform.ParseValidationType(orDefault(c.RequiredValidation, ""))
	return v
}
func (c *TuningConfig) GetEscalationMinTempRise() float64 {
	return orDefault(c.EscalationMinTempRise, 0)
}

// Processing loop accessors.

func (c *TuningConfig) GetDetectInterval() int {
	return orDefault(c.DetectInterval, pipeline.DefaultDetectInterval)
}
func (c *TuningConfig) GetJPEGQuality() int {
	return orDefault(c.JPEGQuality, pipeline.DefaultJPEGQuality)
}
func (c *TuningConfig) GetOutputWidth() int  { return orDefault(c.OutputWidth, 0) }
func (c *TuningConfig) GetOutputHeight() int { return orDefault(c.OutputHeight, 0) }
