package config

import (
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/resofly/internal/fsutil"
	"github.com/banshee-data/resofly/internal/lifeform"
	"github.com/banshee-data/resofly/internal/lifeform/alerts"
	"github.com/banshee-data/resofly/internal/lifeform/thermal"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultsFileMatchesCode(t *testing.T) {
	t.Parallel()

	loaded := MustLoadDefaultConfig()
	if diff := cmp.Diff(DefaultTuningConfig(), loaded); diff != "" {
		t.Errorf("%s drifted from the code defaults (-code +file):\n%s", DefaultConfigPath, diff)
	}
}

func TestEmptyConfigUsesStageDefaults(t *testing.T) {
	t.Parallel()

	cfg := EmptyTuningConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, thermal.DefaultConfig(), cfg.ThermalConfig())
	assert.Equal(t, 0.3, cfg.FusionConfig().IoUThreshold)
	assert.Equal(t, 500*time.Millisecond, cfg.GetOpticalMaxAge())

	tc := cfg.TrackerConfig()
	assert.IsType(t, tracking.GreedyAssociator{}, tc.Associator)
	tc.Associator = nil
	assert.Equal(t, tracking.DefaultConfig(), tc)

	assert.Equal(t, alerts.DefaultConfig(), cfg.AlertConfig())

	pc := cfg.PipelineConfig()
	assert.Equal(t, 4, pc.DetectInterval)
	assert.Equal(t, 35, pc.JPEGQuality)
	assert.Equal(t, image.Point{}, pc.OutputSize)
	assert.Empty(t, cfg.OpticalConfig().CascadePaths)
}

func TestLoadTuningConfigJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "field.json", `{
  "min_area": 60,
  "persistence_threshold": 3,
  "associator": "hungarian",
  "alert_cooldown": "90s",
  "required_validation": "fused_validated",
  "haar_upperbody": "/opt/cascades/upperbody.xml"
}`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 60.0, cfg.ThermalConfig().MinArea)
	assert.Equal(t, 5000.0, cfg.ThermalConfig().MaxArea, "unset fields keep defaults")

	tc := cfg.TrackerConfig()
	assert.Equal(t, 3, tc.PersistenceThreshold)
	assert.IsType(t, tracking.HungarianAssociator{}, tc.Associator)

	ac := cfg.AlertConfig()
	assert.Equal(t, 3, ac.PersistenceThreshold, "alert threshold follows the tracker when unset")
	assert.Equal(t, 90*time.Second, ac.Cooldown)
	assert.Equal(t, lifeform.FusedValidated, ac.RequiredValidation)

	assert.Equal(t, []string{"/opt/cascades/upperbody.xml"}, cfg.OpticalConfig().CascadePaths)
}

func TestLoadTuningConfigYAML(t *testing.T) {
	t.Parallel()

	cfg, err := LoadTuningConfig("../../config/tuning.example.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.GetAlertCooldown())
	assert.Equal(t, 2.0, cfg.AlertConfig().Escalation.MinTempRise)
	assert.Equal(t, image.Pt(640, 480), cfg.PipelineConfig().OutputSize)
	assert.Len(t, cfg.OpticalConfig().CascadePaths, 2)

	// JSON content under a YAML name is sniffed.
	path := writeConfig(t, "sniffed.yml", `{"detect_interval": 2}`)
	cfg, err = LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.PipelineConfig().DetectInterval)
}

func TestLoadTuningConfigFS(t *testing.T) {
	t.Parallel()

	fsys := fsutil.NewMemoryFileSystem()
	fsys.WriteFile("/etc/resofly/tuning.yaml", []byte("max_distance: 45\nassociator: hungarian\n"))

	cfg, err := LoadTuningConfigFS(fsys, "/etc/resofly/../resofly/tuning.yaml")
	require.NoError(t, err)
	assert.Equal(t, 45.0, cfg.TrackerConfig().MaxDistance)
	assert.IsType(t, tracking.HungarianAssociator{}, cfg.TrackerConfig().Associator)

	_, err = LoadTuningConfigFS(fsys, "/etc/resofly/other.yaml")
	assert.Error(t, err)
}

func TestLoadTuningConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path func(t *testing.T) string
		want string
	}{
		{"missing", func(*testing.T) string { return "/nonexistent/config.json" }, "stat"},
		{"extension", func(t *testing.T) string { return writeConfig(t, "c.toml", "") }, "extension"},
		{"too large", func(t *testing.T) string {
			return writeConfig(t, "big.json", strings.Repeat(" ", maxFileSize+1))
		}, "too large"},
		{"bad json", func(t *testing.T) string { return writeConfig(t, "c.json", `{"min_area": "wide"`) }, "JSON"},
		{"bad yaml", func(t *testing.T) string { return writeConfig(t, "c.yaml", "min_area: [1, 2") }, "YAML"},
		{"invalid value", func(t *testing.T) string { return writeConfig(t, "c.yaml", "blur_kernel: 4") }, "invalid configuration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadTuningConfig(tt.path(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{"defaults", DefaultTuningConfig(), false},
		{"empty", &TuningConfig{}, false},
		{"bad cooldown", &TuningConfig{AlertCooldown: ptrTo("soon")}, true},
		{"bad optical age", &TuningConfig{OpticalMaxAge: ptrTo("1 fortnight")}, true},
		{"unknown associator", &TuningConfig{Associator: ptrTo("auction")}, true},
		{"unknown validation", &TuningConfig{RequiredValidation: ptrTo("VIBES")}, true},
		{"jpeg quality", &TuningConfig{JPEGQuality: ptrTo(0)}, true},
		{"detect interval", &TuningConfig{DetectInterval: ptrTo(0)}, true},
		{"output size", &TuningConfig{OutputWidth: ptrTo(-1)}, true},
		{"iou", &TuningConfig{IoUThreshold: ptrTo(1.5)}, true},
		{"scene range", &TuningConfig{SceneMinTemp: ptrTo(50.0)}, true},
		{"tracker alpha", &TuningConfig{BBoxAlpha: ptrTo(0.0)}, true},
		{"alert persistence", &TuningConfig{AlertPersistenceThreshold: ptrTo(0)}, true},
		{"alert before confirmation", &TuningConfig{PersistenceThreshold: ptrTo(5), AlertPersistenceThreshold: ptrTo(3)}, true},
		{"alert after confirmation", &TuningConfig{PersistenceThreshold: ptrTo(3), AlertPersistenceThreshold: ptrTo(5)}, false},
		{"negative escalation", &TuningConfig{EscalationMinTempRise: ptrTo(-1.0)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationAccessorsFallBack(t *testing.T) {
	t.Parallel()

	cfg := &TuningConfig{AlertCooldown: ptrTo("garbage"), OpticalMaxAge: ptrTo("")}
	assert.Equal(t, 300*time.Second, cfg.GetAlertCooldown())
	assert.Equal(t, DefaultOpticalMaxAge, cfg.GetOpticalMaxAge())
}
