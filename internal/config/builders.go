package config

import (
	"image"

	"github.com/banshee-data/resofly/internal/lifeform/alerts"
	"github.com/banshee-data/resofly/internal/lifeform/fusion"
	"github.com/banshee-data/resofly/internal/lifeform/optical"
	"github.com/banshee-data/resofly/internal/lifeform/pipeline"
	"github.com/banshee-data/resofly/internal/lifeform/thermal"
	"github.com/banshee-data/resofly/internal/lifeform/tracking"
)

// ThermalConfig builds the hotspot detector configuration.
func (c *TuningConfig) ThermalConfig() thermal.Config {
	return thermal.Config{
		MinArea:         c.GetMinArea(),
		MaxArea:         c.GetMaxArea(),
		BlurKernel:      c.GetBlurKernel(),
		MorphKernel:     c.GetMorphKernel(),
		StdMultiplier:   c.GetStdMultiplier(),
		MaxThreshold:    c.GetMaxThreshold(),
		MinSolidity:     c.GetMinSolidity(),
		MinTempVariance: c.GetMinTempVariance(),
		MinAspect:       c.GetMinAspect(),
		MaxAspect:       c.GetMaxAspect(),
		SceneMinTemp:    c.GetSceneMinTemp(),
		SceneMaxTemp:    c.GetSceneMaxTemp(),
		HumanFloorTemp:  c.GetHumanFloorTemp(),
	}
}

// OpticalConfig builds the cascade detector configuration. Empty cascade
// paths are skipped.
func (c *TuningConfig) OpticalConfig() optical.Config {
	cfg := optical.DefaultConfig()
	for _, p := range []string{c.GetHaarFullBody(), c.GetHaarUpperBody()} {
		if p != "" {
			cfg.CascadePaths = append(cfg.CascadePaths, p)
		}
	}
	cfg.TargetWidth = c.GetOpticalTargetWidth()
	cfg.ScaleFactor = c.GetOpticalScaleFactor()
	cfg.MinNeighbors = c.GetOpticalMinNeighbors()
	return cfg
}

// FusionConfig builds the fusion engine configuration. Resolutions keep their
// defaults; the processor resets them from the actual frames.
func (c *TuningConfig) FusionConfig() fusion.Config {
	cfg := fusion.DefaultConfig()
	cfg.IoUThreshold = c.GetIoUThreshold()
	return cfg
}

// TrackerConfig builds the tracker configuration. An unknown associator name
// leaves the tracker default in place; Validate reports it.
func (c *TuningConfig) TrackerConfig() tracking.Config {
	cfg := tracking.Config{
		MaxDisappeared:       c.GetMaxDisappeared(),
		MaxDistance:          c.GetMaxDistance(),
		PersistenceThreshold: c.GetPersistenceThreshold(),
		BBoxAlpha:            c.GetBBoxAlpha(),
		MinMovement:          c.GetMinMovement(),
	}
	if a, ok := tracking.NewAssociator(c.GetAssociator()); ok {
		cfg.Associator = a
	}
	return cfg
}

// AlertConfig builds the alert manager configuration.
func (c *TuningConfig) AlertConfig() alerts.Config {
	return alerts.Config{
		PersistenceThreshold: c.GetAlertPersistenceThreshold(),
		Cooldown:             c.GetAlertCooldown(),
		RequiredValidation:   c.GetRequiredValidation(),
		Escalation:           alerts.EscalationPolicy{MinTempRise: c.GetEscalationMinTempRise()},
	}
}

// PipelineConfig builds the processing loop tunables. Stages are attached
// by the caller.
func (c *TuningConfig) PipelineConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.DetectInterval = c.GetDetectInterval()
	cfg.JPEGQuality = c.GetJPEGQuality()
	cfg.OutputSize = image.Pt(c.GetOutputWidth(), c.GetOutputHeight())
	return cfg
}
