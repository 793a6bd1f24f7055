package monitoring

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/compozy/taskengine/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type systemMetrics struct {
	uptime metric.Registration
}

func initSystemMetrics(ctx context.Context, meter metric.Meter) *systemMetrics {
	log := logger.FromContext(ctx)
	sys := &systemMetrics{}
	buildInfo, err := meter.Float64Gauge(
		"taskengine_build_info",
		metric.WithDescription("Build information (value=1)"),
	)
	if err != nil {
		log.Error("Failed to create build info gauge", "error", err)
	} else {
		ver, commit, goVersion := getBuildInfo()
		buildInfo.Record(ctx, 1, metric.WithAttributes(
			attribute.String("version", ver),
			attribute.String("commit_hash", commit),
			attribute.String("go_version", goVersion),
		))
		log.Info("System metrics initialized", "version", ver, "commit", commit, "go_version", goVersion)
	}
	uptimeGauge, err := meter.Float64ObservableGauge(
		"taskengine_uptime",
		metric.WithDescription("Service uptime"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Error("Failed to create uptime gauge", "error", err)
		return sys
	}
	start := time.Now()
	sys.uptime, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(uptimeGauge, time.Since(start).Seconds())
		return nil
	}, uptimeGauge)
	if err != nil {
		log.Error("Failed to register uptime callback", "error", err)
	}
	return sys
}

func (s *systemMetrics) unregister(ctx context.Context) {
	if s.uptime == nil {
		return
	}
	if err := s.uptime.Unregister(); err != nil {
		logger.FromContext(ctx).Error("Failed to unregister uptime callback", "error", err)
	}
	s.uptime = nil
}

// getBuildInfo prefers the ldflags values and falls back to the embedded
// module information.
func getBuildInfo() (ver, commit, goVersion string) {
	ver = version.Version
	commit = version.CommitHash
	if info, ok := debug.ReadBuildInfo(); ok {
		if ver == "unknown" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			ver = info.Main.Version
		}
		if commit == "unknown" {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	return ver, commit, runtime.Version()
}
