package common

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stleox/callscope/pkg/backend"
	"github.com/stleox/callscope/pkg/bgtask"
	"github.com/stleox/callscope/pkg/config"
	"github.com/stleox/callscope/pkg/span"
)

const shutdownTimeout = 10 * time.Second

// Runtime is everything a command needs to record spans.
type Runtime struct {
	Config  *config.Config
	Backend *backend.Backend
	Wrapper *span.Wrapper

	bgTasks *bgtask.BgTaskManager
}

// Setup loads the config, installs the backend and starts background tasks.
// Close must be called to flush pending spans.
func Setup(ctx context.Context, vp *viper.Viper, scope string) (*Runtime, error) {
	cfg, err := config.Load(vp)
	if err != nil {
		return nil, err
	}

	b, err := backend.NewFromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b.Install()
	if err := b.Batcher().RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		logrus.WithError(err).Warn("callscope couldn't register span metrics")
	}

	m := bgtask.NewBgTaskManager(b, cfg.StatsSchedule)
	m.StartAll()

	return &Runtime{
		Config:  cfg,
		Backend: b,
		Wrapper: span.NewFromBackend(b, scope, cfg.Policy()),
		bgTasks: m,
	}, nil
}

func (rt *Runtime) Close() {
	rt.bgTasks.StopAll()

	ctx, cancel := context.WithTimeout(rt.Backend.ShutdownCtx, shutdownTimeout)
	defer cancel()
	if err := rt.Backend.Shutdown(ctx); err != nil {
		logrus.WithError(err).Error("callscope couldn't flush spans")
	}
	stats := rt.Backend.Stats()
	logrus.WithField("exported", stats.Exported).
		WithField("dropped", stats.Dropped).
		Info("callscope tracing backend closed")
}
