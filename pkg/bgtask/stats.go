package bgtask

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/backend"
)

const DefaultStatsSchedule = "@every 30s"

type StatsTask struct {
	m        *BgTaskManager
	schedule string

	muUpdate sync.Mutex
	last     backend.Stats
}

func (m *BgTaskManager) addStatsTask(schedule string) {
	if schedule == "" {
		schedule = DefaultStatsSchedule
	}
	m.bgTasks = append(m.bgTasks, &StatsTask{
		m:        m,
		schedule: schedule,
	})
}

func (t *StatsTask) Schedule() string {
	return t.schedule
}

// 增量上报
// drops since the previous run are logged as a warning
func (t *StatsTask) Run() {
	cur := t.m.stats.Stats()

	t.muUpdate.Lock()
	prev := t.last
	t.last = cur
	t.muUpdate.Unlock()

	entry := logrus.WithField("queued", cur.Queued).
		WithField("exported", cur.Exported-prev.Exported).
		WithField("dropped", cur.Dropped-prev.Dropped).
		WithField("failed_exports", cur.FailedExports-prev.FailedExports)
	if cur.Dropped > prev.Dropped {
		entry.Warn("callscope dropped spans since last report")
		return
	}
	entry.Info("callscope span export stats")
}
