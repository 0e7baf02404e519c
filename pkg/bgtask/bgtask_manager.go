package bgtask

import (
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/stleox/callscope/pkg/backend"
)

// BgTaskManager manages background periodical tasks.
// Includes:
// - Report export statistics of the tracing backend
type BgTaskManager struct {
	bgTasks []BgTask
	cron    *cron.Cron
	stats   StatsSource
}

type BgTask interface {
	cron.Job
	Schedule() string
}

// StatsSource is satisfied by *backend.Backend.
type StatsSource interface {
	Stats() backend.Stats
}

func NewBgTaskManager(stats StatsSource, statsSchedule string) *BgTaskManager {
	m := &BgTaskManager{
		bgTasks: make([]BgTask, 0),
		cron:    cron.New(),
		stats:   stats,
	}
	m.addStatsTask(statsSchedule)
	return m
}

// StartAll schedules every task; a task with a bad schedule is skipped.
func (m *BgTaskManager) StartAll() {
	for _, task := range m.bgTasks {
		if _, err := m.cron.AddJob(task.Schedule(), task); err != nil {
			logrus.WithError(err).WithField("schedule", task.Schedule()).Warn("callscope couldn't add background task")
			continue
		}
	}
	m.cron.Start()
}

// StopAll waits for running tasks to return.
func (m *BgTaskManager) StopAll() {
	<-m.cron.Stop().Done()
}
