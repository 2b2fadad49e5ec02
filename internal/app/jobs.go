package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// terminalRetention is how long error and duplicate rows are kept.
const terminalRetention = 7 * 24 * time.Hour

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	if loc == nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 1m", a.SchedSweepPairingTask)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", a.SchedPurgeSessionsTask)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSweepPairingTask marks pairing rows left behind by a crashed process
// as failed. Rows with a live lifecycle are never touched.
func (a *Application) SchedSweepPairingTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	timeout := time.Duration(a.appConfig.WhatsApp.PairingTimeoutSeconds) * time.Second
	n, err := a.repos.Sessions.ExpireStalePairing(ctx, time.Now().Add(-timeout), a.wa.LiveIDs())
	if err != nil {
		zap.L().Error("sweep pairing sessions failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("stale pairing sessions expired", zap.Int64("count", n))
	}
}

// SchedPurgeSessionsTask deletes old terminal session rows.
func (a *Application) SchedPurgeSessionsTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := a.repos.Sessions.PurgeTerminal(ctx, time.Now().Add(-terminalRetention))
	if err != nil {
		zap.L().Error("purge terminal sessions failed", zap.Error(err))
		return
	}
	zap.L().Info("terminal sessions purged", zap.Int64("count", n))
}
