package agent

import (
	"context"
	"log"
	"time"
)

// minSleep is the floor for the jittered interval.
const minSleep = time.Minute

// Run executes heartbeats until ctx is cancelled. Each sleep is the
// configured interval plus uniform jitter in [-variance, +variance], floored
// at one minute, so the rhythm never looks mechanical.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("daemon mode: interval %s, variance %s",
		a.cfg.Agent.HeartbeatInterval.Std(), a.cfg.Agent.HeartbeatVariance.Std())

	for {
		summary, err := a.Heartbeat(ctx)
		if err != nil {
			log.Printf("heartbeat error: %v", err)
		} else {
			log.Printf("%s", summary)
		}

		sleep := a.nextSleep()
		log.Printf("sleeping for %s", sleep.Round(time.Second))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (a *Agent) nextSleep() time.Duration {
	interval := a.cfg.Agent.HeartbeatInterval.Std()
	variance := a.cfg.Agent.HeartbeatVariance.Std()
	jitter := time.Duration(0)
	if variance > 0 {
		jitter = time.Duration((a.rng.Float64()*2 - 1) * float64(variance))
	}
	sleep := interval + jitter
	if sleep < minSleep {
		sleep = minSleep
	}
	return sleep
}
