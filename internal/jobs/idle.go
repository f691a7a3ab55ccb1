package jobs

import (
	"context"
	"log"
	"time"

	"github.com/tiendabot/tiendabot-backend/internal/services"
	"github.com/tiendabot/tiendabot-backend/internal/storage"
	"github.com/tiendabot/tiendabot-backend/internal/tenant"
)

// IdleSessionJob periodically sweeps active sessions so idle warnings and
// closures happen even when the buyer never writes again. The per-session
// work goes through the engine and therefore through the same per-key locks
// as inbound messages.
type IdleSessionJob struct {
	store    storage.Store
	engine   *services.ConversationEngine
	cache    *tenant.Cache
	interval time.Duration
	stop     chan struct{}
}

// NewIdleSessionJob creates the sweep job.
func NewIdleSessionJob(store storage.Store, engine *services.ConversationEngine, cache *tenant.Cache, interval time.Duration) *IdleSessionJob {
	return &IdleSessionJob{
		store:    store,
		engine:   engine,
		cache:    cache,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *IdleSessionJob) Start() {
	go j.run()
	log.Printf("idle session job started (every %s)", j.interval)
}

// Stop terminates the sweep loop.
func (j *IdleSessionJob) Stop() {
	close(j.stop)
}

func (j *IdleSessionJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *IdleSessionJob) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	sessions, err := j.store.ListActiveSessions()
	if err != nil {
		log.Printf("idle sweep: listing sessions failed: %v", err)
		return
	}

	for _, session := range sessions {
		if err := j.engine.ExpireIdle(ctx, session.TenantID, session.ConversationID); err != nil {
			log.Printf("idle sweep: %s/%s: %v", session.TenantID, session.ConversationID, err)
		}
	}

	if removed := j.cache.Purge(); removed > 0 {
		log.Printf("idle sweep: purged %d expired tenant cache entries", removed)
	}
}
