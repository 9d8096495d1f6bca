package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/isdelr/q3-portal-be/internal/services"
	"github.com/rs/zerolog/log"
)

// PollInterval is how often the poller asks the status service for a snapshot.
const PollInterval = 15 * time.Second

// StatusSource is the part of the status service the poller reads.
type StatusSource interface {
	GetServerStatus(ctx context.Context) models.QuakeServerStatus
}

// StatusPoller keeps the status cache warm so connected clients receive pushes without
// polling, and records when the game server goes down or comes back.
type StatusPoller struct {
	source   StatusSource
	eventSvc services.EventServiceProvider
	interval time.Duration
	ticker   *time.Ticker
	done     chan bool

	lastOnline *bool
}

// NewStatusPoller creates a new StatusPoller. eventSvc may be nil.
func NewStatusPoller(source StatusSource, eventSvc services.EventServiceProvider) *StatusPoller {
	return &StatusPoller{
		source:   source,
		eventSvc: eventSvc,
		interval: PollInterval,
		done:     make(chan bool),
	}
}

// Run starts the periodic polling.
func (p *StatusPoller) Run() {
	log.Info().Dur("interval", p.interval).Msg("Starting game server status poller...")
	p.ticker = time.NewTicker(p.interval)
	defer p.ticker.Stop()

	// Run once immediately on start
	p.poll()

	for {
		select {
		case <-p.done:
			log.Info().Msg("Stopping game server status poller.")
			return
		case <-p.ticker.C:
			p.poll()
		}
	}
}

// Stop halts the polling.
func (p *StatusPoller) Stop() {
	p.done <- true
}

func (p *StatusPoller) poll() {
	status := p.source.GetServerStatus(context.Background())
	p.observe(status)
}

// observe records an event when the online state differs from the previous poll.
func (p *StatusPoller) observe(status models.QuakeServerStatus) {
	if p.lastOnline != nil && *p.lastOnline == status.Online {
		return
	}
	first := p.lastOnline == nil
	online := status.Online
	p.lastOnline = &online

	// The first poll only establishes a baseline unless the server is already down.
	if first && online {
		return
	}

	if online {
		msg := fmt.Sprintf("Game server '%s' is back online on %s.", status.Hostname, status.Mapname)
		log.Info().Str("hostname", status.Hostname).Msg("Game server online")
		p.record("server.online", "info", msg)
		return
	}

	msg := fmt.Sprintf("Game server is not responding: %s", status.Error)
	log.Warn().Str("error", status.Error).Msg("Game server offline")
	p.record("server.offline", "warn", msg)
}

func (p *StatusPoller) record(eventType, level, message string) {
	if p.eventSvc == nil {
		return
	}
	if err := p.eventSvc.CreateEvent(eventType, level, message); err != nil {
		log.Warn().Err(err).Str("event_type", eventType).Msg("StatusPoller: Failed to record event")
	}
}
