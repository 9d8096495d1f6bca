package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/isdelr/q3-portal-be/internal/metrics"
	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/isdelr/q3-portal-be/internal/quake"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// StatusCacheTTL is how long a status snapshot, including a failed one, is served without I/O.
const StatusCacheTTL = 30 * time.Second

// Publisher pushes live updates to connected admin clients.
type Publisher interface {
	Publish(action string, payload interface{})
}

// StatusServiceProvider defines the interface for the game server prober.
type StatusServiceProvider interface {
	QueryQuakeServer(ctx context.Context, host string, port int, timeout time.Duration) models.QuakeServerStatus
	GetServerStatus(ctx context.Context) models.QuakeServerStatus
	RefreshServerStatus(ctx context.Context) models.QuakeServerStatus
	SendRconCommand(ctx context.Context, command, host string, port int, password string, timeout time.Duration) (string, error)
	SendConfiguredRcon(ctx context.Context, command string) (string, error)
}

// StatusServiceConfig holds the target server used by GetServerStatus and SendConfiguredRcon.
type StatusServiceConfig struct {
	Host         string
	Port         int
	RconPassword string
	Timeout      time.Duration
}

// StatusService queries a Quake III server and caches the last snapshot.
type StatusService struct {
	client    *quake.Client
	cfg       StatusServiceConfig
	events    EventServiceProvider
	publisher Publisher
	now       func() time.Time
	ttl       time.Duration

	mu        sync.Mutex
	cached    *models.QuakeServerStatus
	lastQuery time.Time

	group singleflight.Group
}

// NewStatusService creates a new StatusService. events and publisher may be nil.
func NewStatusService(client *quake.Client, cfg StatusServiceConfig, events EventServiceProvider, publisher Publisher) *StatusService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = quake.DefaultTimeout
	}
	return &StatusService{
		client:    client,
		cfg:       cfg,
		events:    events,
		publisher: publisher,
		now:       time.Now,
		ttl:       StatusCacheTTL,
	}
}

// QueryQuakeServer returns the cached snapshot while it is fresh, otherwise queries host:port.
// Network failures never surface as errors; they produce an offline status that is cached too.
func (s *StatusService) QueryQuakeServer(ctx context.Context, host string, port int, timeout time.Duration) models.QuakeServerStatus {
	if status, ok := s.fresh(); ok {
		metrics.StatusQueries.WithLabelValues("cached").Inc()
		return status
	}

	// Callers that find the cache expired at the same time share one round trip. The shared
	// query is bounded only by timeout; a caller that gives up does not cancel it for the others
	// and its cancellation is never cached.
	key := host + ":" + strconv.Itoa(port)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		if status, ok := s.fresh(); ok {
			return status, nil
		}
		return s.query(context.WithoutCancel(ctx), host, port, timeout), nil
	})
	select {
	case res := <-ch:
		return copyStatus(res.Val.(models.QuakeServerStatus))
	case <-ctx.Done():
		return models.OfflineStatus(ctx.Err().Error(), s.now())
	}
}

// GetServerStatus queries the configured server.
func (s *StatusService) GetServerStatus(ctx context.Context) models.QuakeServerStatus {
	return s.QueryQuakeServer(ctx, s.cfg.Host, s.cfg.Port, s.cfg.Timeout)
}

// RefreshServerStatus drops the cached snapshot and queries the configured server again.
func (s *StatusService) RefreshServerStatus(ctx context.Context) models.QuakeServerStatus {
	s.mu.Lock()
	s.cached = nil
	s.lastQuery = time.Time{}
	s.mu.Unlock()

	return s.GetServerStatus(ctx)
}

// SendRconCommand sends an rcon command and returns the reply text. Nothing is cached and the
// password is only checked by the game server.
func (s *StatusService) SendRconCommand(ctx context.Context, command, host string, port int, password string, timeout time.Duration) (string, error) {
	reply, err := s.client.Exchange(ctx, host, port, quake.BuildRconRequest(password, command), timeout)
	metrics.RconCommands.WithLabelValues(metrics.Result(err == nil)).Inc()
	if err != nil {
		log.Warn().Err(err).Str("host", host).Int("port", port).Msg("RCON command failed")
		recordEvent(s.events, "rcon.command", "error", fmt.Sprintf("rcon %q failed: %v", command, err))
		return "", fmt.Errorf("rcon %s:%d: %w", host, port, err)
	}

	recordEvent(s.events, "rcon.command", "info", fmt.Sprintf("rcon %q", command))
	return quake.StripOOB(reply), nil
}

// SendConfiguredRcon sends command to the configured server with the configured password.
func (s *StatusService) SendConfiguredRcon(ctx context.Context, command string) (string, error) {
	return s.SendRconCommand(ctx, command, s.cfg.Host, s.cfg.Port, s.cfg.RconPassword, s.cfg.Timeout)
}

func (s *StatusService) fresh() (models.QuakeServerStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached == nil || s.now().Sub(s.lastQuery) >= s.ttl {
		return models.QuakeServerStatus{}, false
	}
	return copyStatus(*s.cached), true
}

func (s *StatusService) query(ctx context.Context, host string, port int, timeout time.Duration) models.QuakeServerStatus {
	started := s.now()

	var status models.QuakeServerStatus
	reply, err := s.client.Exchange(ctx, host, port, quake.BuildStatusRequest(), timeout)
	if err == nil {
		status, err = quake.ParseStatusResponse(reply, s.now())
	}
	if err != nil {
		log.Debug().Err(err).Str("host", host).Int("port", port).Msg("Game server status query failed")
		status = models.OfflineStatus(err.Error(), s.now())
		metrics.StatusQueries.WithLabelValues("offline").Inc()
	} else {
		metrics.StatusQueries.WithLabelValues("online").Inc()
	}

	s.mu.Lock()
	s.cached = &status
	s.lastQuery = started
	s.mu.Unlock()

	if s.publisher != nil {
		s.publisher.Publish("server_status", status)
	}
	return copyStatus(status)
}

func copyStatus(status models.QuakeServerStatus) models.QuakeServerStatus {
	if status.Players != nil {
		status.Players = append([]models.QuakePlayer(nil), status.Players...)
	}
	return status
}
