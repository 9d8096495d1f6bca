package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/isdelr/q3-portal-be/internal/quake"
	"github.com/isdelr/q3-portal-be/internal/quake/quaketest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const statusInfo = `\sv_hostname\Arena\mapname\q3dm17\g_gametype\0\sv_maxclients\16\protocol\68\version\ioq3 1.36`

type recordingPublisher struct {
	mu      sync.Mutex
	actions []string
}

func (p *recordingPublisher) Publish(action string, _ interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
}

func newTestStatusService(srv *quaketest.Server, timeout time.Duration) *StatusService {
	return NewStatusService(quake.NewClient(), StatusServiceConfig{
		Host:         srv.Host,
		Port:         srv.Port,
		RconPassword: "secret",
		Timeout:      timeout,
	}, nil, nil)
}

func TestStatusService_CachesWithinTTL(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		return quaketest.StatusReply(statusInfo, `10 50 "Sarge"`, `3 80 "Doom"`)
	})
	svc := newTestStatusService(srv, time.Second)

	first := svc.GetServerStatus(context.Background())
	require.True(t, first.Online)
	assert.Equal(t, "Arena", first.Hostname)
	assert.Equal(t, 2, first.Clients)

	second := svc.GetServerStatus(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, 1, srv.Requests())
}

func TestStatusService_QueriesAgainAfterTTL(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		return quaketest.StatusReply(statusInfo)
	})
	svc := newTestStatusService(srv, time.Second)

	now := time.Now()
	svc.now = func() time.Time { return now }

	svc.GetServerStatus(context.Background())
	now = now.Add(StatusCacheTTL - time.Millisecond)
	svc.GetServerStatus(context.Background())
	assert.Equal(t, 1, srv.Requests())

	now = now.Add(time.Millisecond)
	svc.GetServerStatus(context.Background())
	assert.Equal(t, 2, srv.Requests())
}

func TestStatusService_RefreshBypassesCache(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		return quaketest.StatusReply(statusInfo)
	})
	svc := newTestStatusService(srv, time.Second)

	svc.GetServerStatus(context.Background())
	status := svc.RefreshServerStatus(context.Background())

	assert.True(t, status.Online)
	assert.Equal(t, 2, srv.Requests())
}

func TestStatusService_TimeoutIsCachedOffline(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte { return nil })
	svc := newTestStatusService(srv, 100*time.Millisecond)

	status := svc.GetServerStatus(context.Background())
	assert.False(t, status.Online)
	assert.Equal(t, quake.ErrTimeout.Error(), status.Error)
	assert.False(t, status.LastUpdate.IsZero())

	again := svc.GetServerStatus(context.Background())
	assert.Equal(t, status, again)
	assert.Equal(t, 1, srv.Requests())
}

func TestStatusService_MalformedReplyIsOffline(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		return []byte("\xff\xff\xff\xffprint\nhello\n")
	})
	svc := newTestStatusService(srv, time.Second)

	status := svc.GetServerStatus(context.Background())
	assert.False(t, status.Online)
	assert.Equal(t, "Invalid response", status.Error)
}

func TestStatusService_CoalescesConcurrentCallers(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		time.Sleep(50 * time.Millisecond)
		return quaketest.StatusReply(statusInfo)
	})
	svc := newTestStatusService(srv, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, svc.GetServerStatus(context.Background()).Online)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, srv.Requests())
}

func TestStatusService_CallerCancellationIsNotCached(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		time.Sleep(200 * time.Millisecond)
		return quaketest.StatusReply(statusInfo)
	})
	svc := newTestStatusService(srv, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	abandoned := svc.GetServerStatus(ctx)
	assert.False(t, abandoned.Online)
	assert.Equal(t, context.DeadlineExceeded.Error(), abandoned.Error)

	next := svc.GetServerStatus(context.Background())
	assert.True(t, next.Online, "got error %q", next.Error)
	assert.Equal(t, "Arena", next.Hostname)
	assert.Equal(t, 1, srv.Requests())

	cached := svc.GetServerStatus(context.Background())
	assert.True(t, cached.Online)
	assert.Equal(t, 1, srv.Requests())
}

func TestStatusService_PublishesFreshStatus(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte {
		return quaketest.StatusReply(statusInfo)
	})
	pub := &recordingPublisher{}
	svc := NewStatusService(quake.NewClient(), StatusServiceConfig{Host: srv.Host, Port: srv.Port}, nil, pub)

	svc.GetServerStatus(context.Background())
	svc.GetServerStatus(context.Background())

	assert.Equal(t, []string{"server_status"}, pub.actions)
}

func TestStatusService_SendRconCommand(t *testing.T) {
	requests := make(chan string, 4)
	srv := quaketest.NewServer(t, func(req []byte) []byte {
		requests <- string(req)
		return []byte("\xff\xff\xff\xffprint\nmap changed\n")
	})
	svc := newTestStatusService(srv, time.Second)

	out, err := svc.SendConfiguredRcon(context.Background(), "map q3dm6")
	require.NoError(t, err)
	assert.Equal(t, "print\nmap changed\n", out)
	assert.Equal(t, "\xff\xff\xff\xffrcon \"secret\" map q3dm6\n", <-requests)

	// Every call is a fresh round trip.
	_, err = svc.SendConfiguredRcon(context.Background(), "status")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Requests())
}

func TestStatusService_SendRconCommandTimeout(t *testing.T) {
	srv := quaketest.NewServer(t, func([]byte) []byte { return nil })
	svc := newTestStatusService(srv, 100*time.Millisecond)

	_, err := svc.SendRconCommand(context.Background(), "status", srv.Host, srv.Port, "pw", 100*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, quake.ErrTimeout)
	assert.True(t, strings.Contains(err.Error(), "Timeout"))
}
