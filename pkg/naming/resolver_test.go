package naming

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newNamingServer(t *testing.T, status int, body string) *namingServer {
	t.Helper()
	ns := &namingServer{}
	ns.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ns.hits.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ns.Close)
	return ns
}

func TestGetServiceLocation_FailoverAndCache(t *testing.T) {
	down := newNamingServer(t, http.StatusServiceUnavailable, "")
	broken := newNamingServer(t, http.StatusOK, "not json")
	good := newNamingServer(t, http.StatusOK, `"head:9892"`)

	r := NewResolver(Config{
		ServiceURIs: []string{down.URL + "/api/fabric/resolve/singleton/", broken.URL + "/", good.URL + "/"},
		Interval:    time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	location, err := r.GetServiceLocation(ctx, "SchedulerStatefulService")
	require.NoError(t, err)
	assert.Equal(t, "head:9892", location)
	assert.Equal(t, int32(1), good.hits.Load())

	down.Close()
	broken.Close()
	good.Close()

	location, err = r.GetServiceLocation(ctx, "SchedulerStatefulService")
	require.NoError(t, err)
	assert.Equal(t, "head:9892", location)
}

func TestGetServiceLocation_RequestPath(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		_, _ = w.Write([]byte(`"10.0.0.1:80"`))
	}))
	defer srv.Close()

	r := NewResolver(Config{ServiceURIs: []string{srv.URL + "/resolve/"}})
	_, err := r.GetServiceLocation(context.Background(), "MonitoringService")
	require.NoError(t, err)
	assert.Equal(t, "/resolve/MonitoringService", gotPath.Load())
}

func TestGetServiceLocation_ContextCancel(t *testing.T) {
	down := newNamingServer(t, http.StatusInternalServerError, "")

	r := NewResolver(Config{ServiceURIs: []string{down.URL + "/"}, Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := r.GetServiceLocation(ctx, "svc")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Greater(t, down.hits.Load(), int32(1), "lookups must be retried")
}

func TestGetServiceLocation_BackoffPerPass(t *testing.T) {
	tests := []struct {
		name      string
		endpoints int
		interval  time.Duration
		want      []time.Duration
	}{
		{
			name:      "three endpoints",
			endpoints: 3,
			interval:  10 * time.Millisecond,
			want: []time.Duration{
				10 * time.Millisecond, 10 * time.Millisecond, 10 * time.Millisecond,
				20 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond,
				40 * time.Millisecond,
			},
		},
		{
			name:      "capped",
			endpoints: 1,
			interval:  20 * time.Second,
			want:      []time.Duration{20 * time.Second, 40 * time.Second, MaxInterval, MaxInterval},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			down := newNamingServer(t, http.StatusServiceUnavailable, "")
			uris := make([]string, tt.endpoints)
			for i := range uris {
				uris[i] = down.URL + "/"
			}
			r := NewResolver(Config{ServiceURIs: uris, Interval: tt.interval})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var delays []time.Duration
			r.wait = func(ctx context.Context, d time.Duration) error {
				delays = append(delays, d)
				if len(delays) == len(tt.want) {
					cancel()
					return ctx.Err()
				}
				return nil
			}

			_, err := r.GetServiceLocation(ctx, "svc")
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, tt.want, delays)
			assert.Equal(t, int32(len(tt.want)), down.hits.Load())
		})
	}
}

func TestGetServiceLocation_NoURIs(t *testing.T) {
	r := NewResolver(Config{})
	_, err := r.GetServiceLocation(context.Background(), "svc")
	assert.ErrorIs(t, err, ErrNoServiceURIs)
}

func TestInvalidateCache(t *testing.T) {
	srv := newNamingServer(t, http.StatusOK, `"a:1"`)
	r := NewResolver(Config{ServiceURIs: []string{srv.URL + "/"}})

	for i := 0; i < 3; i++ {
		_, err := r.GetServiceLocation(context.Background(), "svc")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.hits.Load())

	r.InvalidateCache()
	_, err := r.GetServiceLocation(context.Background(), "svc")
	require.NoError(t, err)
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestResolveURI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/SchedulerStatefulService":
			_, _ = w.Write([]byte(`"head:40001"`))
		case "/MonitoringStatefulService":
			_, _ = w.Write([]byte(`"mon:9894"`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewResolver(Config{ServiceURIs: []string{srv.URL + "/"}, Interval: time.Millisecond})

	tests := []struct {
		template string
		want     string
	}{
		{template: "http://head:80/report", want: "http://head:80/report"},
		{template: "http://{SchedulerStatefulService}/api/report", want: "http://head:40001/api/report"},
		{template: "udp://{MonitoringStatefulService}/api/metric", want: "udp://mon:9894/api/metric"},
		{template: "", want: ""},
	}

	for _, tt := range tests {
		got, err := r.ResolveURI(context.Background(), tt.template)
		require.NoError(t, err, tt.template)
		assert.Equal(t, tt.want, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.ResolveURI(ctx, "http://{Unknown}/x")
	assert.Error(t, err)
}
