package reporter

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	next     time.Duration
}

func (s *recordingSender) Send(_ context.Context, _ string, payload []byte) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	return s.next, s.err
}

func (s *recordingSender) Close() error { return nil }

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

func staticURI(uri string) func(context.Context) string {
	return func(context.Context) string { return uri }
}

func payload(s string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(s), nil }
}

func TestReporter_EmptyURISkipsSend(t *testing.T) {
	sender := &recordingSender{}
	var fetches atomic.Int32

	r := Start(Config{
		Name:     "node",
		Interval: 5 * time.Millisecond,
		URI:      staticURI(""),
		Fetch: func() ([]byte, error) {
			fetches.Add(1)
			return nil, nil
		},
		Sender: sender,
	})
	time.Sleep(60 * time.Millisecond)
	r.Stop()

	assert.Equal(t, 0, sender.count())
	assert.Equal(t, int32(0), fetches.Load())
}

func TestReporter_SendsPeriodically(t *testing.T) {
	sender := &recordingSender{}
	r := Start(Config{
		Name:     "node",
		Interval: 5 * time.Millisecond,
		URI:      staticURI("http://target"),
		Fetch:    payload(`{"Name":"node1"}`),
		Sender:   sender,
	})
	defer r.Stop()

	assert.Eventually(t, func() bool { return sender.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestReporter_HoldDelaysFirstCycle(t *testing.T) {
	sender := &recordingSender{}
	r := Start(Config{
		Name:     "register",
		Hold:     time.Hour,
		Interval: time.Millisecond,
		URI:      staticURI("http://target"),
		Fetch:    payload("{}"),
		Sender:   sender,
	})
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	assert.Equal(t, 0, sender.count())
}

func TestReporter_ErrorUsesRetryDelay(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}
	r := Start(Config{
		Name:       "node",
		Interval:   time.Hour,
		ErrorRetry: 5 * time.Millisecond,
		URI:        staticURI("http://target"),
		Fetch:      payload("{}"),
		Sender:     sender,
	})
	defer r.Stop()

	assert.Eventually(t, func() bool { return sender.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestReporter_FetchErrorSkipsSend(t *testing.T) {
	sender := &recordingSender{}
	r := Start(Config{
		Name:       "metric",
		Interval:   5 * time.Millisecond,
		ErrorRetry: 5 * time.Millisecond,
		URI:        staticURI("http://target"),
		Fetch:      func() ([]byte, error) { return nil, errors.New("not collected") },
		Sender:     sender,
	})
	time.Sleep(40 * time.Millisecond)
	r.Stop()

	assert.Equal(t, 0, sender.count())
}

func TestReporter_NoSendAfterStop(t *testing.T) {
	sender := &recordingSender{}
	r := Start(Config{
		Name:     "node",
		Interval: time.Millisecond,
		URI:      staticURI("http://target"),
		Fetch:    payload("{}"),
		Sender:   sender,
	})
	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()

	after := sender.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, sender.count())
}

func TestReporter_StopCancelsBlockedURI(t *testing.T) {
	r := Start(Config{
		Name:     "metric",
		Interval: time.Millisecond,
		URI: func(ctx context.Context) string {
			<-ctx.Done()
			return ""
		},
		Fetch:  payload("{}"),
		Sender: &recordingSender{},
	})

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while URI was blocked")
	}
}

func TestReporter_AdaptiveInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "5000")
	}))
	defer srv.Close()

	r := Start(Config{
		Name:     "node",
		Interval: 5 * time.Millisecond,
		URI:      staticURI(srv.URL),
		Fetch:    payload("{}"),
		Sender:   NewHTTPSender(time.Second),
	})
	defer r.Stop()

	assert.Eventually(t, func() bool { return r.Interval() == 5*time.Second }, 2*time.Second, 5*time.Millisecond)
}

func TestHTTPSender_Send(t *testing.T) {
	var mu sync.Mutex
	var gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = string(data)
		gotType = r.Header.Get("Content-Type")
		mu.Unlock()
		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusInternalServerError)
		case "/interval":
			_, _ = io.WriteString(w, "1500\n")
		case "/zero":
			_, _ = io.WriteString(w, "0")
		}
	}))
	defer srv.Close()

	sender := NewHTTPSender(time.Second)
	defer sender.Close()

	next, err := sender.Send(context.Background(), srv.URL+"/interval", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, next)
	mu.Lock()
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Equal(t, "application/json", gotType)
	mu.Unlock()

	next, err = sender.Send(context.Background(), srv.URL+"/zero", nil)
	require.NoError(t, err)
	assert.Zero(t, next)

	_, err = sender.Send(context.Background(), srv.URL+"/fail", nil)
	assert.Error(t, err)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		body string
		want time.Duration
	}{
		{body: "5000", want: 5 * time.Second},
		{body: " 250 \n", want: 250 * time.Millisecond},
		{body: `"1000"`, want: time.Second},
		{body: "0", want: 0},
		{body: "-10", want: 0},
		{body: "", want: 0},
		{body: "ok", want: 0},
	}
	for _, tt := range tests {
		if got := parseInterval([]byte(tt.body)); got != tt.want {
			t.Errorf("parseInterval(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestUDPSender_Send(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	sender := NewUDPSender(0)
	defer sender.Close()

	_, err = sender.Send(context.Background(), "udp://"+pc.LocalAddr().String(), []byte("packet-1"))
	require.NoError(t, err)

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "packet-1", string(buf[:n]))
}

func TestUDPSender_InvalidURI(t *testing.T) {
	sender := NewUDPSender(0)

	for _, uri := range []string{"http://host:1", "udp://", "::bad"} {
		_, err := sender.Send(context.Background(), uri, []byte("x"))
		assert.Error(t, err, uri)
	}
}

func TestUDPSender_Redial(t *testing.T) {
	first, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()
	second, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer second.Close()

	sender := NewUDPSender(0)
	defer sender.Close()

	_, err = sender.Send(context.Background(), "udp://"+first.LocalAddr().String(), []byte("a"))
	require.NoError(t, err)
	_, err = sender.Send(context.Background(), "udp://"+second.LocalAddr().String(), []byte("b"))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 8)
	n, _, err := second.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "b", string(buf[:n]))
}

func TestUDPSender_SplitsDatagrams(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	sender := NewUDPSender(4)
	defer sender.Close()

	_, err = sender.Send(context.Background(), "udp://"+pc.LocalAddr().String(), []byte("aaaabbbbcc"))
	require.NoError(t, err)

	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	var got []string
	for i := 0; i < 3; i++ {
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		got = append(got, string(buf[:n]))
	}
	assert.Equal(t, []string{"aaaa", "bbbb", "cc"}, got)
}
