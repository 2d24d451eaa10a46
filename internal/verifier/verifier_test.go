package verifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

func newTestServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/no-head", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/gone", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/found", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/gone", http.StatusFound)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	// HEAD drops the connection so only the GET fallback can succeed.
	mux.HandleFunc("/head-drops", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		gets.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &gets
}

func TestCheckClassifiesStatuses(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	v := New(Config{Timeout: time.Second}, nil)

	cases := map[string]discovery.WebsiteStatus{
		"/ok":        discovery.WebsiteValid,
		"/forbidden": discovery.WebsiteValid,
		"/no-head":   discovery.WebsiteValid,
		"/moved":     discovery.WebsiteValid,
		"/found":     discovery.WebsiteValid,
		"/gone":      discovery.WebsiteInvalid,
		"/broken":    discovery.WebsiteInvalid,
	}
	for path, want := range cases {
		got := v.Check(context.Background(), srv.URL+path)
		require.Equal(t, want, got, path)
	}
}

func TestCheckFallsBackToGetOnTransportError(t *testing.T) {
	t.Parallel()

	srv, gets := newTestServer(t)
	v := New(Config{Timeout: time.Second}, nil)

	require.Equal(t, discovery.WebsiteValid, v.Check(context.Background(), srv.URL+"/head-drops"))
	require.Equal(t, int32(1), gets.Load())
}

func TestCheckEmptyURLMakesNoRequest(t *testing.T) {
	t.Parallel()

	v := New(Config{}, nil)
	require.Equal(t, discovery.WebsiteNoURL, v.Check(context.Background(), "   "))
}

func TestCheckUnreachableHostIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := New(Config{Timeout: 500 * time.Millisecond}, nil)
	require.Equal(t, discovery.WebsiteError, v.Check(context.Background(), url))
}

func TestCheckTimeoutIsError(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	v := New(Config{Timeout: 100 * time.Millisecond}, nil)
	require.Equal(t, discovery.WebsiteError, v.Check(context.Background(), srv.URL+"/slow"))
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", NormalizeURL(""))
	require.Equal(t, "https://acme.example", NormalizeURL(" acme.example "))
	require.Equal(t, "https://acme.example/path", NormalizeURL("//acme.example/path"))
	require.Equal(t, "http://acme.example", NormalizeURL("http://acme.example"))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	require.Equal(t, discovery.WebsiteValid, Classify(204))
	require.Equal(t, discovery.WebsiteValid, Classify(405))
	require.Equal(t, discovery.WebsiteInvalid, Classify(304))
	require.Equal(t, discovery.WebsiteInvalid, Classify(410))
	require.Equal(t, discovery.WebsiteInvalid, Classify(503))
}

func TestVerifyBatchBoundsConcurrencyAndRecordsEveryTarget(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	targets := make([]discovery.VerificationTarget, 0, 12)
	for i := 0; i < 12; i++ {
		targets = append(targets, discovery.VerificationTarget{VendorID: string(rune('a' + i)), URL: srv.URL})
	}
	targets = append(targets, discovery.VerificationTarget{VendorID: "no-site"})

	var mu sync.Mutex
	got := map[string]discovery.WebsiteStatus{}
	record := func(_ context.Context, target discovery.VerificationTarget, status discovery.WebsiteStatus) error {
		mu.Lock()
		defer mu.Unlock()
		got[target.VendorID] = status
		if target.VendorID == "c" {
			return errors.New("row locked")
		}
		return nil
	}

	v := New(Config{Timeout: time.Second, Window: 5}, nil)
	err := v.VerifyBatch(context.Background(), targets, record)

	require.Error(t, err)
	require.Contains(t, err.Error(), "1 of 13")
	require.Len(t, got, 13)
	require.Equal(t, discovery.WebsiteNoURL, got["no-site"])
	require.Equal(t, discovery.WebsiteValid, got["a"])
	require.LessOrEqual(t, peak.Load(), int32(5))
}

func TestVerifyBatchStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	v := New(Config{}, nil)
	err := v.VerifyBatch(ctx, []discovery.VerificationTarget{{VendorID: "a", URL: "https://acme.example"}},
		func(context.Context, discovery.VerificationTarget, discovery.WebsiteStatus) error {
			called = true
			return nil
		})
	require.Error(t, err)
	require.False(t, called)
}

func TestVerifyBatchLeavesTargetsPendingWhenCancelledMidWindow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := New(Config{Window: 2}, nil)
	v.check = func(ctx context.Context, _ string) discovery.WebsiteStatus {
		cancel()
		<-ctx.Done()
		return discovery.WebsiteError
	}

	var recorded atomic.Int32
	targets := []discovery.VerificationTarget{
		{VendorID: "a", URL: "https://a.example"},
		{VendorID: "b", URL: "https://b.example"},
		{VendorID: "c", URL: "https://c.example"},
	}
	err := v.VerifyBatch(ctx, targets, func(context.Context, discovery.VerificationTarget, discovery.WebsiteStatus) error {
		recorded.Add(1)
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	require.Contains(t, err.Error(), "3 of 3 targets left")
	require.Zero(t, recorded.Load())
}

func TestVerifyBatchCancelledHTTPCheckIsNotRecorded(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	v := New(Config{Timeout: 5 * time.Second}, nil)

	called := false
	err := v.VerifyBatch(ctx, []discovery.VerificationTarget{{VendorID: "slow", URL: srv.URL + "/slow"}},
		func(context.Context, discovery.VerificationTarget, discovery.WebsiteStatus) error {
			called = true
			return nil
		})

	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, called)
}

func TestVerifyBatchIsolatesFailingAndPanickingChecks(t *testing.T) {
	t.Parallel()

	v := New(Config{Window: 4}, nil)
	v.check = func(_ context.Context, rawURL string) discovery.WebsiteStatus {
		switch rawURL {
		case "https://panics.example":
			panic("nil collector")
		case "https://down.example":
			return discovery.WebsiteError
		default:
			return discovery.WebsiteValid
		}
	}

	var mu sync.Mutex
	got := map[string]discovery.WebsiteStatus{}
	targets := []discovery.VerificationTarget{
		{VendorID: "ok-1", URL: "https://ok-1.example"},
		{VendorID: "panics", URL: "https://panics.example"},
		{VendorID: "down", URL: "https://down.example"},
		{VendorID: "ok-2", URL: "https://ok-2.example"},
	}
	err := v.VerifyBatch(context.Background(), targets,
		func(_ context.Context, target discovery.VerificationTarget, status discovery.WebsiteStatus) error {
			mu.Lock()
			defer mu.Unlock()
			got[target.VendorID] = status
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, map[string]discovery.WebsiteStatus{
		"ok-1":   discovery.WebsiteValid,
		"panics": discovery.WebsiteError,
		"down":   discovery.WebsiteError,
		"ok-2":   discovery.WebsiteValid,
	}, got)
}

func TestProbeErrorsCarryMethodAndURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := New(Config{Timeout: 500 * time.Millisecond}, nil)
	_, err := v.probe(context.Background(), http.MethodHead, url)
	require.Error(t, err)
	require.Contains(t, err.Error(), "HEAD "+url)
}
