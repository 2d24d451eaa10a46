// Package verifier checks whether vendor websites are reachable.
package verifier

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
	"github.com/JakeFAU/vendor-discovery/internal/metrics"
)

// Defaults for website checks.
const (
	DefaultTimeout     = 8 * time.Second
	DefaultWindow      = 5
	DefaultMaxBodySize = 64 * 1024
	DefaultUserAgent   = "vendor-discovery-verifier/1.0"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds each HEAD or GET attempt.
	Timeout time.Duration
	// Window is how many checks run concurrently in one batch window.
	Window      int
	MaxBodySize int
}

// Verifier implements discovery.WebsiteVerifier on top of colly.
type Verifier struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
	// check is Check unless a test swaps it.
	check func(ctx context.Context, rawURL string) discovery.WebsiteStatus
}

var _ discovery.WebsiteVerifier = (*Verifier)(nil)

// New builds a Verifier.
func New(cfg Config, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	// Redirect statuses are classified as-is.
	c.SetRedirectHandler(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	})

	v := &Verifier{cfg: cfg, baseCollector: c, logger: logger}
	v.check = v.Check
	return v
}

// Check returns the reachability status of rawURL.
func (v *Verifier) Check(ctx context.Context, rawURL string) discovery.WebsiteStatus {
	target := NormalizeURL(rawURL)
	if target == "" {
		return discovery.WebsiteNoURL
	}

	code, err := v.probe(ctx, http.MethodHead, target)
	if err != nil {
		if ctx.Err() != nil {
			return discovery.WebsiteError
		}
		v.logger.Debug("head failed, retrying with get", zap.String("url", target), zap.Error(err))
		code, err = v.probe(ctx, http.MethodGet, target)
		if err != nil {
			v.logger.Debug("website unreachable", zap.String("url", target), zap.Error(err))
			return discovery.WebsiteError
		}
	}
	return Classify(code)
}

// VerifyBatch checks targets in windows of cfg.Window, recording every
// outcome. A failed record does not stop the rest of its window. Checks that
// finish after ctx is done are not recorded, so their vendors stay pending.
func (v *Verifier) VerifyBatch(
	ctx context.Context,
	targets []discovery.VerificationTarget,
	record discovery.RecordFunc,
) error {
	var (
		mu         sync.Mutex
		failed     int
		unrecorded int
		firstErr   error
	)
	for start := 0; start < len(targets); start += v.cfg.Window {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "verification stopped with %d of %d targets left", len(targets)-start, len(targets))
		}
		end := min(start+v.cfg.Window, len(targets))

		var g errgroup.Group
		for _, target := range targets[start:end] {
			g.Go(func() error {
				status := v.safeCheck(ctx, target)
				if ctx.Err() != nil {
					mu.Lock()
					unrecorded++
					mu.Unlock()
					return nil
				}
				metrics.ObserveWebsiteCheck(string(status))
				if err := record(ctx, target, status); err != nil {
					mu.Lock()
					failed++
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		if unrecorded > 0 {
			return errors.Wrapf(ctx.Err(), "verification cancelled with %d of %d targets left",
				unrecorded+len(targets)-end, len(targets))
		}
	}
	if firstErr != nil {
		return errors.Wrapf(firstErr, "%d of %d website results not recorded", failed, len(targets))
	}
	return nil
}

func (v *Verifier) safeCheck(ctx context.Context, target discovery.VerificationTarget) (status discovery.WebsiteStatus) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("website check panicked",
				zap.String("vendor_id", target.VendorID),
				zap.String("url", target.URL),
				zap.Any("panic", r),
			)
			status = discovery.WebsiteError
		}
	}()
	return v.check(ctx, target.URL)
}

func (v *Verifier) probe(ctx context.Context, method, url string) (int, error) {
	var (
		code     int
		fetchErr error
	)
	collector := v.baseCollector.Clone()
	collector.Context = ctx
	collector.OnResponse(func(r *colly.Response) {
		code = r.StatusCode
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		if method == http.MethodHead {
			done <- collector.Head(url)
			return
		}
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return 0, errors.Wrap(ctx.Err(), "website check cancelled")
	case err := <-done:
		if err != nil {
			return 0, errors.Wrapf(err, "%s %s", method, url)
		}
		if fetchErr != nil {
			return 0, errors.Wrapf(fetchErr, "%s %s", method, url)
		}
		if code == 0 {
			return 0, errors.Newf("%s %s: no response", method, url)
		}
		return code, nil
	}
}

// Classify maps an HTTP status to a website status. Servers that block HEAD
// or bots (403, 405) and redirects (301, 302) count as live.
func Classify(code int) discovery.WebsiteStatus {
	switch {
	case code >= 200 && code < 300:
		return discovery.WebsiteValid
	case code == http.StatusForbidden, code == http.StatusMethodNotAllowed,
		code == http.StatusMovedPermanently, code == http.StatusFound:
		return discovery.WebsiteValid
	default:
		return discovery.WebsiteInvalid
	}
}

// NormalizeURL trims rawURL and prepends https:// when it has no scheme.
func NormalizeURL(rawURL string) string {
	target := strings.TrimSpace(rawURL)
	if target == "" {
		return ""
	}
	if !strings.Contains(target, "://") {
		target = "https://" + strings.TrimPrefix(target, "//")
	}
	return target
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          50,
		IdleConnTimeout:       30 * time.Second,
	}
}
