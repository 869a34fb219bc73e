package upstream

import (
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// DefaultURLRecoverTTL is how long a demoted pool entry stays out of
// rotation before it becomes eligible again.
const DefaultURLRecoverTTL = 5 * time.Minute

// URLPool is a prioritized base-URL rotation for providers that publish
// several interchangeable endpoints (the gemini-cli v1internal surface).
// Pick returns the first entry without an active demotion; demotions
// expire after the recover TTL.
type URLPool struct {
	urls    []string
	demoted *otter.Cache[string, time.Time]
}

// NewURLPool builds a pool over urls in priority order. ttl <= 0 uses
// DefaultURLRecoverTTL.
func NewURLPool(urls []string, ttl time.Duration) *URLPool {
	if ttl <= 0 {
		ttl = DefaultURLRecoverTTL
	}
	demoted := otter.Must(&otter.Options[string, time.Time]{
		MaximumSize:      256,
		ExpiryCalculator: otter.ExpiryWriting[string, time.Time](ttl),
	})
	return &URLPool{urls: append([]string(nil), urls...), demoted: demoted}
}

// Pick returns the highest-priority non-demoted URL. With every entry
// demoted it falls back to the first URL rather than failing the attempt.
func (p *URLPool) Pick() string {
	if len(p.urls) == 0 {
		return ""
	}
	for _, u := range p.urls {
		if _, down := p.demoted.GetIfPresent(u); !down {
			return u
		}
	}
	return p.urls[0]
}

// Demote takes url out of rotation until the recover TTL elapses.
func (p *URLPool) Demote(url string) {
	if url == "" {
		return
	}
	p.demoted.Set(url, time.Now())
}

// Reporter returns a per-request observer that demotes the captured URL
// on 429, 5xx or connect errors. Implements convert.URLReporter.
func (p *URLPool) Reporter() *PoolReporter {
	return &PoolReporter{pool: p}
}

// PoolReporter records the URL one attempt used and relays its outcome
// back to the pool.
type PoolReporter struct {
	pool *URLPool

	mu  sync.Mutex
	url string
}

func (r *PoolReporter) Capture(url string) {
	r.mu.Lock()
	r.url = url
	r.mu.Unlock()
}

func (r *PoolReporter) ReportStatus(code int) {
	if code == 429 || code >= 500 {
		r.demote()
	}
}

func (r *PoolReporter) ReportConnectError(error) {
	r.demote()
}

func (r *PoolReporter) demote() {
	r.mu.Lock()
	url := r.url
	r.mu.Unlock()
	r.pool.Demote(url)
}
