// ABOUTME: Mirror-aware bundle fetcher recording outcomes in the store
// ABOUTME: Suppressed mirrors are skipped; every attempt updates reputation

package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/cvd"
)

// Endpoint pairs a mirror's address identity with its base URL. The
// address keys the reputation store; the URL is where bundles live.
type Endpoint struct {
	Addr netip.Addr
	URL  string
}

// FetcherConfig holds fetch settings.
type FetcherConfig struct {
	// Timeout for a single mirror attempt.
	Timeout time.Duration

	// UserAgent for HTTP requests.
	UserAgent string

	// MaxSize limits the accepted bundle size in bytes.
	MaxSize int64

	// EngineLevel is the local engine's functionality level, used for
	// the engine-outdated avoidance check.
	EngineLevel uint32
}

// DefaultFetcherConfig returns sensible defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:   5 * time.Minute,
		UserAgent: "sigforge/1.0",
		MaxSize:   500 * 1024 * 1024,
	}
}

// Fetcher downloads bundles from a mirror list, consulting and feeding
// the reputation store on every attempt.
type Fetcher struct {
	store  *Store
	client *http.Client
	config FetcherConfig
	logger *slog.Logger
}

// NewFetcher creates a fetcher over the given store.
func NewFetcher(store *Store, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// Fetch tries each usable mirror in order for the named database file
// and returns the first bundle whose header parses. Broken attempts
// are recorded against the mirror; a parsed bundle records a success
// together with the functionality level the mirror served.
func (f *Fetcher) Fetch(ctx context.Context, mirrors []Endpoint, database string) ([]byte, error) {
	now := time.Now()
	var lastErr error

	for _, m := range mirrors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		status, err := f.store.Check(m.Addr, f.config.EngineLevel, now)
		if err != nil {
			return nil, err
		}
		if status != StatusOK {
			f.logger.Info("skipping mirror",
				slog.String("mirror", m.Addr.String()),
				slog.String("status", status.String()))
			continue
		}

		data, flevel, err := f.attempt(ctx, m, database)
		if err != nil {
			lastErr = err
			f.logger.Warn("mirror attempt failed",
				slog.String("mirror", m.Addr.String()),
				slog.Any("error", err))
			if uerr := f.store.Update(m.Addr, true, 0, time.Now()); uerr != nil {
				return nil, uerr
			}
			continue
		}

		if uerr := f.store.Update(m.Addr, false, flevel, time.Now()); uerr != nil {
			return nil, uerr
		}
		return data, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no usable mirrors")
	}
	return nil, fmt.Errorf("fetching %s: %w", database, lastErr)
}

// attempt downloads database from one mirror and parses its header.
func (f *Fetcher) attempt(ctx context.Context, m Endpoint, database string) ([]byte, uint32, error) {
	url := strings.TrimSuffix(m.URL, "/") + "/" + database

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	var reader io.Reader = resp.Body
	if f.config.MaxSize > 0 {
		reader = io.LimitReader(resp.Body, f.config.MaxSize)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}

	if len(data) < cvd.HeaderSize {
		return nil, 0, fmt.Errorf("bundle too small: %d bytes", len(data))
	}
	h, err := cvd.ParseHeader(data[:cvd.HeaderSize])
	if err != nil {
		return nil, 0, err
	}
	return data, h.FuncLevel, nil
}
