package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hnmd/internal/note"
)

// Pool fans a request out to several relays and merges their answers.
// Duplicate and conflicting answers for the same record are resolved
// downstream by the query store's merge, which is commutative and
// idempotent for identical records.
type Pool struct {
	clients []*Client
	logger  *slog.Logger
}

// DialPool connects to each URL. Individual dial failures are logged and
// skipped; the pool errors only if no relay is reachable.
func DialPool(ctx context.Context, urls []string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{logger: logger}
	for _, u := range urls {
		c, err := Dial(ctx, u, logger)
		if err != nil {
			logger.Warn("relay: dial failed", slog.String("url", u), slog.String("error", err.Error()))
			continue
		}
		p.clients = append(p.clients, c)
	}
	if len(p.clients) == 0 {
		return nil, errors.New("no relays reachable")
	}
	return p, nil
}

// Close closes every connection.
func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe opens the filter on every relay and merges the batches onto
// one channel, closed once all member subscriptions end.
func (p *Pool) Subscribe(ctx context.Context, f note.Filter) (<-chan []note.Record, error) {
	merged := make(chan []note.Record, 16)
	var wg sync.WaitGroup
	started := 0

	for _, c := range p.clients {
		ch, err := c.Subscribe(ctx, f)
		if err != nil {
			p.logger.Warn("relay: subscribe failed", slog.String("url", c.url), slog.String("error", err.Error()))
			continue
		}
		started++
		wg.Add(1)
		go func(ch <-chan []note.Record) {
			defer wg.Done()
			for batch := range ch {
				select {
				case merged <- batch:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	if started == 0 {
		return nil, errors.New("subscribe failed on every relay")
	}

	go func() {
		wg.Wait()
		close(merged)
	}()
	return merged, nil
}

// FetchOnce queries every relay and returns the union of their answers.
// A relay that errors contributes nothing; the fetch fails only if every
// relay failed.
func (p *Pool) FetchOnce(ctx context.Context, f note.Filter, timeout time.Duration) ([]note.Record, error) {
	var mu sync.Mutex
	var out []note.Record
	var lastErr error
	failures := 0

	var wg sync.WaitGroup
	for _, c := range p.clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			records, err := c.FetchOnce(ctx, f, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				lastErr = err
				return
			}
			out = append(out, records...)
		}(c)
	}
	wg.Wait()

	if failures == len(p.clients) && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}
