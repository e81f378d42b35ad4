// Package httpdiscovery implements router.Discovery by polling a control
// plane's HTTP endpoint for the current store list, for deployments where
// store topology is managed by a separate service rather than read
// directly out of a local config file. A clients.CircuitBreaker guards
// every poll so a flapping control plane degrades to "keep the last known
// store list" instead of cascading failures into the dispatcher loops,
// and a clients.RetryInfo backs off between attempts within one Discover
// call.
//
// The retrieval pack's rest client packages (both the top-level rest
// package and its rest/client variant) are each missing half of their own
// type definitions (no Response type in the former, no Request type in
// the latter), so this adapter is written directly against net/http
// instead of adapting either, see DESIGN.md.
package httpdiscovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"oss.nandlabs.io/dispatch/clients"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/router"
)

var logger = l3.Get()

// storeEntry mirrors the wire shape returned by the control plane's store
// listing endpoint.
type storeEntry struct {
	Key              string `json:"key"`
	ConnectionString string `json:"connectionString"`
	SchemaName       string `json:"schemaName"`
}

// Discovery polls endpoint for the current store list.
type Discovery struct {
	endpoint string
	client   *http.Client
	breaker  *clients.CircuitBreaker
	retry    *clients.RetryInfo
	lastGood []router.StoreConfig
}

// New builds a Discovery against endpoint, expecting a JSON array of
// {key, connectionString, schemaName} objects in the response body.
// requestTimeout bounds each individual poll; 0 uses a 10 second default.
// The returned Discovery retries each Discover call's poll up to twice
// with exponential backoff, and trips its circuit breaker after 3
// consecutive Discover calls whose attempts all failed; on failure it
// falls back to its last known-good list.
func New(endpoint string, requestTimeout time.Duration) *Discovery {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Discovery{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
		breaker:  clients.NewCircuitBreaker(&clients.BreakerInfo{FailureThreshold: 3}),
		retry:    &clients.RetryInfo{MaxRetries: 2, Wait: 200, Exponential: true, Jitter: true},
	}
}

// Discover satisfies router.Discovery.
func (d *Discovery) Discover(ctx context.Context) ([]router.StoreConfig, error) {
	if err := d.breaker.CanExecute(); err != nil {
		if d.lastGood != nil {
			logger.WarnF("httpdiscovery: circuit open for %s, serving last known %d stores", d.endpoint, len(d.lastGood))
			return d.lastGood, nil
		}
		return nil, fmt.Errorf("httpdiscovery: %s: %w", d.endpoint, err)
	}

	var out []router.StoreConfig
	var pollErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.retry.WaitTime(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		out, pollErr = d.poll(ctx)
		if pollErr == nil {
			break
		}
		logger.WarnF("httpdiscovery: poll %d of %s failed: %v", attempt+1, d.endpoint, pollErr)
	}

	d.breaker.OnExecution(pollErr == nil)
	if pollErr != nil {
		if d.lastGood != nil {
			logger.WarnF("httpdiscovery: all attempts against %s failed, serving last known %d stores", d.endpoint, len(d.lastGood))
			return d.lastGood, nil
		}
		return nil, pollErr
	}

	d.lastGood = out
	return out, nil
}

func (d *Discovery) poll(ctx context.Context) ([]router.StoreConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpdiscovery: request to %s failed: %w", d.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpdiscovery: %s returned status %d", d.endpoint, resp.StatusCode)
	}

	var entries []storeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("httpdiscovery: decoding response from %s: %w", d.endpoint, err)
	}

	out := make([]router.StoreConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, router.StoreConfig{
			Key:              e.Key,
			ConnectionString: e.ConnectionString,
			SchemaName:       e.SchemaName,
		})
	}
	logger.DebugF("httpdiscovery polled %s, found %d stores", d.endpoint, len(out))
	return out, nil
}
