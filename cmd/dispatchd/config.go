package main

import (
	"fmt"
	"strings"

	"oss.nandlabs.io/dispatch/config"
	"oss.nandlabs.io/dispatch/router"
)

// serveConfig holds everything dispatchd needs to stand up one process.
// Every field has an environment-variable fallback so the binary runs
// under a container orchestrator without a flags file.
type serveConfig struct {
	Stores       []router.StoreConfig
	SchemaName   string
	AdminAddr    string
	BatchSize    int
	LeaseSeconds int
	PollInterval string
}

// loadServeConfig builds a serveConfig from environment variables,
// applying the same defaults dispatcher.Config.withDefaults uses so an
// operator only needs to set DISPATCH_STORES to get a working process.
func loadServeConfig() (*serveConfig, error) {
	raw := config.GetEnvAsString("DISPATCH_STORES", "demo=demo.db")
	stores, err := parseStores(raw)
	if err != nil {
		return nil, err
	}

	batchSize, err := config.GetEnvAsInt("DISPATCH_BATCH_SIZE", 50)
	if err != nil {
		return nil, fmt.Errorf("DISPATCH_BATCH_SIZE: %w", err)
	}
	leaseSeconds, err := config.GetEnvAsInt("DISPATCH_LEASE_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("DISPATCH_LEASE_SECONDS: %w", err)
	}

	return &serveConfig{
		Stores:       stores,
		SchemaName:   config.GetEnvAsString("DISPATCH_SCHEMA", "infra"),
		AdminAddr:    config.GetEnvAsString("DISPATCH_ADMIN_ADDR", ":8080"),
		BatchSize:    batchSize,
		LeaseSeconds: leaseSeconds,
		PollInterval: config.GetEnvAsString("DISPATCH_POLL_INTERVAL", "1s"),
	}, nil
}

// parseStores parses "key=dsn[,key=dsn...]" into StoreConfig entries. A
// dsn may itself be a "secret://provider/key" reference, resolved later
// by the router against whatever secrets.Store the caller wires in.
func parseStores(raw string) ([]router.StoreConfig, error) {
	var out []router.StoreConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("dispatchd: malformed store entry %q, expected key=dsn", entry)
		}
		out = append(out, router.StoreConfig{Key: parts[0], ConnectionString: parts[1]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dispatchd: no stores configured")
	}
	return out, nil
}
