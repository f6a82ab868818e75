package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr      string
	dumpPath        string
	snapshotEvery   time.Duration
	expireEvery     time.Duration
	expireSample    int
	pubsubBuffer    int
	maxBulkBytes    int64
	maxClients      int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", "127.0.0.1:6379", "TCP listen address")
	dumpPath := flag.String("dump", "dump.rdb", "Snapshot file path; empty disables persistence")
	snapshotEvery := flag.Duration("snapshot-interval", 60*time.Second, "Background snapshot interval (only writes when dirty)")
	expireEvery := flag.Duration("expire-interval", 100*time.Millisecond, "Active expirer tick")
	expireSample := flag.Int("expire-sample", 20, "Keys sampled from the TTL index per expirer tick")
	pubsubBuffer := flag.Int("pubsub-buffer", 32, "Per-subscriber message buffer (messages)")
	maxBulkBytes := flag.Int64("max-bulk-bytes", 512<<20, "Maximum declared bulk string length")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default kvserve-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.dumpPath = *dumpPath
	cfg.snapshotEvery = *snapshotEvery
	cfg.expireEvery = *expireEvery
	cfg.expireSample = *expireSample
	cfg.pubsubBuffer = *pubsubBuffer
	cfg.maxBulkBytes = *maxBulkBytes
	cfg.maxClients = *maxClients
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to bind listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.listenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.snapshotEvery <= 0 {
		return fmt.Errorf("snapshot-interval must be > 0 (got %s)", c.snapshotEvery)
	}
	if c.expireEvery <= 0 {
		return fmt.Errorf("expire-interval must be > 0 (got %s)", c.expireEvery)
	}
	if c.expireSample <= 0 {
		return fmt.Errorf("expire-sample must be > 0 (got %d)", c.expireSample)
	}
	if c.pubsubBuffer <= 0 {
		return fmt.Errorf("pubsub-buffer must be > 0 (got %d)", c.pubsubBuffer)
	}
	if c.maxBulkBytes <= 0 {
		return fmt.Errorf("max-bulk-bytes must be > 0 (got %d)", c.maxBulkBytes)
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0 (got %d)", c.maxClients)
	}
	return nil
}

// applyEnvOverrides maps KVSERVE_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are
// ignored. Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("%s: %v", env, err)
			}
		}
	}
	num := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("%s: %v", env, err)
			}
		}
	}
	str("listen", "KVSERVE_LISTEN", &c.listenAddr)
	str("dump", "KVSERVE_DUMP", &c.dumpPath)
	dur("snapshot-interval", "KVSERVE_SNAPSHOT_INTERVAL", &c.snapshotEvery)
	dur("expire-interval", "KVSERVE_EXPIRE_INTERVAL", &c.expireEvery)
	num("expire-sample", "KVSERVE_EXPIRE_SAMPLE", &c.expireSample)
	num("pubsub-buffer", "KVSERVE_PUBSUB_BUFFER", &c.pubsubBuffer)
	num("max-clients", "KVSERVE_MAX_CLIENTS", &c.maxClients)
	str("log-format", "KVSERVE_LOG_FORMAT", &c.logFormat)
	str("log-level", "KVSERVE_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "KVSERVE_METRICS_ADDR", &c.metricsAddr)
	dur("log-metrics-interval", "KVSERVE_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	if _, ok := set["max-bulk-bytes"]; !ok {
		if v, ok := get("KVSERVE_MAX_BULK_BYTES"); ok && v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.maxBulkBytes = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("KVSERVE_MAX_BULK_BYTES: %v", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("KVSERVE_MDNS_ENABLE"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.mdnsEnable = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("KVSERVE_MDNS_ENABLE: %v", err)
			}
		}
	}
	str("mdns-name", "KVSERVE_MDNS_NAME", &c.mdnsName)
	return firstErr
}
