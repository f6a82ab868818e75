package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kvserve/kvserve/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Total commands dispatched, by command name.",
	}, []string{"cmd"})
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_accepted_total",
		Help: "Total TCP connections accepted.",
	})
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connected_clients",
		Help: "Current number of open client connections.",
	})
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_subscribers",
		Help: "Current number of live pub/sub receivers.",
	})
	PubSubChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pubsub_channels",
		Help: "Number of distinct channel names ever used.",
	})
	LaggedReceivers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubsub_lagged_receivers_total",
		Help: "Total receivers cut off after overflowing their buffer.",
	})
	ExpiredKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expired_keys_total",
		Help: "Total keys evicted after their TTL elapsed.",
	})
	SnapshotSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_success_total",
		Help: "Total snapshots written successfully.",
	})
	SnapshotFailure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "snapshot_failure_total",
		Help: "Total snapshot attempts that failed.",
	})
	SnapshotKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapshot_keys",
		Help: "Keys contained in the most recent successful snapshot.",
	})
	SnapshotDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "snapshot_duration_seconds",
		Help: "Duration of the most recent successful snapshot.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations).",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrListen    = "listen"
	ErrAccept    = "accept"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrSnapshot  = "snapshot"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localCommands    uint64
	localAccepted    uint64
	localClients     int64
	localSubscribers int64
	localChannels    uint64
	localLagged      uint64
	localExpired     uint64
	localSnapshotOK  uint64
	localSnapshotErr uint64
	localMalformed   uint64
	localErrors      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Commands    uint64
	Accepted    uint64
	Clients     int64
	Subscribers int64
	Channels    uint64
	Lagged      uint64
	Expired     uint64
	SnapshotOK  uint64
	SnapshotErr uint64
	Malformed   uint64
	Errors      uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		Commands:    atomic.LoadUint64(&localCommands),
		Accepted:    atomic.LoadUint64(&localAccepted),
		Clients:     atomic.LoadInt64(&localClients),
		Subscribers: atomic.LoadInt64(&localSubscribers),
		Channels:    atomic.LoadUint64(&localChannels),
		Lagged:      atomic.LoadUint64(&localLagged),
		Expired:     atomic.LoadUint64(&localExpired),
		SnapshotOK:  atomic.LoadUint64(&localSnapshotOK),
		SnapshotErr: atomic.LoadUint64(&localSnapshotErr),
		Malformed:   atomic.LoadUint64(&localMalformed),
		Errors:      atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCommand(name string) {
	CommandsTotal.WithLabelValues(name).Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncAccepted() {
	ConnectionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func SetClients(n int) {
	ConnectedClients.Set(float64(n))
	atomic.StoreInt64(&localClients, int64(n))
}

func AddSubscribers(delta int) {
	ActiveSubscribers.Add(float64(delta))
	atomic.AddInt64(&localSubscribers, int64(delta))
}

func SetChannels(n int) {
	PubSubChannels.Set(float64(n))
	atomic.StoreUint64(&localChannels, uint64(n))
}

func IncLagged() {
	LaggedReceivers.Inc()
	atomic.AddUint64(&localLagged, 1)
}

func AddExpired(n int) {
	ExpiredKeys.Add(float64(n))
	atomic.AddUint64(&localExpired, uint64(n))
}

// IncSnapshotSuccess records one successful snapshot of keys entries.
func IncSnapshotSuccess(keys int, d time.Duration) {
	SnapshotSuccess.Inc()
	SnapshotKeys.Set(float64(keys))
	SnapshotDuration.Set(d.Seconds())
	atomic.AddUint64(&localSnapshotOK, 1)
}

func IncSnapshotFailure() {
	SnapshotFailure.Inc()
	atomic.AddUint64(&localSnapshotErr, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error label series so the first error does not pay
	// registration latency.
	for _, lbl := range []string{ErrListen, ErrAccept, ErrConnRead, ErrConnWrite, ErrSnapshot} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
