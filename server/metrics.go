package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	kitlogrus "github.com/go-kit/kit/log/logrus"
	"github.com/go-kit/kit/metrics"
	discardMetrics "github.com/go-kit/kit/metrics/discard"
	expvarMetrics "github.com/go-kit/kit/metrics/expvar"
	kitinflux "github.com/go-kit/kit/metrics/influx"
	prometheusMetrics "github.com/go-kit/kit/metrics/prometheus"
	influx "github.com/influxdata/influxdb1-client/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

type MetricsBuilder interface {
	BuildConnectorMetrics() *ConnectorMetrics
	Start(ctx context.Context) error
}

const (
	MetricsBackendExpvar     = "expvar"
	MetricsBackendPrometheus = "prometheus"
	MetricsBackendInfluxDB   = "influxdb"
	MetricsBackendDiscard    = "discard"
)

// Values of the type label of ConnectorMetrics.Errors
const (
	errTypeReadDeadline      = "read_deadline"
	errTypeRead              = "read"
	errTypeProtocol          = "protocol"
	errTypeClientFilter      = "client_filter"
	errTypeResolution        = "resolution"
	errTypeBackendFailed     = "backend_failed"
	errTypeBackendsExhausted = "backends_exhausted"
	errTypeProxyWrite        = "proxy_write"
	errTypeHandshakeWrite    = "handshake_write"
	errTypeRelay             = "relay"
)

type MetricsBackendConfig struct {
	Influxdb struct {
		Interval        time.Duration     `default:"1m"`
		Tags            map[string]string `usage:"any extra tags to be included with all reported metrics"`
		Addr            string
		Username        string
		Password        string
		Database        string
		RetentionPolicy string
	}
}

type ConnectorMetrics struct {
	Errors              metrics.Counter
	BytesTransmitted    metrics.Counter
	ConnectionsFrontend metrics.Counter
	ConnectionsBackend  metrics.Counter
	ActiveConnections   metrics.Gauge
	BackendAttempts     metrics.Counter
	Handshakes          metrics.Counter
	RateLimitAvailable  metrics.Gauge
}

// NewMetricsBuilder creates a new MetricsBuilder based on the specified backend.
// If the backend is not recognized, a discard builder is returned.
// config can be nil if the backend is not influxdb.
func NewMetricsBuilder(backend string, config *MetricsBackendConfig) MetricsBuilder {
	switch strings.ToLower(backend) {
	case MetricsBackendExpvar:
		return &expvarMetricsBuilder{}
	case MetricsBackendPrometheus:
		return &prometheusMetricsBuilder{}
	case MetricsBackendInfluxDB:
		return &influxMetricsBuilder{config: config}
	case MetricsBackendDiscard:
		return &discardMetricsBuilder{}
	default:
		logrus.WithField("backend", backend).Warn("Unknown metrics backend, discarding metrics")
		return &discardMetricsBuilder{}
	}
}

type expvarMetricsBuilder struct {
}

func (b expvarMetricsBuilder) Start(ctx context.Context) error {
	// nothing needed
	return nil
}

func (b expvarMetricsBuilder) BuildConnectorMetrics() *ConnectorMetrics {
	// expvar has no labels, so the labelled counters collapse into one variable each
	return &ConnectorMetrics{
		Errors:              expvarMetrics.NewCounter("errors").With("subsystem", "connector"),
		BytesTransmitted:    expvarMetrics.NewCounter("bytes"),
		ConnectionsFrontend: expvarMetrics.NewCounter("frontend_connections"),
		ConnectionsBackend:  expvarMetrics.NewCounter("backend_connections"),
		ActiveConnections:   expvarMetrics.NewGauge("active_connections"),
		BackendAttempts:     expvarMetrics.NewCounter("backend_attempts"),
		Handshakes:          expvarMetrics.NewCounter("handshakes"),
		RateLimitAvailable:  expvarMetrics.NewGauge("rate_limit_available"),
	}
}

type discardMetricsBuilder struct {
}

func (b discardMetricsBuilder) Start(ctx context.Context) error {
	// nothing needed
	return nil
}

func (b discardMetricsBuilder) BuildConnectorMetrics() *ConnectorMetrics {
	return &ConnectorMetrics{
		Errors:              discardMetrics.NewCounter(),
		BytesTransmitted:    discardMetrics.NewCounter(),
		ConnectionsFrontend: discardMetrics.NewCounter(),
		ConnectionsBackend:  discardMetrics.NewCounter(),
		ActiveConnections:   discardMetrics.NewGauge(),
		BackendAttempts:     discardMetrics.NewCounter(),
		Handshakes:          discardMetrics.NewCounter(),
		RateLimitAvailable:  discardMetrics.NewGauge(),
	}
}

type influxMetricsBuilder struct {
	config  *MetricsBackendConfig
	metrics *kitinflux.Influx
}

func (b *influxMetricsBuilder) Start(ctx context.Context) error {
	if b.config == nil || b.config.Influxdb.Addr == "" {
		return errors.New("influx addr is required")
	}
	if b.metrics == nil {
		return errors.New("connector metrics must be built before starting")
	}
	influxConfig := &b.config.Influxdb

	client, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:     influxConfig.Addr,
		Username: influxConfig.Username,
		Password: influxConfig.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to create influx http client: %w", err)
	}

	ticker := time.NewTicker(influxConfig.Interval)
	go func() {
		defer ticker.Stop()
		b.metrics.WriteLoop(ctx, ticker.C, client)
	}()

	logrus.WithField("addr", influxConfig.Addr).
		Debug("reporting metrics to influxdb")

	return nil
}

func (b *influxMetricsBuilder) BuildConnectorMetrics() *ConnectorMetrics {
	var tags map[string]string
	var batchConfig influx.BatchPointsConfig
	if b.config != nil {
		tags = b.config.Influxdb.Tags
		batchConfig = influx.BatchPointsConfig{
			Database:        b.config.Influxdb.Database,
			RetentionPolicy: b.config.Influxdb.RetentionPolicy,
		}
	}

	m := kitinflux.New(tags, batchConfig, kitlogrus.NewLogger(logrus.StandardLogger()))
	b.metrics = m

	c := m.NewCounter("mc_srv_proxy_connections")
	return &ConnectorMetrics{
		Errors:              m.NewCounter("mc_srv_proxy_errors"),
		BytesTransmitted:    m.NewCounter("mc_srv_proxy_transmitted_bytes"),
		ConnectionsFrontend: c.With("side", "frontend"),
		ConnectionsBackend:  c.With("side", "backend"),
		ActiveConnections:   m.NewGauge("mc_srv_proxy_connections_active"),
		BackendAttempts:     m.NewCounter("mc_srv_proxy_backend_attempts"),
		Handshakes:          m.NewCounter("mc_srv_proxy_handshakes"),
		RateLimitAvailable:  m.NewGauge("mc_srv_proxy_rate_limit_available"),
	}
}

type prometheusMetricsBuilder struct {
}

func (b prometheusMetricsBuilder) Start(ctx context.Context) error {
	// served by the API server on /metrics
	return nil
}

func (b prometheusMetricsBuilder) BuildConnectorMetrics() *ConnectorMetrics {
	const namespace = "mc_srv_proxy"
	return &ConnectorMetrics{
		Errors: prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors",
			Help:      "The total number of errors",
		}, []string{"type"})),
		BytesTransmitted: prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes",
			Help:      "The total number of bytes transmitted",
		}, nil)),
		ConnectionsFrontend: prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "frontend",
			Name:        "connections",
			Help:        "The total number of connections",
			ConstLabels: prometheus.Labels{"side": "frontend"},
		}, nil)),
		ConnectionsBackend: prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "backend",
			Name:        "connections",
			Help:        "The total number of backend connections",
			ConstLabels: prometheus.Labels{"side": "backend"},
		}, []string{"host"})),
		ActiveConnections: prometheusMetrics.NewGauge(promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "The number of active connections",
		}, nil)),
		BackendAttempts: prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "attempts",
			Help:      "The total number of backend connection attempts, including failed ones",
		}, []string{"host"})),
		Handshakes: prometheusMetrics.NewCounter(promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes",
			Help:      "The total number of handshakes decoded, by next state",
		}, []string{"next_state"})),
		RateLimitAvailable: prometheusMetrics.NewGauge(promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_limit_available",
			Help:      "The number of available tokens in the rate limit bucket",
		}, nil)),
	}
}
