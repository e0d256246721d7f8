package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Config is the root configuration object: the boundary with the
// (excluded) configuration-language parser. A real deployment's
// neighbor/process/route definitions arrive through this structure
// however they were originally expressed.
type Config struct {
	Service   ServiceConfig           `koanf:"service"`
	TCP       TCPConfig               `koanf:"tcp"`
	API       APIConfig               `koanf:"api"`
	Neighbors map[string]Neighbor     `koanf:"neighbors"`
	Processes map[string]ProcessSpec  `koanf:"processes"`
	EventSink EventSinkConfig         `koanf:"event_sink"`
	Postgres  PostgresConfig          `koanf:"postgres"`
	History   HistoryConfig           `koanf:"history"`
	Retention RetentionConfig         `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
	ReactorSpeedMs         int    `koanf:"reactor_speed_ms"`
}

// TCPConfig holds global TCP-layer defaults applied to neighbors that
// don't override them.
type TCPConfig struct {
	Port          int  `koanf:"port"`
	BindAddress   string `koanf:"bind"`
	DelaySeconds  int  `koanf:"delay_seconds"` // tcp.delay: multi-instance connect synchronization
}

// APIConfig controls helper-process defaults and the control-socket.
type APIConfig struct {
	SocketPath     string `koanf:"socket_path"`
	Respawn        bool   `koanf:"respawn"`
	Terminate      bool   `koanf:"terminate"`
	QueueHighWater int    `koanf:"queue_high_water"`
}

// Neighbor is one configured BGP session (spec.md §6 "Configuration
// object" Neighbor exposure list).
type Neighbor struct {
	LocalAddress  string `koanf:"local_address"`
	PeerAddress   string `koanf:"peer_address"`
	LocalAS       uint32 `koanf:"local_as"`
	PeerAS        uint32 `koanf:"peer_as"`
	RouterID      string `koanf:"router_id"`
	HoldTime      int    `koanf:"hold_time"`
	Passive       bool   `koanf:"passive"`
	ListenPort    int    `koanf:"listen_port"`
	ConnectPort   int    `koanf:"connect_port"`
	MD5Password   string `koanf:"md5_password"`
	TTLOut        int    `koanf:"ttl_out"`
	TTLSecurityIn int    `koanf:"ttl_security_in"`
	SourceInterface string `koanf:"source_interface"`

	RouteRefresh     bool   `koanf:"route_refresh"`
	GracefulRestart  int    `koanf:"graceful_restart_seconds"` // 0 = disabled
	ExtendedMessage  bool   `koanf:"extended_message"`
	ASN4             bool   `koanf:"asn4"`
	Operational      bool   `koanf:"operational"`
	AIGP             bool   `koanf:"aigp"`
	AddPath          map[string]string `koanf:"add_path"` // "afi/safi" -> send|receive|send-receive|disable

	Families []string `koanf:"families"` // "afi/safi" strings this neighbor is configured for

	AdjRIBInEnabled  bool `koanf:"adj_rib_in"`
	AdjRIBOutRetain  bool `koanf:"adj_rib_out_retain"`
	AutoFlush        bool `koanf:"auto_flush"`
	ManualEOR        bool `koanf:"manual_eor"`
	GroupUpdates     bool `koanf:"group_updates"`
	RateLimitSeconds int  `koanf:"rate_limit_seconds"`

	StaticRoutes []RouteSpec `koanf:"static_routes"`
	APISubscriptions []string `koanf:"api_subscriptions"` // process names receiving this peer's events
}

// RouteSpec is one statically-configured route (spec.md §6 "a route
// table (static announcements)"). NextHop/Communities/etc. are left as
// strings; internal/reactor's buildStaticAttributes turns them into
// protocol.Attributes when the peers are built.
type RouteSpec struct {
	Prefix       string   `koanf:"prefix"`
	NextHop      string   `koanf:"next_hop"`
	LocalPref    *uint32  `koanf:"local_preference"`
	MED          *uint32  `koanf:"med"`
	Communities  []string `koanf:"communities"`
	Watchdog     string   `koanf:"watchdog"`
}

// ProcessSpec is one configured helper-process (spec.md §6 "a set of
// Processes").
type ProcessSpec struct {
	Run         []string `koanf:"run"`
	Encoder     string   `koanf:"encoder"` // "text" | "json"
	Receive     []string `koanf:"receive"` // subscription kinds: parsed, packets, update, neighbor-changes, ...
}

// EventSinkConfig mirrors every emitted helper-process event onto a
// Kafka topic for external consumers, reusing the teacher's
// TLS/SASL-over-franz-go pattern but as a producer instead of a
// consumer.
type EventSinkConfig struct {
	Enabled  bool       `koanf:"enabled"`
	Brokers  []string   `koanf:"brokers"`
	Topic    string     `koanf:"topic"`
	ClientID string     `koanf:"client_id"`
	TLS      TLSConfig  `koanf:"tls"`
	SASL     SASLConfig `koanf:"sasl"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

type PostgresConfig struct {
	DSN                    string `koanf:"dsn"`
	MaxConns               int32  `koanf:"max_conns"`
	MinConns               int32  `koanf:"min_conns"`
	MaxConnLifetimeMinutes int    `koanf:"max_conn_lifetime_minutes"`
	MaxConnIdleTimeMinutes int    `koanf:"max_conn_idle_time_minutes"`
}

// HistoryConfig governs the RIB-change audit sink (updates persisted
// to Postgres for later replay/inspection).
type HistoryConfig struct {
	Enabled               bool `koanf:"enabled"`
	BatchSize             int  `koanf:"batch_size"`
	FlushIntervalMs       int  `koanf:"flush_interval_ms"`
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type RetentionConfig struct {
	Days                int    `koanf:"days"`
	Timezone            string `koanf:"timezone"`
	PartitionsAheadDays int    `koanf:"partitions_ahead_days"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPD_EVENT_SINK__BROKERS → event_sink.brokers
	if err := k.Load(env.Provider("BGPD_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPD_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgpd-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
			ReactorSpeedMs:         1000,
		},
		TCP: TCPConfig{
			Port: 179,
		},
		API: APIConfig{
			Respawn:        true,
			QueueHighWater: 8192,
		},
		EventSink: EventSinkConfig{
			ClientID: "bgpd",
		},
		Postgres: PostgresConfig{
			MaxConns:               20,
			MinConns:               2,
			MaxConnLifetimeMinutes: 60,
			MaxConnIdleTimeMinutes: 15,
		},
		History: HistoryConfig{
			BatchSize:             1000,
			FlushIntervalMs:       200,
			ChannelBufferSize:     16,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:                30,
			Timezone:            "UTC",
			PartitionsAheadDays: 2,
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.EventSink.Brokers) == 1 && strings.Contains(cfg.EventSink.Brokers[0], ",") {
		cfg.EventSink.Brokers = strings.Split(cfg.EventSink.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Neighbors) == 0 {
		return fmt.Errorf("config: at least one neighbor is required")
	}
	for name, n := range c.Neighbors {
		if n.PeerAddress == "" {
			return fmt.Errorf("config: neighbors.%s.peer_address is required", name)
		}
		if n.PeerAS == 0 {
			return fmt.Errorf("config: neighbors.%s.peer_as is required", name)
		}
	}
	if c.EventSink.Enabled && len(c.EventSink.Brokers) == 0 {
		return fmt.Errorf("config: event_sink.brokers is required when event_sink.enabled")
	}
	if c.History.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required when history.enabled")
	}
	if c.History.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: history.flush_interval_ms must be > 0 (got %d)", c.History.FlushIntervalMs)
	}
	if c.History.BatchSize <= 0 {
		return fmt.Errorf("config: history.batch_size must be > 0 (got %d)", c.History.BatchSize)
	}
	if c.History.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: history.channel_buffer_size must be > 0 (got %d)", c.History.ChannelBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Postgres.MaxConns <= 0 && c.History.Enabled {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the event-sink TLS settings.
// Returns nil if TLS is disabled.
func (e *EventSinkConfig) BuildTLSConfig() (*tls.Config, error) {
	if !e.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if e.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(e.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if e.TLS.CertFile != "" && e.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(e.TLS.CertFile, e.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the event-sink SASL
// settings. Returns nil if SASL is disabled.
func (e *EventSinkConfig) BuildSASLMechanism() sasl.Mechanism {
	if !e.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(e.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: e.SASL.Username, Pass: e.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
