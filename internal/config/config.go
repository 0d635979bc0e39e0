package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Peers   []PeerConfig  `koanf:"peers"`
	Export  ExportConfig  `koanf:"export"`
	Archive ArchiveConfig `koanf:"archive"`
}

type ServerConfig struct {
	ASN                    uint32   `koanf:"asn"`
	BGPID                  string   `koanf:"bgp_id"`
	Port                   uint16   `koanf:"port"`
	Listen                 bool     `koanf:"listen"`
	Networks               []string `koanf:"networks"`
	HTTPListen             string   `koanf:"http_listen"`
	LogLevel               string   `koanf:"log_level"`
	ShutdownTimeoutSeconds int      `koanf:"shutdown_timeout_seconds"`
}

type PeerConfig struct {
	ASN                     uint32       `koanf:"asn"`
	BGPID                   string       `koanf:"bgp_id"`
	Host                    string       `koanf:"host"`
	Port                    uint16       `koanf:"port"`
	Mode                    string       `koanf:"mode"`  // active | passive
	Start                   string       `koanf:"start"` // automatic | manual
	NotificationWithoutOpen bool         `koanf:"notification_without_open"`
	Timers                  TimersConfig `koanf:"timers"`
}

type TimersConfig struct {
	ConnectRetry       SecondsConfig   `koanf:"connect_retry"`
	DelayOpen          DelayOpenConfig `koanf:"delay_open"`
	HoldTime           SecondsConfig   `koanf:"hold_time"`
	KeepAlive          SecondsConfig   `koanf:"keep_alive"`
	ASOrigination      SecondsConfig   `koanf:"as_origination"`
	RouteAdvertisement SecondsConfig   `koanf:"route_advertisement"`
}

type SecondsConfig struct {
	Seconds uint16 `koanf:"seconds"`
}

type DelayOpenConfig struct {
	Enabled bool   `koanf:"enabled"`
	Seconds uint16 `koanf:"seconds"`
}

type ExportConfig struct {
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

type ArchiveConfig struct {
	Enabled               bool   `koanf:"enabled"`
	DSN                   string `koanf:"dsn"`
	MaxConns              int32  `koanf:"max_conns"`
	MinConns              int32  `koanf:"min_conns"`
	BatchSize             int    `koanf:"batch_size"`
	FlushIntervalMs       int    `koanf:"flush_interval_ms"`
	StoreRawBytes         bool   `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool   `koanf:"store_raw_bytes_compress"`
}

// DefaultPeerASN (AS_TRANS, RFC 6793) is the peer ASN assumed for peers
// configured without one. It is not replaced by the ASN the peer sends in
// its OPEN.
const DefaultPeerASN uint32 = 23456

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   179,
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Export: ExportConfig{
			ClientID: "bgp-speaker",
		},
		Archive: ArchiveConfig{
			MaxConns:              20,
			MinConns:              2,
			BatchSize:             1000,
			FlushIntervalMs:       200,
			StoreRawBytesCompress: true,
		},
	}
}

func defaultPeer() PeerConfig {
	return PeerConfig{
		ASN:                     DefaultPeerASN,
		Port:                    179,
		Mode:                    "active",
		Start:                   "automatic",
		NotificationWithoutOpen: true,
		Timers: TimersConfig{
			ConnectRetry:       SecondsConfig{Seconds: 120},
			DelayOpen:          DelayOpenConfig{Enabled: true, Seconds: 5},
			HoldTime:           SecondsConfig{Seconds: 90},
			KeepAlive:          SecondsConfig{Seconds: 30},
			ASOrigination:      SecondsConfig{Seconds: 15},
			RouteAdvertisement: SecondsConfig{Seconds: 30},
		},
	}
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGP_SPEAKER_SERVER__ASN → server.asn
	if err := k.Load(env.Provider("BGP_SPEAKER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_SPEAKER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	if err := checkUnknownKeys(k); err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Per-peer defaults have to be applied element-wise: koanf cannot
	// seed list elements, so each peer starts from the default record and
	// the file overlays only the keys it names.
	for i, pk := range k.Slices("peers") {
		p := defaultPeer()
		if err := pk.Unmarshal("", &p); err != nil {
			return nil, fmt.Errorf("unmarshaling peer %d: %w", i, err)
		}
		cfg.Peers[i] = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// knownKeys matches every key path the schema accepts; peer list indexes
// are normalized to "*" before matching.
var knownKeys = map[string]bool{
	"server.asn":                      true,
	"server.bgp_id":                   true,
	"server.port":                     true,
	"server.listen":                   true,
	"server.networks":                 true,
	"server.http_listen":              true,
	"server.log_level":                true,
	"server.shutdown_timeout_seconds": true,

	"peers.*.asn":                                true,
	"peers.*.bgp_id":                             true,
	"peers.*.host":                               true,
	"peers.*.port":                               true,
	"peers.*.mode":                               true,
	"peers.*.start":                              true,
	"peers.*.notification_without_open":          true,
	"peers.*.timers.connect_retry.seconds":       true,
	"peers.*.timers.delay_open.enabled":          true,
	"peers.*.timers.delay_open.seconds":          true,
	"peers.*.timers.hold_time.seconds":           true,
	"peers.*.timers.keep_alive.seconds":          true,
	"peers.*.timers.as_origination.seconds":      true,
	"peers.*.timers.route_advertisement.seconds": true,

	"export.enabled":       true,
	"export.brokers":       true,
	"export.topic":         true,
	"export.client_id":     true,
	"export.tls.enabled":   true,
	"export.tls.ca_file":   true,
	"export.tls.cert_file": true,
	"export.tls.key_file":  true,
	"export.sasl.enabled":  true,
	"export.sasl.mechanism": true,
	"export.sasl.username":  true,
	"export.sasl.password":  true,

	"archive.enabled":                  true,
	"archive.dsn":                      true,
	"archive.max_conns":                true,
	"archive.min_conns":                true,
	"archive.batch_size":               true,
	"archive.flush_interval_ms":        true,
	"archive.store_raw_bytes":          true,
	"archive.store_raw_bytes_compress": true,
}

var peerIndex = regexp.MustCompile(`^peers\.\d+\.`)

func checkUnknownKeys(k *koanf.Koanf) error {
	for _, key := range k.Keys() {
		if key == "peers" {
			// Flattening stops at lists, so each peer record is walked on
			// its own and reported with its index.
			for i, pk := range k.Slices("peers") {
				for _, pkey := range pk.Keys() {
					if !knownKeys["peers.*."+pkey] {
						return fmt.Errorf("config: unknown key %q", fmt.Sprintf("peers.%d.%s", i, pkey))
					}
				}
			}
			continue
		}
		normalized := peerIndex.ReplaceAllString(key, "peers.*.")
		if !knownKeys[normalized] {
			return fmt.Errorf("config: unknown key %q", key)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.ASN == 0 {
		return fmt.Errorf("config: server.asn is required")
	}
	if err := validateIPv4(c.Server.BGPID); err != nil {
		return fmt.Errorf("config: server.bgp_id: %w", err)
	}
	for _, n := range c.Server.Networks {
		p, err := netip.ParsePrefix(n)
		if err != nil {
			return fmt.Errorf("config: server.networks %q: %w", n, err)
		}
		if !p.Addr().Is4() {
			return fmt.Errorf("config: server.networks %q: not an IPv4 prefix", n)
		}
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: server.shutdown_timeout_seconds must be > 0 (got %d)", c.Server.ShutdownTimeoutSeconds)
	}
	for i, p := range c.Peers {
		if err := validateIPv4(p.BGPID); err != nil {
			return fmt.Errorf("config: peers[%d].bgp_id: %w", i, err)
		}
		if p.Host == "" {
			return fmt.Errorf("config: peers[%d].host is required", i)
		}
		if p.ASN == 0 {
			return fmt.Errorf("config: peers[%d].asn must be > 0", i)
		}
		if p.Mode != "active" && p.Mode != "passive" {
			return fmt.Errorf("config: peers[%d].mode must be active or passive (got %q)", i, p.Mode)
		}
		if p.Start != "automatic" && p.Start != "manual" {
			return fmt.Errorf("config: peers[%d].start must be automatic or manual (got %q)", i, p.Start)
		}
		ht := p.Timers.HoldTime.Seconds
		if ht != 0 && ht < 3 {
			return fmt.Errorf("config: peers[%d].timers.hold_time.seconds must be 0 or >= 3 (got %d)", i, ht)
		}
	}
	if c.Export.Enabled {
		if len(c.Export.Brokers) == 0 {
			return fmt.Errorf("config: export.brokers is required when export is enabled")
		}
		if c.Export.Topic == "" {
			return fmt.Errorf("config: export.topic is required when export is enabled")
		}
	}
	if c.Archive.Enabled {
		if c.Archive.DSN == "" {
			return fmt.Errorf("config: archive.dsn is required when archive is enabled")
		}
		if c.Archive.BatchSize <= 0 {
			return fmt.Errorf("config: archive.batch_size must be > 0 (got %d)", c.Archive.BatchSize)
		}
		if c.Archive.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: archive.flush_interval_ms must be > 0 (got %d)", c.Archive.FlushIntervalMs)
		}
		if c.Archive.MaxConns <= 0 {
			return fmt.Errorf("config: archive.max_conns must be > 0 (got %d)", c.Archive.MaxConns)
		}
		if c.Archive.MinConns < 0 {
			return fmt.Errorf("config: archive.min_conns must be >= 0 (got %d)", c.Archive.MinConns)
		}
	}
	return nil
}

func validateIPv4(s string) error {
	if s == "" {
		return fmt.Errorf("required")
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return err
	}
	if !a.Is4() {
		return fmt.Errorf("%q is not an IPv4 address", s)
	}
	return nil
}

// BGPID4 parses a dotted-quad identifier into its wire form.
func BGPID4(s string) [4]byte {
	a, _ := netip.ParseAddr(s)
	return a.As4()
}

// BuildTLSConfig creates a *tls.Config from the export TLS settings.
// Returns nil if TLS is disabled.
func (e *ExportConfig) BuildTLSConfig() (*tls.Config, error) {
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

// BuildSASLMechanism creates a SASL mechanism from the export SASL
// settings. Returns nil if SASL is disabled.
func (e *ExportConfig) BuildSASLMechanism() sasl.Mechanism {
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
