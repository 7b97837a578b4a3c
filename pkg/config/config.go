package config

import (
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when the corresponding field is unset.
const (
	DefaultTimeoutMillis        = 4000
	DefaultSessionTimeoutMillis = 120000
	DefaultPollPeriodMillis     = 5000
	DefaultScanPeriodMillis     = 3600000
	DefaultSubscriptionInterval = 1
	DefaultRPCTimeoutMillis     = 15000
	DefaultQueueCapacity        = 4096
	DefaultMetricsPort          = 9464
	DefaultConverter            = "uplink"
)

// Overflow policies for the delivery queue.
const (
	OverflowBlock      = "block"
	OverflowDropOldest = "dropOldest"
	OverflowReject     = "reject"
)

// Security policies and identity types accepted by the connection manager.
var (
	securityPolicies = map[string]bool{
		"": true, "None": true, "Basic128Rsa15": true, "Basic256": true, "Basic256Sha256": true,
	}
	securityModes = map[string]bool{
		"": true, "None": true, "Sign": true, "SignAndEncrypt": true,
	}
	identityTypes = map[string]bool{
		"": true, "anonymous": true, "username": true, "cert.PEM": true,
	}
)

// Config is the full connector configuration, owned by the enclosing gateway
// and handed to the connector at construction time.
type Config struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Type     string           `yaml:"type"`
	LogLevel string           `yaml:"logLevel"`
	Server   ServerConfig     `yaml:"server"`
	Mapping  []MappingTemplate `yaml:"mapping"`
	Pipeline PipelineConfig   `yaml:"pipeline"`
	Agent    AgentConfig      `yaml:"agent"`
}

// AgentConfig holds settings of the enclosing process, not the connector core.
type AgentConfig struct {
	MetricsPort int `yaml:"metricsPort"` // Port to expose metrics on
}

// ServerConfig describes the OPC UA server endpoint and acquisition cadences.
type ServerConfig struct {
	URL                        string         `yaml:"url"`
	TimeoutMillis              int            `yaml:"timeoutInMillis"`
	SessionTimeoutMillis       int            `yaml:"sessionTimeoutInMillis"`
	Security                   string         `yaml:"security"`     // security policy name
	SecurityMode               string         `yaml:"securityMode"` // None, Sign, SignAndEncrypt
	Identity                   IdentityConfig `yaml:"identity"`
	EnableSubscriptions        *bool          `yaml:"enableSubscriptions"`
	SubscriptionIntervalMillis int            `yaml:"subscriptionIntervalInMillis"`
	PollPeriodMillis           int            `yaml:"pollPeriodInMillis"`
	ScanPeriodMillis           int            `yaml:"scanPeriodInMillis"`
	RPCTimeoutMillis           int            `yaml:"rpcTimeoutInMillis"`
	ConnectMaxAttempts         int            `yaml:"connectMaxAttempts"`
}

// IdentityConfig selects how the session authenticates. Type "cert.PEM"
// requires Cert and PrivateKey file paths; type "username" requires Username.
type IdentityConfig struct {
	Type       string `yaml:"type"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Cert       string `yaml:"cert"`
	PrivateKey string `yaml:"privateKey"`
	CACert     string `yaml:"caCert"`
}

// MappingTemplate configures one device pattern: how instances are discovered,
// named, which nodes feed telemetry, and which commands are accepted.
type MappingTemplate struct {
	DeviceNodePattern string            `yaml:"deviceNodePattern"`
	DeviceInfo        DeviceInfoConfig  `yaml:"deviceInfo"`
	Converter         string            `yaml:"converter"`
	Attributes        []KeyPath         `yaml:"attributes"`
	Timeseries        []KeyPath         `yaml:"timeseries"`
	AttributeUpdates  []AttributeUpdate `yaml:"attributeUpdates"`
	RPCMethods        []RPCMethod       `yaml:"rpcMethods"`
}

// DeviceInfoConfig carries the name/profile expressions. Either may embed a
// single ${<node-path>} placeholder substituted with a live-read value.
type DeviceInfoConfig struct {
	DeviceNameExpression    string `yaml:"deviceNameExpression"`
	DeviceProfileExpression string `yaml:"deviceProfileExpression"`
}

// KeyPath binds a telemetry/attribute key to a node-path expression.
type KeyPath struct {
	Key  string `yaml:"key"`
	Path string `yaml:"path"`
}

// AttributeUpdate maps a shared-attribute key to a node path relative to the
// device subtree root.
type AttributeUpdate struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// RPCMethod declares a server-side method callable through the gateway with
// default positional arguments.
type RPCMethod struct {
	Method    string `yaml:"method"`
	Arguments []any  `yaml:"arguments"`
}

// PipelineConfig tunes the delivery pipeline between acquisition and the sink.
type PipelineConfig struct {
	QueueCapacity        int    `yaml:"queueCapacity"`
	OverflowPolicy       string `yaml:"overflowPolicy"`
	DeduplicateTelemetry bool   `yaml:"deduplicateTelemetry"`
}

// Load reads and normalizes a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills in defaults and validates the configuration in place.
func (c *Config) Normalize() error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Type == "" {
		c.Type = "opcua"
	}
	if c.Name == "" {
		c.Name = "OPC-UA Connector " + randomSuffix(5)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	s := &c.Server
	if s.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.Contains(s.URL, "opc.tcp") {
		s.URL = "opc.tcp://" + s.URL
	}
	if s.TimeoutMillis <= 0 {
		s.TimeoutMillis = DefaultTimeoutMillis
	}
	if s.SessionTimeoutMillis <= 0 {
		s.SessionTimeoutMillis = DefaultSessionTimeoutMillis
	}
	if s.PollPeriodMillis <= 0 {
		s.PollPeriodMillis = DefaultPollPeriodMillis
	}
	if s.ScanPeriodMillis <= 0 {
		s.ScanPeriodMillis = DefaultScanPeriodMillis
	}
	if s.SubscriptionIntervalMillis <= 0 {
		s.SubscriptionIntervalMillis = DefaultSubscriptionInterval
	}
	if s.RPCTimeoutMillis <= 0 {
		s.RPCTimeoutMillis = DefaultRPCTimeoutMillis
	}
	if s.ConnectMaxAttempts <= 0 {
		s.ConnectMaxAttempts = 8
	}
	if !securityPolicies[s.Security] {
		return fmt.Errorf("unknown security policy %q", s.Security)
	}
	if !securityModes[s.SecurityMode] {
		return fmt.Errorf("unknown security mode %q", s.SecurityMode)
	}
	if !identityTypes[s.Identity.Type] {
		return fmt.Errorf("unknown identity type %q", s.Identity.Type)
	}
	if s.Identity.Type == "cert.PEM" && (s.Identity.Cert == "" || s.Identity.PrivateKey == "") {
		return fmt.Errorf("identity type cert.PEM requires cert and privateKey")
	}

	for i := range c.Mapping {
		m := &c.Mapping[i]
		if m.DeviceNodePattern == "" {
			return fmt.Errorf("mapping[%d]: deviceNodePattern is required", i)
		}
		if m.Converter == "" {
			m.Converter = DefaultConverter
		}
		if m.DeviceInfo.DeviceProfileExpression == "" {
			m.DeviceInfo.DeviceProfileExpression = "default"
		}
	}

	p := &c.Pipeline
	if p.QueueCapacity <= 0 {
		p.QueueCapacity = DefaultQueueCapacity
	}
	switch p.OverflowPolicy {
	case "":
		p.OverflowPolicy = OverflowDropOldest
	case OverflowBlock, OverflowDropOldest, OverflowReject:
	default:
		return fmt.Errorf("unknown overflow policy %q", p.OverflowPolicy)
	}

	if c.Agent.MetricsPort <= 0 {
		c.Agent.MetricsPort = DefaultMetricsPort
	}
	return nil
}

// SubscriptionsEnabled reports whether the push path is active (default true).
func (s *ServerConfig) SubscriptionsEnabled() bool {
	return s.EnableSubscriptions == nil || *s.EnableSubscriptions
}

// Timeout returns the request timeout as a duration.
func (s *ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMillis) * time.Millisecond
}

// SessionTimeout returns the session timeout as a duration.
func (s *ServerConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMillis) * time.Millisecond
}

// PollPeriod returns the poll cadence as a duration.
func (s *ServerConfig) PollPeriod() time.Duration {
	return time.Duration(s.PollPeriodMillis) * time.Millisecond
}

// ScanPeriod returns the scan cadence as a duration.
func (s *ServerConfig) ScanPeriod() time.Duration {
	return time.Duration(s.ScanPeriodMillis) * time.Millisecond
}

// SubscriptionInterval returns the publishing interval for the shared
// subscription as a duration.
func (s *ServerConfig) SubscriptionInterval() time.Duration {
	return time.Duration(s.SubscriptionIntervalMillis) * time.Millisecond
}

// RPCTimeout bounds how long a bridged command waits for the protocol
// goroutine before giving up.
func (s *ServerConfig) RPCTimeout() time.Duration {
	return time.Duration(s.RPCTimeoutMillis) * time.Millisecond
}

const lowercase = "abcdefghijklmnopqrstuvwxyz"

func randomSuffix(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = lowercase[rand.Intn(len(lowercase))]
	}
	return string(b)
}
