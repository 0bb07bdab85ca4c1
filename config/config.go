package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SPOOLSHARE_HTTP_ADDR
const EnvPrefix = "SPOOLSHARE"

// Config represents the application configuration
type Config struct {
	// Node configuration
	NodeID     string
	RaftAddr   string
	RaftDir    string
	HTTPAddr   string
	Bootstrap  bool
	JoinAddr   string
	Peers      []string
	Standalone bool

	// Shared secret guarding the /raft membership endpoints
	ClusterSecret string

	// Identity
	JWTSecret string
	JWTIssuer string

	// Expiration alerts
	RedisAddr         string
	RedisPassword     string
	AlertLeadTime     time.Duration
	AlertPollInterval time.Duration

	LogLevel string
}

// Register defines the flags on fs and binds each one to v, so that the
// environment overrides the default and a flag overrides both.
func Register(fs *pflag.FlagSet, v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	fs.String("id", "", "Node ID")
	fs.String("raft-addr", "", "Raft transport address")
	fs.String("raft-dir", "", "Raft storage directory")
	fs.String("http-addr", ":8000", "HTTP API address")
	fs.Bool("bootstrap", false, "Bootstrap the cluster")
	fs.String("join", "", "HTTP address of an existing node to join")
	fs.StringSlice("peers", nil, "Comma-separated list of peer raft addresses (id=addr)")
	fs.Bool("standalone", false, "Run without raft, keeping documents in memory")
	fs.String("cluster-secret", "", "Shared secret required on /raft join and leave requests")
	fs.String("jwt-secret", "", "HMAC secret used to verify bearer tokens")
	fs.String("jwt-issuer", "", "Required token issuer, empty accepts any")
	fs.String("redis-addr", "", "Redis address for expiration alerts, empty logs alerts instead")
	fs.String("redis-password", "", "Redis password")
	fs.Duration("alert-lead-time", 72*time.Hour, "How long before expiration an alert fires")
	fs.Duration("alert-poll-interval", time.Minute, "How often due alerts are dispatched")
	fs.String("log-level", "info", "Log level (debug, info, warn, error)")

	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if bindErr := v.BindPFlag(f.Name, f); bindErr != nil && err == nil {
			err = errors.Wrapf(bindErr, "failed to bind flag %s", f.Name)
		}
	})
	return err
}

// FromViper reads the configuration registered by Register
func FromViper(v *viper.Viper) *Config {
	return &Config{
		NodeID:            v.GetString("id"),
		RaftAddr:          v.GetString("raft-addr"),
		RaftDir:           v.GetString("raft-dir"),
		HTTPAddr:          v.GetString("http-addr"),
		Bootstrap:         v.GetBool("bootstrap"),
		JoinAddr:          v.GetString("join"),
		Peers:             splitList(v.GetStringSlice("peers")),
		Standalone:        v.GetBool("standalone"),
		ClusterSecret:     v.GetString("cluster-secret"),
		JWTSecret:         v.GetString("jwt-secret"),
		JWTIssuer:         v.GetString("jwt-issuer"),
		RedisAddr:         v.GetString("redis-addr"),
		RedisPassword:     v.GetString("redis-password"),
		AlertLeadTime:     v.GetDuration("alert-lead-time"),
		AlertPollInterval: v.GetDuration("alert-poll-interval"),
		LogLevel:          v.GetString("log-level"),
	}
}

// Validate checks that the required settings are present
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("HTTP address is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT secret is required")
	}
	if c.AlertLeadTime < 0 {
		return errors.New("alert lead time must not be negative")
	}
	if c.Standalone {
		return nil
	}
	if c.NodeID == "" {
		return errors.New("node ID is required")
	}
	if c.RaftAddr == "" {
		return errors.New("raft address is required")
	}
	if c.RaftDir == "" {
		return errors.New("raft directory is required")
	}
	return nil
}

// env values arrive as one comma separated string
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}
