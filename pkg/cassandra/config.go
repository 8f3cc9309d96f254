package cassandra

import (
	"flag"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"
)

// Config for the Cassandra cluster the proxy fronts.
type Config struct {
	Addresses                string        `yaml:"addresses"`
	Port                     int           `yaml:"port"`
	Keyspace                 string        `yaml:"keyspace"`
	Consistency              string        `yaml:"consistency"`
	ReplicationFactor        int           `yaml:"replication_factor"`
	DisableInitialHostLookup bool          `yaml:"disable_initial_host_lookup"`
	SSL                      bool          `yaml:"ssl"`
	HostVerification         bool          `yaml:"host_verification"`
	CAPath                   string        `yaml:"ca_path"`
	Auth                     bool          `yaml:"auth"`
	Username                 string        `yaml:"username"`
	Password                 string        `yaml:"password"`
	Timeout                  time.Duration `yaml:"timeout"`
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`
}

// RegisterFlags adds the flags required to config this to the given FlagSet.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.Addresses, "cassandra.addresses", "127.0.0.1", "Comma-separated hostnames or ips of Cassandra instances.")
	f.IntVar(&cfg.Port, "cassandra.port", 9042, "Port that Cassandra is running on.")
	f.StringVar(&cfg.Keyspace, "cassandra.keyspace", "snap_websites", "Keyspace to use in Cassandra.")
	f.StringVar(&cfg.Consistency, "cassandra.consistency", "QUORUM", "Default consistency level for orders that do not carry one.")
	f.IntVar(&cfg.ReplicationFactor, "cassandra.replication-factor", 1, "Replication factor to use when creating the keyspace.")
	f.BoolVar(&cfg.DisableInitialHostLookup, "cassandra.disable-initial-host-lookup", false, "Instruct the cassandra driver to not attempt to get host info from the system.peers table.")
	f.BoolVar(&cfg.SSL, "cassandra.ssl", false, "Use SSL when connecting to cassandra instances.")
	f.BoolVar(&cfg.HostVerification, "cassandra.host-verification", true, "Require SSL certificate validation.")
	f.StringVar(&cfg.CAPath, "cassandra.ca-path", "", "Path to certificate file to verify the peer.")
	f.BoolVar(&cfg.Auth, "cassandra.auth", false, "Enable password authentication when connecting to cassandra.")
	f.StringVar(&cfg.Username, "cassandra.username", "", "Username to use when connecting to cassandra.")
	f.StringVar(&cfg.Password, "cassandra.password", "", "Password to use when connecting to cassandra.")
	f.DurationVar(&cfg.Timeout, "cassandra.timeout", 5*time.Second, "Statement timeout of the shared session.")
	f.DurationVar(&cfg.ConnectTimeout, "cassandra.connect-timeout", 5*time.Second, "Timeout when connecting to cassandra.")
}

// Validate the config.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.Addresses) == "" {
		return errors.New("no cassandra addresses configured")
	}
	if cfg.Keyspace == "" {
		return errors.New("no cassandra keyspace configured")
	}
	if cfg.ReplicationFactor < 1 {
		return errors.New("cassandra replication factor must be at least 1")
	}
	if _, err := gocql.ParseConsistencyWrapper(cfg.Consistency); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// DefaultConsistency returns the configured consistency level. Falls back
// to QUORUM when the config was never validated.
func (cfg *Config) DefaultConsistency() gocql.Consistency {
	c, err := gocql.ParseConsistencyWrapper(cfg.Consistency)
	if err != nil {
		return gocql.Quorum
	}
	return c
}

func (cfg *Config) hosts() []string {
	return strings.Split(cfg.Addresses, ",")
}
