package snapdbproxy

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/m2osw/snapdbproxy/pkg/cassandra"
	"github.com/m2osw/snapdbproxy/pkg/controlplane"
	"github.com/m2osw/snapdbproxy/pkg/dbproxy"
	"github.com/m2osw/snapdbproxy/pkg/schema"
)

// Config is the root configuration of the proxy.
type Config struct {
	Proxy        dbproxy.Config      `yaml:"proxy,omitempty"`
	Cassandra    cassandra.Config    `yaml:"cassandra,omitempty"`
	Schema       schema.Config       `yaml:"schema,omitempty"`
	ControlPlane controlplane.Config `yaml:"control_plane,omitempty"`
	Log          LogConfig           `yaml:"log,omitempty"`
}

// RegisterFlags registers the flags of all components. Flag defaults fill
// the config first; a config file then overrides them.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Proxy.RegisterFlags(f)
	c.Cassandra.RegisterFlags(f)
	c.Schema.RegisterFlags(f)
	c.ControlPlane.RegisterFlags(f)
	c.Log.RegisterFlags(f)
}

// LoadFile overlays the YAML file at path onto c. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func (c *Config) LoadFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	if err := yaml.UnmarshalStrict(buf, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// Validate the combined configuration.
func (c *Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return errors.Wrap(err, "invalid proxy config")
	}
	if err := c.Cassandra.Validate(); err != nil {
		return errors.Wrap(err, "invalid cassandra config")
	}
	return nil
}
