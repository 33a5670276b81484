package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Options holds the settings shared by all zcmon commands. Every setting
// can come from the YAML file named by --config, using the flag name as
// key; flags given on the command line win.
type Options struct {
	// Config is the path of an optional YAML settings file.
	Config string

	// Daemon selects the DNS-SD binding: "zeroconf" or "dnssd".
	Daemon string

	// LogLevel is the default log level.
	LogLevel string

	// LogFormat is "console" or "json".
	LogFormat string

	// LogScopes overrides LogLevel per logger scope. File only.
	LogScopes map[string]string

	// Interface is the interface index to use; 0 means all.
	Interface uint32

	// Domain is the DNS-SD domain.
	Domain string

	// MetricsAddr serves prometheus metrics when set, e.g. ":9100".
	MetricsAddr string

	// Key is the data kind, used as DNS-SD sub-type.
	Key string

	// Transport is the data transport of publish: "multicast" or "tcp".
	Transport string

	// Group is the multicast group of publish.
	Group string

	// Host is advertised as the address to connect to.
	Host string

	// Kind selects the service type of browse and resolve.
	Kind string

	// Type overrides Kind with an explicit service type.
	Type string

	// Rate is the send or report interval.
	Rate time.Duration

	// PayloadSize pads published payloads to this many bytes.
	PayloadSize int
}

// DefaultOptions returns Options with the defaults used by zcmon.
func DefaultOptions() Options {
	return Options{
		Daemon:    "zeroconf",
		LogLevel:  "info",
		LogFormat: "console",
		Kind:      "publisher",
		Transport: "multicast",
		Group:     "239.255.42.1",
		Rate:      time.Second,
	}
}

func (o *Options) bindGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Config, "config", o.Config, "YAML settings file")
	fs.StringVar(&o.Daemon, "daemon", o.Daemon, "DNS-SD binding (zeroconf, dnssd)")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "log level (trace, debug, info, warn, error, disabled)")
	fs.StringVar(&o.LogFormat, "log-format", o.LogFormat, "log format (console, json)")
	fs.Uint32Var(&o.Interface, "interface", o.Interface, "interface index, 0 for all")
	fs.StringVar(&o.Domain, "domain", o.Domain, "DNS-SD domain (default local.)")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr, "serve prometheus metrics on this address")
}

func (o *Options) bindKeyFlag(fs *pflag.FlagSet) {
	fs.StringVar(&o.Key, "key", o.Key, "data kind, published as sub-type")
}

func (o *Options) bindTypeFlags(fs *pflag.FlagSet) {
	o.bindKeyFlag(fs)
	fs.StringVar(&o.Kind, "kind", o.Kind, "service kind (publisher, subscriber, state-emitter, state-collector, ...)")
	fs.StringVar(&o.Type, "type", o.Type, "explicit service type, overrides --kind and --key")
}

func (o *Options) bindRateFlag(fs *pflag.FlagSet, usage string) {
	fs.DurationVar(&o.Rate, "rate", o.Rate, usage)
}

// applyConfigFile reads the YAML file at path and sets every flag of fs
// that was not given on the command line. Keys naming flags the command
// does not have are ignored.
func (o *Options) applyConfigFile(fs *pflag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return o.applyConfig(fs, data)
}

func (o *Options) applyConfig(fs *pflag.FlagSet, data []byte) error {
	var settings map[string]interface{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for key, value := range settings {
		if key == "log-scopes" {
			scopes, ok := value.(map[string]interface{})
			if !ok {
				return fmt.Errorf("config: log-scopes must be a mapping")
			}
			if o.LogScopes == nil {
				o.LogScopes = make(map[string]string, len(scopes))
			}
			for scope, level := range scopes {
				o.LogScopes[scope] = fmt.Sprint(level)
			}
			continue
		}

		f := fs.Lookup(key)
		if f == nil || f.Changed {
			continue
		}
		if err := f.Value.Set(fmt.Sprint(value)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}
