package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFlags(opts *Options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.bindGlobalFlags(fs)
	opts.bindTypeFlags(fs)
	opts.bindRateFlag(fs, "rate")
	return fs
}

func TestApplyConfig(t *testing.T) {
	opts := DefaultOptions()
	fs := newTestFlags(&opts)
	if err := fs.Parse([]string{"--log-level", "debug"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	config := `
log-level: error
log-format: json
daemon: dnssd
interface: 3
rate: 250ms
key: Radar
unknown-setting: 1
log-scopes:
  pubsub-state-emitter: trace
`
	if err := opts.applyConfig(fs, []byte(config)); err != nil {
		t.Fatalf("applyConfig() error = %v", err)
	}

	assert.Equal(t, "debug", opts.LogLevel, "command line wins over the file")
	assert.Equal(t, "json", opts.LogFormat)
	assert.Equal(t, "dnssd", opts.Daemon)
	assert.Equal(t, uint32(3), opts.Interface)
	assert.Equal(t, 250*time.Millisecond, opts.Rate)
	assert.Equal(t, "Radar", opts.Key)
	assert.Equal(t, map[string]string{"pubsub-state-emitter": "trace"}, opts.LogScopes)
}

func TestApplyConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"not yaml", "log-level: [unclosed"},
		{"bad value", "interface: eth0"},
		{"bad scopes", "log-scopes: trace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			fs := newTestFlags(&opts)
			if err := opts.applyConfig(fs, []byte(tt.config)); err == nil {
				t.Error("applyConfig() error = nil")
			}
		})
	}
}

func TestServiceType(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
		err  bool
	}{
		{"kind only", Options{Kind: "publisher"}, "_scPub._tcp", false},
		{"kind and key", Options{Kind: "publisher", Key: "Radar"}, "_scPub._tcp,_Radar", false},
		{"collector", Options{Kind: "state-collector"}, "_scStateCollector._udp", false},
		{"explicit type", Options{Kind: "bogus", Type: "_http._tcp"}, "_http._tcp", false},
		{"unknown kind", Options{Kind: "bogus"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &app{opts: tt.opts}
			got, err := a.serviceType()
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEmitArgs(t *testing.T) {
	name, values, err := parseEmitArgs([]string{"radar1", "rpm=24", "mode=scan"})
	require.NoError(t, err)
	assert.Equal(t, "radar1", name)
	assert.Equal(t, map[string]string{"rpm": "24", "mode": "scan"}, values)

	name, values, err = parseEmitArgs([]string{"rpm=24"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(name, "emitter-"), name)
	assert.Len(t, values, 1)

	_, _, err = parseEmitArgs([]string{"radar1", "=24"})
	assert.Error(t, err)
}

func TestDefaultName(t *testing.T) {
	a, b := defaultName("publisher"), defaultName("publisher")
	assert.NotEqual(t, a, b)
	assert.Len(t, a, len("publisher-")+8)
}
