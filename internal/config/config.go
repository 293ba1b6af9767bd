// Package config loads cmux proxy configuration.
//
// Loading order: hardcoded defaults → cmux.yaml → environment variables
// (CMUX_ prefix). Flags are bound by the CLI layer on top of the loaded
// values.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/cmux-dev/cmux/internal/proxy"
)

// ConfigFileName is the default configuration file name.
const ConfigFileName = "cmux.yaml"

// Proxy is the on-disk configuration schema for the proxy binary.
type Proxy struct {
	// Listen holds one or more bind addresses.
	Listen []string `mapstructure:"listen"`
	// Apex is the root domain served by the proxy.
	Apex string `mapstructure:"apex"`
	// BackendHost is the default upstream host.
	BackendHost string `mapstructure:"backend_host"`
	// ControlPort is the port receiving CORS/CSP treatment.
	ControlPort uint16 `mapstructure:"control_port"`
	// AllowedOrigins overrides the control-port origin allow-list.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// LoopHeader overrides the loop-detection header name.
	LoopHeader string `mapstructure:"loop_header"`
	// LogsDir enables file logging when set.
	LogsDir string `mapstructure:"logs_dir"`
}

// Loader handles loading and parsing of cmux configuration.
type Loader struct {
	configDir string
	viper     *viper.Viper
}

// NewLoader creates a configuration loader rooted at the given directory.
func NewLoader(configDir string) *Loader {
	return &Loader{
		configDir: configDir,
		viper:     viper.New(),
	}
}

// Load reads cmux.yaml if present and applies environment overrides.
// A missing file is not an error; defaults are returned.
func (l *Loader) Load() (*Proxy, error) {
	v := l.viper
	v.SetConfigName(strings.TrimSuffix(ConfigFileName, ".yaml"))
	v.SetConfigType("yaml")
	v.AddConfigPath(l.configDir)

	v.SetEnvPrefix("CMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
		}
	}

	var cfg Proxy
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return nil, fmt.Errorf("building config decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", []string{"0.0.0.0:8080"})
	v.SetDefault("apex", "cmux.sh")
	v.SetDefault("backend_host", "127.0.0.1")
	v.SetDefault("control_port", proxy.DefaultControlPort)
	v.SetDefault("allowed_origins", proxy.DefaultAllowedOrigins)
	v.SetDefault("loop_header", proxy.DefaultLoopHeader)
	v.SetDefault("logs_dir", "")
}

// ProxyConfig converts the loaded schema into the proxy server's config.
func (p *Proxy) ProxyConfig() proxy.Config {
	return proxy.Config{
		BindAddrs:      p.Listen,
		Apex:           p.Apex,
		BackendHost:    p.BackendHost,
		ControlPort:    p.ControlPort,
		AllowedOrigins: p.AllowedOrigins,
		LoopHeader:     p.LoopHeader,
	}
}
