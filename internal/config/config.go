package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/idanyas/netspeed/internal/location"
	"github.com/idanyas/netspeed/internal/server"
)

const envPrefix = "NETSPEED_"

// Duration accepts "10s" style strings or a plain number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

type Config struct {
	GeoIPURL     string `yaml:"geoip_url"`
	DirectoryURL string `yaml:"directory_url"`

	Duration       Duration `yaml:"duration"`
	RetryDuration  Duration `yaml:"retry_duration"`
	Workers        int      `yaml:"workers"`
	LatencySamples int      `yaml:"latency_samples"`

	IPv4      bool   `yaml:"ipv4"`
	IPv6      bool   `yaml:"ipv6"`
	Interface string `yaml:"interface"`
	Insecure  bool   `yaml:"insecure"`
	Proxy     string `yaml:"proxy"`

	// Schedule is a cron expression; empty runs once.
	Schedule string `yaml:"schedule"`
	JSON     bool   `yaml:"json"`
}

func Default() Config {
	return Config{
		GeoIPURL:       location.DefaultGeoIPURL,
		DirectoryURL:   server.DefaultDirectoryURL,
		Duration:       Duration(10 * time.Second),
		RetryDuration:  Duration(5 * time.Second),
		Workers:        4,
		LatencySamples: 3,
	}
}

// Load returns the defaults overlaid with the YAML file at path (if any),
// then with a .env file in envFile (if it exists), then with NETSPEED_*
// environment variables.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.GeoIPURL = os.ExpandEnv(cfg.GeoIPURL)
		cfg.DirectoryURL = os.ExpandEnv(cfg.DirectoryURL)
		cfg.Proxy = os.ExpandEnv(cfg.Proxy)
	}

	if envFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// AddFlags registers the flags that ApplyFlags reads.
func AddFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.BoolP("json", "j", false, "Output results in JSON format.")
	fs.DurationP("duration", "d", time.Duration(d.Duration), "Duration of each download and upload test.")
	fs.Duration("retry-duration", time.Duration(d.RetryDuration), "Duration of the retry after a failed transfer test.")
	fs.IntP("workers", "w", d.Workers, "Number of parallel transfers.")
	fs.BoolP("ipv4", "4", false, "Use IPv4 only connection.")
	fs.BoolP("ipv6", "6", false, "Use IPv6 only connection.")
	fs.StringP("interface", "I", "", "Network interface or source IP address to use.")
	fs.Bool("insecure", false, "Skip TLS certificate verification (UNSAFE).")
	fs.String("proxy", "", "Proxy URL (socks5://, http:// or https://).")
	fs.String("every", "", "Repeat the test on a cron schedule, e.g. \"*/30 * * * *\".")
}

// ApplyFlags overrides c with the flags explicitly set on fs. Flags left at
// their defaults do not touch values from the file or the environment.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var errs []error
	set := func(name string, apply func() error) {
		if fs.Changed(name) {
			if err := apply(); err != nil {
				errs = append(errs, fmt.Errorf("--%s: %w", name, err))
			}
		}
	}
	duration := func(name string, dst *Duration) func() error {
		return func() error {
			d, err := fs.GetDuration(name)
			*dst = Duration(d)
			return err
		}
	}

	set("json", func() (err error) { c.JSON, err = fs.GetBool("json"); return })
	set("duration", duration("duration", &c.Duration))
	set("retry-duration", duration("retry-duration", &c.RetryDuration))
	set("workers", func() (err error) { c.Workers, err = fs.GetInt("workers"); return })
	set("ipv4", func() (err error) { c.IPv4, err = fs.GetBool("ipv4"); return })
	set("ipv6", func() (err error) { c.IPv6, err = fs.GetBool("ipv6"); return })
	set("interface", func() (err error) { c.Interface, err = fs.GetString("interface"); return })
	set("insecure", func() (err error) { c.Insecure, err = fs.GetBool("insecure"); return })
	set("proxy", func() (err error) { c.Proxy, err = fs.GetString("proxy"); return })
	set("every", func() (err error) { c.Schedule, err = fs.GetString("every"); return })

	return errors.Join(errs...)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("GEOIP_URL", &c.GeoIPURL)
	str("DIRECTORY_URL", &c.DirectoryURL)
	duration("DURATION", &c.Duration)
	duration("RETRY_DURATION", &c.RetryDuration)
	integer("WORKERS", &c.Workers)
	integer("LATENCY_SAMPLES", &c.LatencySamples)
	boolean("IPV4", &c.IPv4)
	boolean("IPV6", &c.IPv6)
	str("INTERFACE", &c.Interface)
	boolean("INSECURE", &c.Insecure)
	str("PROXY", &c.Proxy)
	str("SCHEDULE", &c.Schedule)
	boolean("JSON", &c.JSON)

	return errors.Join(errs...)
}

func (c Config) Validate() error {
	if c.IPv4 && c.IPv6 {
		return errors.New("ipv4 and ipv6 cannot be used together")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be a positive number")
	}
	if c.LatencySamples <= 0 {
		return errors.New("latency samples must be a positive number")
	}
	if c.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if c.RetryDuration <= 0 {
		return errors.New("retry duration must be positive")
	}
	return nil
}
