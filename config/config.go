// Package config loads the appinventory TOML configuration file
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	toml "github.com/pelletier/go-toml/v2"
)

// PathEnv overrides the configuration file path
const PathEnv = "APPINVENTORY_CONFIG"

// FileName is the configuration file's path relative to the XDG config home
const FileName = "appinventory/config.toml"

// Duration is a time.Duration stored as a string like "90s" or "15m"
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("could not parse duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Config is the appinventory configuration
type Config struct {
	Log    LogConfig    `toml:"log"`
	Device DeviceConfig `toml:"device"`
	Icons  IconConfig   `toml:"icons"`
	Server ServerConfig `toml:"server"`
	MQTT   MQTTConfig   `toml:"mqtt"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// DeviceConfig selects how devices are reached. If Address is set, devices are dialed directly with PairingFile, otherwise through usbmuxd
type DeviceConfig struct {
	Usbmux         string   `toml:"usbmux"`
	Address        string   `toml:"address"`
	PairingFile    string   `toml:"pairing_file"`
	Label          string   `toml:"label"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type IconConfig struct {
	// CacheDir holds cached icons. Empty disables the disk cache
	CacheDir string   `toml:"cache_dir"`
	MemSize  int      `toml:"mem_size"`
	MemTTL   Duration `toml:"mem_ttl"`
	MaxSize  int      `toml:"max_size"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`

	// Identity is a PKCS #12 file with the TLS certificate and key. Empty serves plain HTTP
	Identity         string            `toml:"identity"`
	IdentityPassword string            `toml:"identity_password"`
	Tokens           TokenConfig       `toml:"tokens"`
	MicroMDM         MicroMDMConfig    `toml:"micromdm"`
	Serials          map[string]string `toml:"serials"`
}

// TokenConfig configures request authentication. Type is "" (disabled), "mem", or "jwt"
type TokenConfig struct {
	Type     string   `toml:"type"`
	Key      string   `toml:"key"` // base64 HMAC key for jwt
	Issuer   string   `toml:"issuer"`
	Audience []string `toml:"audience"`
	TTL      Duration `toml:"ttl"`
}

type MicroMDMConfig struct {
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	CacheSize int    `toml:"cache_size"`
}

type MQTTConfig struct {
	Broker   string   `toml:"broker"`
	ClientID string   `toml:"client_id"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	Prefix   string   `toml:"prefix"`
	QoS      byte     `toml:"qos"`
	Interval Duration `toml:"interval"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Device: DeviceConfig{
			Label:          "appinventory",
			ConnectTimeout: Duration(5 * time.Second),
		},
		Icons: IconConfig{
			CacheDir: "${XDG_CACHE_HOME}/appinventory/icons",
			MemSize:  1000,
			MemTTL:   Duration(time.Hour),
		},
		Server: ServerConfig{
			Listen: ":8080",
			Tokens: TokenConfig{TTL: Duration(15 * time.Minute)},
			MicroMDM: MicroMDMConfig{
				CacheSize: 100,
			},
		},
		MQTT: MQTTConfig{
			Prefix:   "appinventory",
			Interval: Duration(5 * time.Minute),
		},
	}
}

// ExpandVariables expands ${XDG_CONFIG_HOME}, ${XDG_DATA_HOME}, ${XDG_STATE_HOME}, ${XDG_CACHE_HOME}, ${HOME}, and ${USER} in val.
// Other variables expand to the empty string
func ExpandVariables(val string) string {
	return os.Expand(val, func(name string) string {
		switch name {
		case "XDG_CONFIG_HOME":
			return xdg.ConfigHome
		case "XDG_DATA_HOME":
			return xdg.DataHome
		case "XDG_STATE_HOME":
			return xdg.StateHome
		case "XDG_CACHE_HOME":
			return xdg.CacheHome
		case "HOME":
			home, err := os.UserHomeDir()
			if err != nil {
				return ""
			}
			return home
		case "USER":
			u, err := user.Current()
			if err != nil {
				return os.Getenv("USER")
			}
			return u.Username
		}
		return ""
	})
}

// Path returns the configuration file path: PathEnv if it's set, otherwise FileName under the XDG config home
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, FileName)
}

// Load reads the configuration at path over the defaults. If path is empty, Path is used, and a missing file is not an error unless PathEnv named it
func Load(path string) (*Config, error) {
	explicit := path != "" || os.Getenv(PathEnv) != ""
	if path == "" {
		path = Path()
	}

	conf := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			conf.expand()
			return conf, nil
		}
		return nil, fmt.Errorf("could not read config: %w", err)
	}

	if err = toml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	if err = conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	conf.expand()

	return conf, nil
}

// Save writes conf to path, creating its directory if needed
func Save(path string, conf *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	data, err := toml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("could not encode config: %w", err)
	}

	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}
	return nil
}

func (c *Config) expand() {
	c.Device.PairingFile = ExpandVariables(c.Device.PairingFile)
	c.Icons.CacheDir = ExpandVariables(c.Icons.CacheDir)
	c.Server.Identity = ExpandVariables(c.Server.Identity)
}

// Validate checks values that can't be checked by parsing alone
func (c *Config) Validate() error {
	if c.Device.PairingFile != "" && c.Device.Address == "" {
		return errors.New("device.pairing_file requires device.address")
	}
	if c.Icons.MaxSize < 0 {
		return errors.New("icons.max_size must not be negative")
	}

	switch c.Server.Tokens.Type {
	case "", "mem":
	case "jwt":
		if _, err := c.Server.Tokens.HMACKey(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown server.tokens.type: %q", c.Server.Tokens.Type)
	}

	if c.MQTT.QoS > 2 {
		return fmt.Errorf("invalid mqtt.qos: %d", c.MQTT.QoS)
	}
	return nil
}

// HMACKey decodes the base64 jwt key
func (t *TokenConfig) HMACKey() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(t.Key)
	if err != nil {
		return nil, fmt.Errorf("could not decode server.tokens.key: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("server.tokens.key must be at least 32 bytes, got %d", len(key))
	}
	return key, nil
}
