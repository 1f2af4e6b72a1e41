// Package config loads and validates tedge-agent's on-disk configuration
// (spec.md §6): a tedge.toml file of grouped tables, read with
// github.com/pelletier/go-toml/v2, plus TEDGE_* environment overrides for
// container deployments. It is the teacher's Load()-with-env-defaults
// style (internal/config/config.go in the original tree), extended to
// read a structured file instead of flat environment variables only.
package config

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// CurrentVersion is the schema generation this build writes and expects.
// Older files are migrated in place by Load (see migrate).
const CurrentVersion = "2"

// Config is the root of tedge.toml.
type Config struct {
	ConfigVersionTable struct {
		Version string `toml:"version"`
	} `toml:"config"`

	Device   DeviceConfig   `toml:"device"`
	C8y      CloudConfig    `toml:"c8y"`
	Az       CloudConfig    `toml:"az"`
	Aws      CloudConfig    `toml:"aws"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	HTTP     HTTPConfig     `toml:"http"`
	Software SoftwareConfig `toml:"software"`
	Run      RunConfig      `toml:"run"`
	Logs     PathConfig     `toml:"logs"`
	Tmp      PathConfig     `toml:"tmp"`
	Data     PathConfig     `toml:"data"`
	Firmware FirmwareConfig `toml:"firmware"`
	Service  ServiceConfig  `toml:"service"`
}

type DeviceConfig struct {
	ID       string `toml:"id"`
	CertPath string `toml:"cert_path"`
	KeyPath  string `toml:"key_path"`
	Type     string `toml:"type"`
}

// CloudConfig is shared shape for the c8y/az/aws tables. Not every field
// is meaningful for every cloud (e.g. az has no SmartREST templates), but
// a single shape keeps Load and migrate simple; unused fields stay zero.
type CloudConfig struct {
	URL           string `toml:"url"`
	RootCertPath  string `toml:"root_cert_path"`
	BridgeTopic   string `toml:"bridge_topic_prefix"`
	SmartRestTmpl string `toml:"smartrest_templates"`
}

type MQTTConfig struct {
	Bind     MQTTBindConfig   `toml:"bind"`
	Client   MQTTClientConfig `toml:"client"`
	External MQTTExternalConfig `toml:"external"`
	Topic    struct {
		Root string `toml:"root"`
	} `toml:"topic"`
}

type MQTTBindConfig struct {
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type MQTTClientConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Auth     bool   `toml:"auth"`
	CAFile   string `toml:"ca_file"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type MQTTExternalConfig struct {
	Bind     MQTTBindConfig `toml:"bind"`
	CAFile   string         `toml:"ca_path"`
	CertFile string         `toml:"cert_file"`
	KeyFile  string         `toml:"key_file"`
}

type HTTPConfig struct {
	Bind MQTTBindConfig `toml:"bind"`
}

type SoftwareConfig struct {
	Plugin struct {
		Default string `toml:"default"`
	} `toml:"plugin"`
}

type RunConfig struct {
	LockFiles bool `toml:"lock_files"`
}

type PathConfig struct {
	Path string `toml:"path"`
}

type FirmwareConfig struct {
	Child struct {
		Update struct {
			Timeout string `toml:"timeout"`
		} `toml:"update"`
	} `toml:"child"`
}

type ServiceConfig struct {
	Type string `toml:"type"`
}

// Root is the configuration directory root (usually /etc/tedge); config
// files and derived directories (operations/, mappers/, device-certs/)
// are resolved relative to it.
type Root string

// DefaultRoot is the standard configuration root. rootFromEnv returns
// TEDGE_CONFIG_DIR instead when it is set, but nothing in the agent calls
// it: cmd/tedge-agent takes the root from its -config-dir flag alone.
const DefaultRoot Root = "/etc/tedge"

func rootFromEnv() Root {
	if v := os.Getenv("TEDGE_CONFIG_DIR"); v != "" {
		return Root(v)
	}
	return DefaultRoot
}

func (r Root) join(parts ...string) string {
	return filepath.Join(append([]string{string(r)}, parts...)...)
}

func (r Root) TomlPath() string           { return r.join("tedge.toml") }
func (r Root) CertPath() string           { return r.join("device-certs", "tedge-certificate.pem") }
func (r Root) KeyPath() string            { return r.join("device-certs", "tedge-private-key.pem") }
func (r Root) OperationsDir(cloud string) string { return r.join("operations", cloud) }
func (r Root) MapperBridgeDir(profile string) string {
	if profile == "" {
		return r.join("mappers", "custom", "bridge")
	}
	return r.join("mappers", "custom."+profile, "bridge")
}
func (r Root) MapperFlowsDir(profile string) string {
	if profile == "" {
		return r.join("mappers", "custom", "flows")
	}
	return r.join("mappers", "custom."+profile, "flows")
}

// Load reads tedge.toml from root, migrates older schema generations in
// place, fills in environment-variable and default overrides, and derives
// the device id from the certificate's subject common name. A missing
// tedge.toml is not itself fatal — callers running with all-defaults
// (e.g. unit tests) get DefaultConfig(); bootstrap's validateConfig is
// what enforces the "required cloud URL" policy of spec.md §7.
func Load(root Root) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(root.TomlPath())
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnvOverrides(cfg), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", root.TomlPath(), err)
	}

	raw := map[string]any{}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", root.TomlPath(), err)
	}
	migrate(raw)

	migrated, err := toml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("config: re-marshal migrated config: %w", err)
	}
	if err := toml.Unmarshal(migrated, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", root.TomlPath(), err)
	}

	cfg = applyEnvOverrides(cfg)

	if cfg.Device.CertPath == "" {
		cfg.Device.CertPath = root.CertPath()
	}
	if cfg.Device.KeyPath == "" {
		cfg.Device.KeyPath = root.KeyPath()
	}
	if cfg.Device.ID == "" {
		if id, err := deviceIDFromCert(cfg.Device.CertPath); err == nil {
			cfg.Device.ID = id
		}
	}

	return cfg, nil
}

// DefaultConfig returns the configuration a fresh install has before any
// tedge.toml exists: MQTT bound to localhost:1883, no cloud URL set (so
// bootstrap's validateConfig will reject starting the bridge until one is
// configured).
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ConfigVersionTable.Version = CurrentVersion
	cfg.MQTT.Bind.Address = "127.0.0.1"
	cfg.MQTT.Bind.Port = 1883
	cfg.MQTT.Topic.Root = "te"
	cfg.HTTP.Bind.Address = "127.0.0.1"
	cfg.HTTP.Bind.Port = 8000
	cfg.Logs.Path = "/var/log/tedge"
	cfg.Tmp.Path = "/tmp"
	cfg.Data.Path = "/var/tedge"
	cfg.Firmware.Child.Update.Timeout = "3600s"
	return cfg
}

// migrate rewrites keys between tedge.toml schema generations in place on
// the raw decoded TOML tree, per spec.md §6 ("a migration step renames
// keys between versions, e.g. mqtt.port -> mqtt.bind.port"). It is a
// no-op once config.version == CurrentVersion.
func migrate(raw map[string]any) {
	configTable, _ := raw["config"].(map[string]any)
	var version string
	if configTable != nil {
		version, _ = configTable["version"].(string)
	}
	if version == CurrentVersion {
		return
	}

	if mqtt, ok := raw["mqtt"].(map[string]any); ok {
		if port, ok := mqtt["port"]; ok {
			bind, _ := mqtt["bind"].(map[string]any)
			if bind == nil {
				bind = map[string]any{}
			}
			if _, exists := bind["port"]; !exists {
				bind["port"] = port
			}
			mqtt["bind"] = bind
			delete(mqtt, "port")
		}
		if addr, ok := mqtt["address"]; ok {
			bind, _ := mqtt["bind"].(map[string]any)
			if bind == nil {
				bind = map[string]any{}
			}
			if _, exists := bind["address"]; !exists {
				bind["address"] = addr
			}
			mqtt["bind"] = bind
			delete(mqtt, "address")
		}
	}

	if configTable == nil {
		configTable = map[string]any{}
	}
	configTable["version"] = CurrentVersion
	raw["config"] = configTable
}

func applyEnvOverrides(cfg *Config) *Config {
	if v := os.Getenv("TEDGE_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("TEDGE_C8Y_URL"); v != "" {
		cfg.C8y.URL = v
	}
	if v := os.Getenv("TEDGE_AZ_URL"); v != "" {
		cfg.Az.URL = v
	}
	if v := os.Getenv("TEDGE_AWS_URL"); v != "" {
		cfg.Aws.URL = v
	}
	if v := os.Getenv("TEDGE_MQTT_BIND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Bind.Port = p
		}
	}
	return cfg
}

// deviceIDFromCert derives the device id from the certificate's subject
// common name, as the read-only derived value described in spec.md §6.
func deviceIDFromCert(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read cert %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "", fmt.Errorf("config: no PEM block in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("config: parse cert %s: %w", path, err)
	}
	if cert.Subject.CommonName == "" {
		return "", fmt.Errorf("config: cert %s has no common name", path)
	}
	return cert.Subject.CommonName, nil
}

// ActiveClouds returns the cloud names (c8y/az/aws) that have a non-empty
// URL configured, in the fixed order the rest of the runtime expects.
func (c *Config) ActiveClouds() []string {
	var clouds []string
	if c.C8y.URL != "" {
		clouds = append(clouds, "c8y")
	}
	if c.Az.URL != "" {
		clouds = append(clouds, "az")
	}
	if c.Aws.URL != "" {
		clouds = append(clouds, "aws")
	}
	return clouds
}
