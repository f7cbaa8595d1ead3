package util

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "tonearm"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host     string
		HttpPort int    `yaml:"httpPort"`
		SshPort  int    `yaml:"sshPort"`
		Url      string `yaml:"url"`

		Federation struct {
			Enabled         bool     `yaml:"enabled"`
			PageSize        int      `yaml:"pageSize"`
			ActorFetchDelay int      `yaml:"actorFetchDelay"` // minutes
			AllowedHosts    []string `yaml:"allowedHosts"`
			BlockedHosts    []string `yaml:"blockedHosts"`
		} `yaml:"federation"`

		MusicDirectory string `yaml:"musicDirectory"`
	}
}

// Domain returns the hostname part of the configured canonical URL.
func (c *AppConfig) Domain() string {
	u, err := url.Parse(c.Conf.Url)
	if err != nil || u.Host == "" {
		return c.Conf.Url
	}
	return u.Host
}

// BaseURL returns the canonical base URL without a trailing slash.
func (c *AppConfig) BaseURL() string {
	return strings.TrimSuffix(c.Conf.Url, "/")
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("Config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warn("Could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("Created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	applyEnvOverrides(c)

	if c.Conf.Federation.PageSize <= 0 {
		c.Conf.Federation.PageSize = 100
	}
	if c.Conf.Federation.ActorFetchDelay <= 0 {
		c.Conf.Federation.ActorFetchDelay = 48 * 60
	}

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("TONEARM_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("TONEARM_HTTPPORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("Invalid TONEARM_HTTPPORT", "value", v)
		} else {
			c.Conf.HttpPort = p
		}
	}
	if v := os.Getenv("TONEARM_SSHPORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("Invalid TONEARM_SSHPORT", "value", v)
		} else {
			c.Conf.SshPort = p
		}
	}
	if v := os.Getenv("TONEARM_URL"); v != "" {
		c.Conf.Url = v
	}
	if v := os.Getenv("TONEARM_FEDERATION_ENABLED"); v != "" {
		c.Conf.Federation.Enabled = v == "true"
	}
	if v := os.Getenv("TONEARM_FEDERATION_PAGE_SIZE"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("Invalid TONEARM_FEDERATION_PAGE_SIZE", "value", v)
		} else {
			c.Conf.Federation.PageSize = p
		}
	}
	if v := os.Getenv("TONEARM_FEDERATION_ACTOR_FETCH_DELAY"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("Invalid TONEARM_FEDERATION_ACTOR_FETCH_DELAY", "value", v)
		} else {
			c.Conf.Federation.ActorFetchDelay = p
		}
	}
	if v := os.Getenv("TONEARM_ALLOWED_HOSTS_LIST"); v != "" {
		c.Conf.Federation.AllowedHosts = splitHostList(v)
	}
	if v := os.Getenv("TONEARM_BLOCKED_HOSTS_LIST"); v != "" {
		c.Conf.Federation.BlockedHosts = splitHostList(v)
	}
	if v := os.Getenv("TONEARM_MUSIC_DIRECTORY_PATH"); v != "" {
		c.Conf.MusicDirectory = v
	}
}

func splitHostList(raw string) []string {
	parts := strings.Split(raw, ",")
	hosts := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			hosts = append(hosts, p)
		}
	}
	return hosts
}
