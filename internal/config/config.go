package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type ServerConfig struct {
	GatewayURL      string   `yaml:"gateway_url"`      // Websocket endpoint delivering voice state events
	APIBaseURL      string   `yaml:"api_base_url"`     // Platform REST endpoint for channel operations
	APIToken        string   `yaml:"api_token"`
	GuildID         string   `yaml:"guild_id"`
	LobbyChannelID  string   `yaml:"lobby_channel_id"` // Joining this channel spawns a new voice channel
	CategoryID      string   `yaml:"category_id,omitempty"`
	CategoryName    string   `yaml:"category_name,omitempty"`
	NameTemplate    string   `yaml:"name_template,omitempty"`
	CommandPrefixes []string `yaml:"command_prefixes,omitempty"`
	Port            string   `yaml:"port,omitempty"` // Command API port, e.g. ":8080"
	DatabasePath    string   `yaml:"database_path,omitempty"`
	CallTimeoutSec  int      `yaml:"call_timeout_sec,omitempty"` // Per platform call, bounds the per-channel critical section
	EventWorkers    int      `yaml:"event_workers,omitempty"`
}

var Conf ServerConfig

func LoadConfig(path string) {
	f, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}
	yaml.Unmarshal(f, &Conf)

	if Conf.NameTemplate == "" {
		Conf.NameTemplate = "%s's channel"
	}

	if len(Conf.CommandPrefixes) == 0 {
		Conf.CommandPrefixes = []string{"$"}
	}

	if Conf.Port == "" {
		Conf.Port = ":8080"
	}

	if Conf.DatabasePath == "" {
		Conf.DatabasePath = "data/dvc.db"
	}

	if Conf.CategoryName == "" {
		Conf.CategoryName = "DVC Category"
	}

	if Conf.CallTimeoutSec == 0 {
		Conf.CallTimeoutSec = 10
	}

	if Conf.EventWorkers == 0 {
		Conf.EventWorkers = 8
	}
}

// SaveConfig saves the current configuration to file
func SaveConfig(path string) error {
	data, err := yaml.Marshal(&Conf)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// CallTimeout returns the configured platform call timeout as a duration.
func CallTimeout() time.Duration {
	return time.Duration(Conf.CallTimeoutSec) * time.Second
}
