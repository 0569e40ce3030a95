package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
guild_id: g1
lobby_channel_id: lobby-1
api_token: secret
`)

	Conf = ServerConfig{}
	LoadConfig(path)

	assert.Equal(t, "g1", Conf.GuildID)
	assert.Equal(t, "lobby-1", Conf.LobbyChannelID)
	assert.Equal(t, "%s's channel", Conf.NameTemplate)
	assert.Equal(t, []string{"$"}, Conf.CommandPrefixes)
	assert.Equal(t, ":8080", Conf.Port)
	assert.Equal(t, "data/dvc.db", Conf.DatabasePath)
	assert.Equal(t, "DVC Category", Conf.CategoryName)
	assert.Equal(t, 8, Conf.EventWorkers)
	assert.Equal(t, 10*time.Second, CallTimeout())
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
guild_id: g1
lobby_channel_id: lobby-1
name_template: "Room for %s"
command_prefixes: ["$", "!"]
port: ":9090"
call_timeout_sec: 3
event_workers: 2
`)

	Conf = ServerConfig{}
	LoadConfig(path)

	assert.Equal(t, "Room for %s", Conf.NameTemplate)
	assert.Equal(t, []string{"$", "!"}, Conf.CommandPrefixes)
	assert.Equal(t, ":9090", Conf.Port)
	assert.Equal(t, 3*time.Second, CallTimeout())
	assert.Equal(t, 2, Conf.EventWorkers)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := writeConfig(t, `
guild_id: g1
lobby_channel_id: lobby-1
`)

	Conf = ServerConfig{}
	LoadConfig(path)

	// Bootstrap persists the category id it created
	Conf.CategoryID = "cat-42"
	require.NoError(t, SaveConfig(path))

	Conf = ServerConfig{}
	LoadConfig(path)
	assert.Equal(t, "cat-42", Conf.CategoryID)
	assert.Equal(t, "g1", Conf.GuildID)
}
