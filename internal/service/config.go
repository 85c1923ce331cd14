package service

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/rcssrunner/runner/internal/model"
)

// EnvPrefix of the variables overriding the configuration file, a key
// amqp.url is read from RUNNER_AMQP_URL.
const EnvPrefix = "RUNNER"

var envKeys = []struct {
	key string
	set func(*model.Config, *viper.Viper, string)
}{
	{"runner.data_dir", func(c *model.Config, v *viper.Viper, k string) { c.Runner.DataDir = v.GetString(k) }},
	{"runner.server_binary", func(c *model.Config, v *viper.Viper, k string) { c.Runner.ServerBinary = v.GetString(k) }},
	{"runner.base_port", func(c *model.Config, v *viper.Viper, k string) { c.Runner.BasePort = v.GetInt(k) }},
	{"runner.max_games", func(c *model.Config, v *viper.Viper, k string) { c.Runner.MaxGames = v.GetInt(k) }},
	{"runner.verbose", func(c *model.Config, v *viper.Viper, k string) { c.Runner.Verbose = v.GetBool(k) }},
	{"amqp.url", func(c *model.Config, v *viper.Viper, k string) { c.AMQP.URL = v.GetString(k) }},
	{"amqp.queue", func(c *model.Config, v *viper.Viper, k string) { c.AMQP.Queue = v.GetString(k) }},
	{"amqp.prefetch", func(c *model.Config, v *viper.Viper, k string) { c.AMQP.Prefetch = v.GetInt(k) }},
	{"amqp.max_redeliveries", func(c *model.Config, v *viper.Viper, k string) { c.AMQP.MaxRedeliveries = v.GetInt(k) }},
	{"amqp.tolerant", func(c *model.Config, v *viper.Viper, k string) { c.AMQP.Tolerant = v.GetBool(k) }},
	{"storage.endpoint", func(c *model.Config, v *viper.Viper, k string) { c.Storage.Endpoint = v.GetString(k) }},
	{"storage.region", func(c *model.Config, v *viper.Viper, k string) { c.Storage.Region = v.GetString(k) }},
	{"storage.access_key", func(c *model.Config, v *viper.Viper, k string) { c.Storage.AccessKey = v.GetString(k) }},
	{"storage.secret_key", func(c *model.Config, v *viper.Viper, k string) { c.Storage.SecretKey = v.GetString(k) }},
	{"storage.buckets.base_team", func(c *model.Config, v *viper.Viper, k string) { c.Storage.Buckets.BaseTeam = v.GetString(k) }},
	{"storage.buckets.team_config", func(c *model.Config, v *viper.Viper, k string) { c.Storage.Buckets.TeamConfig = v.GetString(k) }},
	{"storage.buckets.game_log", func(c *model.Config, v *viper.Viper, k string) { c.Storage.Buckets.GameLog = v.GetString(k) }},
	{"service.listen", func(c *model.Config, v *viper.Viper, k string) { c.Service.Listen = v.GetString(k) }},
	{"service.db", func(c *model.Config, v *viper.Viper, k string) { c.Service.DB = v.GetString(k) }},
}

// ApplyEnv overrides cfg with the environment variables set for it and
// returns the names of the overridden keys.
func ApplyEnv(cfg model.Config) (model.Config, []string) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var applied []string
	for _, e := range envKeys {
		if !v.IsSet(e.key) {
			continue
		}
		e.set(&cfg, v, e.key)
		applied = append(applied, e.key)
	}
	return cfg, applied
}
