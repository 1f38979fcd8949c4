package config

import (
	"io/ioutil"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// EnvSource reads SHARDGATE_OPTION_NAME, or the contents of the file named by
// SHARDGATE_OPTION_NAME_FILE for secrets mounted as files
type EnvSource struct{}

// Key returns the environment variable an option is read from
func (e *EnvSource) Key(option string) string {
	return strings.ToUpper(strings.Replace(option, ".", "_", -1))
}

func (e *EnvSource) GetValue(key string) interface{} {
	envKey := e.Key(key)
	if v := os.Getenv(envKey); v != "" {
		return v
	}

	path := os.Getenv(envKey + "_FILE")
	if path == "" {
		return nil
	}

	b, err := ioutil.ReadFile(path)
	if err != nil {
		logrus.WithError(err).WithField("option", key).Error("[env_config_source] failed reading value file")
		return nil
	}

	v := strings.TrimSpace(string(b))
	if v == "" {
		return nil
	}
	return v
}

func (e *EnvSource) Name() string {
	return "env"
}
