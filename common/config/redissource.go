package config

import (
	"strings"

	"github.com/mediocregopher/radix/v3"
	"github.com/sirupsen/logrus"
)

const (
	RedisConfigHash = "shardgate_config"
	optionPrefix    = "shardgate."
)

// RedisConfigStore reads options from a redis hash, fields are option names without the
// "shardgate." prefix
type RedisConfigStore struct {
	Client radix.Client

	// Hash defaults to RedisConfigHash
	Hash string
}

func (rs *RedisConfigStore) hash() string {
	if rs.Hash != "" {
		return rs.Hash
	}
	return RedisConfigHash
}

func (rs *RedisConfigStore) GetValue(key string) interface{} {
	var v string
	mn := radix.MaybeNil{Rcv: &v}

	err := rs.Client.Do(radix.Cmd(&mn, "HGET", rs.hash(), strings.TrimPrefix(key, optionPrefix)))
	if err != nil {
		logrus.WithError(err).WithField("option", key).Error("[redis_config_source] failed retrieving value")
		return nil
	}

	if mn.Nil || v == "" {
		return nil
	}

	return v
}

// SaveValue stores value for the option key, it is picked up on the next Load
func (rs *RedisConfigStore) SaveValue(key, value string) error {
	return rs.Client.Do(radix.Cmd(nil, "HSET", rs.hash(), strings.TrimPrefix(key, optionPrefix), value))
}

// DeleteValue removes the option key from the hash
func (rs *RedisConfigStore) DeleteValue(key string) error {
	return rs.Client.Do(radix.Cmd(nil, "HDEL", rs.hash(), strings.TrimPrefix(key, optionPrefix)))
}

func (rs *RedisConfigStore) Name() string {
	return "redis"
}
