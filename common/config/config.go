package config

import (
	"strconv"
	"strings"
	"time"
)

type ConfigSource interface {
	GetValue(key string) interface{}
	Name() string
}

type ConfigOption struct {
	Name         string
	Description  string
	DefaultValue interface{}
	LoadedValue  interface{}
	Manager      *ConfigManager

	// Secret options are masked when printed
	Secret bool

	ConfigSource ConfigSource
}

func (opt *ConfigOption) LoadValue() {
	newVal := opt.DefaultValue
	opt.ConfigSource = nil

	for i := len(opt.Manager.sources) - 1; i >= 0; i-- {
		source := opt.Manager.sources[i]

		v := source.GetValue(opt.Name)
		if v != nil {
			newVal = v
			opt.ConfigSource = source
			break
		}
	}

	// parse ahead of time
	if opt.DefaultValue != nil {
		if _, ok := opt.DefaultValue.(int); ok {
			newVal = interface{}(intVal(newVal))
		} else if _, ok := opt.DefaultValue.(bool); ok {
			newVal = interface{}(boolVal(newVal))
		} else if _, ok := opt.DefaultValue.(time.Duration); ok {
			newVal = interface{}(durationVal(newVal))
		} else if _, ok := opt.DefaultValue.(int64); ok {
			newVal = interface{}(int64Val(newVal))
		}
	}

	opt.LoadedValue = newVal
}

func (opt *ConfigOption) GetString() string {
	return strVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetInt() int {
	return intVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetBool() bool {
	return boolVal(opt.LoadedValue)
}

func (opt *ConfigOption) GetInt64() int64 {
	return int64Val(opt.LoadedValue)
}

func (opt *ConfigOption) GetDuration() time.Duration {
	return durationVal(opt.LoadedValue)
}

// GetIntSlice parses a comma separated list of ints, invalid entries are skipped
func (opt *ConfigOption) GetIntSlice() []int {
	var result []int
	for _, v := range strings.Split(opt.GetString(), ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		result = append(result, n)
	}

	return result
}

type ConfigManager struct {
	sources []ConfigSource
	Options map[string]*ConfigOption
}

func NewConfigManager() *ConfigManager {
	return &ConfigManager{
		Options: make(map[string]*ConfigOption),
	}
}

func (c *ConfigManager) AddSource(source ConfigSource) {
	c.sources = append(c.sources, source)
}

func (c *ConfigManager) RegisterOption(name, desc string, defaultValue interface{}) *ConfigOption {
	opt := &ConfigOption{
		Name:         name,
		Description:  desc,
		DefaultValue: defaultValue,
		Manager:      c,
	}

	c.Options[name] = opt
	return opt
}

// RegisterSecret registers an option whose value is never printed
func (c *ConfigManager) RegisterSecret(name, desc string, defaultValue interface{}) *ConfigOption {
	opt := c.RegisterOption(name, desc, defaultValue)
	opt.Secret = true
	return opt
}

func (c *ConfigManager) Load() {
	for _, v := range c.Options {
		v.LoadValue()
	}
}

func strVal(i interface{}) string {
	switch t := i.(type) {
	case string:
		return t
	case int:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case Stringer:
		return t.String()
	}

	return ""
}

type Stringer interface {
	String() string
}

func intVal(i interface{}) int {
	switch t := i.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return int(n)
	case int:
		return t
	}

	return 0
}

func int64Val(i interface{}) int64 {
	switch t := i.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case int:
		return int64(t)
	case int64:
		return t
	}

	return 0
}

// durationVal accepts go duration strings, plain numbers are milliseconds
func durationVal(i interface{}) time.Duration {
	switch t := i.(type) {
	case string:
		t = strings.TrimSpace(t)
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return time.Duration(n) * time.Millisecond
		}
		d, _ := time.ParseDuration(t)
		return d
	case int:
		return time.Duration(t) * time.Millisecond
	case time.Duration:
		return t
	}

	return 0
}

func boolVal(i interface{}) bool {
	switch t := i.(type) {
	case string:
		lower := strings.ToLower(strings.TrimSpace(t))
		if lower == "true" || lower == "yes" || lower == "on" || lower == "enabled" || lower == "1" {
			return true
		}

		return false
	case int:
		return t > 0
	case bool:
		return t
	}

	return false
}
