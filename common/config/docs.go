package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/table"
)

// SortedOptions returns the registered options sorted by name
func (c *ConfigManager) SortedOptions() []*ConfigOption {
	keys := make([]string, 0, len(c.Options))
	for k := range c.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]*ConfigOption, 0, len(keys))
	for _, k := range keys {
		result = append(result, c.Options[k])
	}
	return result
}

func typeString(v interface{}) (typeStr, def string) {
	switch t := v.(type) {
	case string:
		return "string", t
	case bool:
		return "true/false", fmt.Sprint(t)
	case time.Duration:
		return "duration", t.String()
	case int, int64:
		return "number", fmt.Sprint(t)
	}

	return "", ""
}

// DocsTable renders every option with its type, default, loaded value and where it came from
func (c *ConfigManager) DocsTable(showValues bool) string {
	tb := table.NewWriter()
	header := table.Row{"option", "env", "type", "default", "description"}
	if showValues {
		header = append(header, "value", "source")
	}
	tb.AppendHeader(header)

	env := &EnvSource{}
	for _, opt := range c.SortedOptions() {
		typeStr, def := typeString(opt.DefaultValue)
		row := table.Row{opt.Name, env.Key(opt.Name), typeStr, def, opt.Description}

		if showValues {
			source := "default"
			if opt.ConfigSource != nil {
				source = opt.ConfigSource.Name()
			}
			row = append(row, displayValue(opt), source)
		}

		tb.AppendRow(row)
	}

	return tb.Render()
}

func displayValue(opt *ConfigOption) string {
	if opt.Secret && opt.GetString() != "" {
		return "********"
	}

	switch t := opt.LoadedValue.(type) {
	case time.Duration:
		return t.String()
	case nil:
		return ""
	}

	return fmt.Sprint(opt.LoadedValue)
}
