package config

// MapSource serves values from a map, used for command line overrides
type MapSource map[string]string

func (m MapSource) GetValue(key string) interface{} {
	v, ok := m[key]
	if !ok || v == "" {
		return nil
	}
	return v
}

func (m MapSource) Name() string {
	return "flags"
}
