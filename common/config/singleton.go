package config

// Singleton holds the options registered at package init by the binaries
var Singleton = NewConfigManager()

func AddSource(source ConfigSource) {
	Singleton.AddSource(source)
}

func RegisterOption(name, desc string, defaultValue interface{}) *ConfigOption {
	return Singleton.RegisterOption(name, desc, defaultValue)
}

func RegisterSecret(name, desc string, defaultValue interface{}) *ConfigOption {
	return Singleton.RegisterSecret(name, desc, defaultValue)
}

// Lookup returns a registered option, nil if there is none by that name
func Lookup(name string) *ConfigOption {
	return Singleton.Options[name]
}

func Load() {
	Singleton.Load()
}
