package config

// Config holds everything the CLI and dev server need to run.
type Config struct {
	API     APIConfig
	Chat    ChatConfig
	Storage StorageConfig
	Server  ServerConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL  string
	Token    string
	TenantID string
}

type ChatConfig struct {
	DefaultPersona string
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL:  "http://localhost:4400",
			TenantID: "local",
		},
		Chat: ChatConfig{
			DefaultPersona: "coach",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4400,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/coach/config.json, then applies COACH_* environment
// variable overrides.
//
// Load never fails on missing values: the defaults point at the local dev
// server, and the API token is only required when the configured backend
// actually demands one.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
