package orchestrator

import "github.com/kelseyhightower/envconfig"

type Config struct {
	Store struct {
		Path string `envconfig:"TUS_STORE_PATH" default:"/var/lib/tus/sessions"`
	}
	Engine struct {
		Binary     string `envconfig:"TUS_PARTCLONE_BINARY"`
		FSType     string `envconfig:"TUS_FS_TYPE" default:"ext4"`
		BufferSize int    `envconfig:"TUS_ENGINE_BUFFER_SIZE" default:"10485670"`
	}
	Progress struct {
		IntervalBytes int64 `envconfig:"TUS_PROGRESS_INTERVAL_BYTES" default:"33554432"`
	}
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
