package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.CORS.Origins == nil {
		cfg.Server.CORS.Origins = []string{"*"}
	}
	if cfg.Server.RateLimit.RequestsPerMinute == 0 {
		cfg.Server.RateLimit.RequestsPerMinute = 60
	}
	if cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = 10
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = 3600
	}
	if cfg.Cache.MaxModels == 0 {
		cfg.Cache.MaxModels = 5
	}
	if cfg.Cache.SweepIntervalSeconds == 0 {
		cfg.Cache.SweepIntervalSeconds = 60
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 4
	}
	if cfg.Dispatch.MaxTextLength == 0 {
		cfg.Dispatch.MaxTextLength = 8192
	}
	if cfg.Dispatch.MaxBatchSize == 0 {
		cfg.Dispatch.MaxBatchSize = 32
	}
	if cfg.Dispatch.RequestTimeoutSeconds == 0 {
		cfg.Dispatch.RequestTimeoutSeconds = 300
	}
	if cfg.Engine.Type == "" {
		cfg.Engine.Type = "onnx"
	}
	if cfg.Engine.ModelDir == "" {
		cfg.Engine.ModelDir = "/usr/local/var/embedd/models"
	}
	if cfg.Engine.Dimensions == 0 {
		cfg.Engine.Dimensions = 384
	}
	if cfg.Engine.MaxTokens == 0 {
		cfg.Engine.MaxTokens = 256
	}
	if cfg.Warmup.Concurrency == 0 {
		cfg.Warmup.Concurrency = 1
	}
}
