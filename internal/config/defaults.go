package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Anthropic: AnthropicConfig{
			APIBase:            "https://api.anthropic.com",
			Model:              "claude-3-opus-20240229",
			MaxTokens:          1000,
			TimeoutSeconds:     120,
			RateLimitPerMinute: 30,
			RateLimitBurst:     5,
		},
		Context: ContextConfig{
			RecencyThreshold:    3,
			MaxContextMessages:  10,
			MaxRelevantMessages: 5,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DBPath:  "~/.claudechat/conversations.db",
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "claudechat",
			},
		},
		Attachments: AttachmentsConfig{
			Backend:      "filesystem",
			StoragePath:  "~/.claudechat/attachments",
			MaxSizeBytes: 10 << 20,
			MinIO: MinIOConfig{
				Endpoint: "127.0.0.1:9000",
				Bucket:   "claudechat-attachments",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8787,
			Path: "/ws",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
