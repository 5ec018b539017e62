package config

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCRIBO_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SCRIBO_SERVER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "llm.base_url", typ: kString, env: "SCRIBO_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "SCRIBO_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.chat_model", typ: kString, env: "SCRIBO_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.embed_model", typ: kString, env: "SCRIBO_LLM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCRIBO_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "postgres.url", typ: kString, env: "SCRIBO_POSTGRES_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Postgres.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Postgres.URL },
	},
	{
		key: "qdrant.base_url", typ: kString, env: "SCRIBO_QDRANT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.BaseURL },
	},
	{
		key: "qdrant.collection", typ: kString, env: "SCRIBO_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Collection },
	},
	{
		key: "qdrant.dimensions", typ: kInt, env: "SCRIBO_QDRANT_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Qdrant.Dimensions },
	},
	{
		key: "pipeline.top_k", typ: kInt, env: "SCRIBO_PIPELINE_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.TopK },
	},
	{
		key: "pipeline.max_concurrent_jobs", typ: kInt, env: "SCRIBO_PIPELINE_MAX_CONCURRENT_JOBS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxConcurrentJobs = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxConcurrentJobs },
	},
	{
		key: "pipeline.job_timeout", typ: kString, env: "SCRIBO_PIPELINE_JOB_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.JobTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.JobTimeout },
	},
	{
		key: "pipeline.review_enabled", typ: kBool, env: "SCRIBO_PIPELINE_REVIEW_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ReviewEnabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.ReviewEnabled },
	},
	{
		key: "pipeline.review_timeout", typ: kString, env: "SCRIBO_PIPELINE_REVIEW_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ReviewTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.ReviewTimeout },
	},
	{
		key: "log.level", typ: kString, env: "SCRIBO_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}
