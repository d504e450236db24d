package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultPort                 = "8080"
	defaultOpenAIBaseURL        = "https://api.openai.com/v1"
	defaultBraveBaseURL         = "https://api.search.brave.com/res/v1"
	defaultQueryGeneratorModel  = "gpt-4o-mini"
	defaultReflectionModel      = "gpt-4o"
	defaultAnswerModel          = "gpt-4o"
	defaultAnalysisModel        = "gpt-4o-mini"
	defaultRunStoreURL          = "file:research-runs.db"
	defaultSubQueryTimeoutSecs  = 90
	defaultRunTimeoutSecs       = 300
	defaultLLMTimeoutSecs       = 60
	defaultSearchCacheTTLMinute = 30
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	SearchNone   = "none"
	SearchBrave  = "brave"
	SearchGoogle = "google"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	AuthRequired   bool
	GoogleClientID string
	AllowedEmails  map[string]struct{}
	JWTSecret      string

	LLMProvider          string
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	GeminiAPIKey         string
	QueryGeneratorModel  string
	ReflectionModel      string
	AnswerModel          string
	AnalysisModel        string
	LLMMaxRetries        int
	LLMTimeout           time.Duration
	LLMRequestsPerSecond float64

	NumberOfInitialQueries int
	MaxResearchLoops       int
	MaxParallelSubQueries  int
	SubQueryTimeout        time.Duration
	RunTimeout             time.Duration

	SearchProvider          string
	BraveAPIKey             string
	BraveBaseURL            string
	GoogleSearchAPIKey      string
	GoogleSearchEngineID    string
	SearchResultsPerQuery   int
	SearchRequestsPerSecond float64
	SearchCacheRedisURL     string
	SearchCacheTTL          time.Duration

	DataSourceURL       string
	DataSourceAuthToken string
	AnalysisTables      []string
	AnalysisMaxRows     int

	RunStoreURL         string
	RunStoreAuthToken   string
	ArchiveGCSBucket    string
	ArchiveLocalDir     string
	PromptTemplatesFile string

	TracingEnabled bool
	OTLPEndpoint   string
}

func (c Config) ListenAddress() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Load reads configuration from the environment and, when RESEARCH_CONFIG_FILE
// names a YAML file, from that file. Environment values win over the file.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("RESEARCH_CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", defaultPort)
	v.SetDefault("app_env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("cors_allowed_origins", "http://localhost:5173,http://localhost:4173")
	v.SetDefault("auth_required", false)
	v.SetDefault("google_client_id", "")
	v.SetDefault("allowed_emails", "")
	v.SetDefault("auth_jwt_secret", "")

	v.SetDefault("llm_provider", ProviderOpenAI)
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_api_base", defaultOpenAIBaseURL)
	v.SetDefault("gemini_api_key", "")
	v.SetDefault("query_generator_model", defaultQueryGeneratorModel)
	v.SetDefault("reflection_model", defaultReflectionModel)
	v.SetDefault("answer_model", defaultAnswerModel)
	v.SetDefault("analysis_model", defaultAnalysisModel)
	v.SetDefault("llm_max_retries", 2)
	v.SetDefault("llm_timeout_seconds", defaultLLMTimeoutSecs)
	v.SetDefault("llm_requests_per_second", 0)

	v.SetDefault("number_of_initial_queries", 3)
	v.SetDefault("max_research_loops", 2)
	v.SetDefault("max_parallel_subqueries", 4)
	v.SetDefault("subquery_timeout_seconds", defaultSubQueryTimeoutSecs)
	v.SetDefault("run_timeout_seconds", defaultRunTimeoutSecs)

	v.SetDefault("search_provider", SearchNone)
	v.SetDefault("brave_api_key", "")
	v.SetDefault("brave_base_url", defaultBraveBaseURL)
	v.SetDefault("google_search_api_key", "")
	v.SetDefault("google_search_engine_id", "")
	v.SetDefault("search_results_per_query", 5)
	v.SetDefault("search_requests_per_second", 1)
	v.SetDefault("search_cache_redis_url", "")
	v.SetDefault("search_cache_ttl_minutes", defaultSearchCacheTTLMinute)

	v.SetDefault("datasource_url", "")
	v.SetDefault("datasource_auth_token", "")
	v.SetDefault("postgresql_host", "")
	v.SetDefault("postgresql_port", 5432)
	v.SetDefault("postgresql_database", "")
	v.SetDefault("postgresql_username", "")
	v.SetDefault("postgresql_password", "")
	v.SetDefault("postgresql_sslmode", "disable")
	v.SetDefault("analysis_tables", "")
	v.SetDefault("analysis_max_rows", 500)

	v.SetDefault("run_store_url", defaultRunStoreURL)
	v.SetDefault("run_store_auth_token", "")
	v.SetDefault("archive_gcs_bucket", "")
	v.SetDefault("archive_local_dir", "")
	v.SetDefault("prompt_templates_file", "")

	v.SetDefault("tracing_enabled", false)
	v.SetDefault("otel_exporter_otlp_endpoint", "localhost:4317")
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:           trimmed(v, "port"),
		Environment:    trimmed(v, "app_env"),
		LogLevel:       strings.ToLower(trimmed(v, "log_level")),
		AllowedOrigins: listValue(v, "cors_allowed_origins"),
		AuthRequired:   v.GetBool("auth_required"),
		GoogleClientID: trimmed(v, "google_client_id"),
		AllowedEmails:  parseEmailSet(listValue(v, "allowed_emails")),
		JWTSecret:      trimmed(v, "auth_jwt_secret"),

		LLMProvider:          strings.ToLower(trimmed(v, "llm_provider")),
		OpenAIAPIKey:         trimmed(v, "openai_api_key"),
		OpenAIBaseURL:        strings.TrimRight(trimmed(v, "openai_api_base"), "/"),
		GeminiAPIKey:         trimmed(v, "gemini_api_key"),
		QueryGeneratorModel:  trimmed(v, "query_generator_model"),
		ReflectionModel:      trimmed(v, "reflection_model"),
		AnswerModel:          trimmed(v, "answer_model"),
		AnalysisModel:        trimmed(v, "analysis_model"),
		LLMMaxRetries:        v.GetInt("llm_max_retries"),
		LLMTimeout:           seconds(v, "llm_timeout_seconds"),
		LLMRequestsPerSecond: v.GetFloat64("llm_requests_per_second"),

		NumberOfInitialQueries: v.GetInt("number_of_initial_queries"),
		MaxResearchLoops:       v.GetInt("max_research_loops"),
		MaxParallelSubQueries:  v.GetInt("max_parallel_subqueries"),
		SubQueryTimeout:        seconds(v, "subquery_timeout_seconds"),
		RunTimeout:             seconds(v, "run_timeout_seconds"),

		SearchProvider:          strings.ToLower(trimmed(v, "search_provider")),
		BraveAPIKey:             trimmed(v, "brave_api_key"),
		BraveBaseURL:            strings.TrimRight(trimmed(v, "brave_base_url"), "/"),
		GoogleSearchAPIKey:      trimmed(v, "google_search_api_key"),
		GoogleSearchEngineID:    trimmed(v, "google_search_engine_id"),
		SearchResultsPerQuery:   v.GetInt("search_results_per_query"),
		SearchRequestsPerSecond: v.GetFloat64("search_requests_per_second"),
		SearchCacheRedisURL:     trimmed(v, "search_cache_redis_url"),
		SearchCacheTTL:          time.Duration(v.GetInt("search_cache_ttl_minutes")) * time.Minute,

		DataSourceURL:       trimmed(v, "datasource_url"),
		DataSourceAuthToken: trimmed(v, "datasource_auth_token"),
		AnalysisTables:      listValue(v, "analysis_tables"),
		AnalysisMaxRows:     v.GetInt("analysis_max_rows"),

		RunStoreURL:         trimmed(v, "run_store_url"),
		RunStoreAuthToken:   trimmed(v, "run_store_auth_token"),
		ArchiveGCSBucket:    trimmed(v, "archive_gcs_bucket"),
		ArchiveLocalDir:     trimmed(v, "archive_local_dir"),
		PromptTemplatesFile: trimmed(v, "prompt_templates_file"),

		TracingEnabled: v.GetBool("tracing_enabled"),
		OTLPEndpoint:   trimmed(v, "otel_exporter_otlp_endpoint"),
	}

	if cfg.DataSourceURL == "" {
		cfg.DataSourceURL = postgresURL(v)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.AllowedOrigins) == 0 {
		return errors.New("CORS_ALLOWED_ORIGINS must include at least one origin")
	}

	switch c.LLMProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return errors.New("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.LLMProvider)
	}
	if c.LLMMaxRetries < 0 {
		return errors.New("LLM_MAX_RETRIES must be >= 0")
	}

	if c.NumberOfInitialQueries < 1 {
		return errors.New("NUMBER_OF_INITIAL_QUERIES must be > 0")
	}
	if c.MaxResearchLoops < 1 {
		return errors.New("MAX_RESEARCH_LOOPS must be > 0")
	}
	if c.MaxParallelSubQueries < 1 {
		return errors.New("MAX_PARALLEL_SUBQUERIES must be > 0")
	}
	if c.SubQueryTimeout <= 0 {
		return errors.New("SUBQUERY_TIMEOUT_SECONDS must be > 0")
	}

	switch c.SearchProvider {
	case SearchNone:
	case SearchBrave:
		if c.BraveAPIKey == "" {
			return errors.New("BRAVE_API_KEY is required when SEARCH_PROVIDER=brave")
		}
	case SearchGoogle:
		if c.GoogleSearchAPIKey == "" || c.GoogleSearchEngineID == "" {
			return errors.New("GOOGLE_SEARCH_API_KEY and GOOGLE_SEARCH_ENGINE_ID are required when SEARCH_PROVIDER=google")
		}
	default:
		return fmt.Errorf("SEARCH_PROVIDER must be one of none, brave, google, got %q", c.SearchProvider)
	}

	if strings.HasPrefix(c.DataSourceURL, "libsql://") && c.DataSourceAuthToken == "" {
		return errors.New("DATASOURCE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if strings.HasPrefix(c.RunStoreURL, "libsql://") && c.RunStoreAuthToken == "" {
		return errors.New("RUN_STORE_AUTH_TOKEN is required for libsql:// URLs")
	}
	if c.AnalysisMaxRows < 1 {
		return errors.New("ANALYSIS_MAX_ROWS must be > 0")
	}

	if c.AuthRequired && c.GoogleClientID == "" && c.JWTSecret == "" {
		return errors.New("GOOGLE_CLIENT_ID or AUTH_JWT_SECRET is required when AUTH_REQUIRED=true")
	}
	return nil
}

func postgresURL(v *viper.Viper) string {
	host := trimmed(v, "postgresql_host")
	if host == "" {
		return ""
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, v.GetInt("postgresql_port")),
		Path:   "/" + trimmed(v, "postgresql_database"),
	}
	if user := trimmed(v, "postgresql_username"); user != "" {
		if password := v.GetString("postgresql_password"); password != "" {
			u.User = url.UserPassword(user, password)
		} else {
			u.User = url.User(user)
		}
	}
	query := u.Query()
	query.Set("sslmode", trimmed(v, "postgresql_sslmode"))
	u.RawQuery = query.Encode()
	return u.String()
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

// listValue accepts both comma separated strings (environment) and YAML lists.
func listValue(v *viper.Viper, key string) []string {
	switch raw := v.Get(key).(type) {
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return parseList(strings.Join(raw, ","))
	default:
		return parseList(v.GetString(key))
	}
}

func parseList(raw string) []string {
	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseEmailSet(emails []string) map[string]struct{} {
	out := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		out[strings.ToLower(email)] = struct{}{}
	}
	return out
}
