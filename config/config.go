package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default values shared with the orchestrator.
const (
	DefaultReportsDir                = "ge_reports"
	DefaultPlanningMaxMessages       = 3
	DefaultInvestigationMaxMessages  = 5
	DefaultAnalysisMaxMessages       = 5
	DefaultReportingMaxMessages      = 3
	DefaultWarehouseMaxRows          = 1000
	DefaultWarehouseSampleRows       = 10
	DefaultProfileMaxRows            = 100000
	DefaultRunRequestsStream         = "dq.runs.requested"
	DefaultRunEventsStream           = "dq.runs.events"
	DefaultConsumerGroup             = "dq-workers"
	DefaultStatusTTL                 = 24 * time.Hour
	DefaultSchedulerInterval         = time.Minute
	DefaultMaxToolCallsPerTurn       = 4
	DefaultMetadataFile              = "metadata/schema.json"
	DefaultServerAddress             = ":10001"
	DefaultLLMTimeout                = 90 * time.Second
	DefaultRunTimeout                = 30 * time.Minute
	DefaultStreamMaxLen        int64 = 10000
)

// Config holds all configuration for the data quality agent system
type Config struct {
	General   GeneralConfig    `mapstructure:"general"`
	Server    ServerConfig     `mapstructure:"server"`
	LLM       LLMConfig        `mapstructure:"llm"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	Agents    AgentsConfig     `mapstructure:"agents"`
	Warehouse WarehouseConfig  `mapstructure:"warehouse"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Streams   StreamsConfig    `mapstructure:"streams"`
	Search    SearchConfig     `mapstructure:"search"`
	Report    ReportConfig     `mapstructure:"report"`
	Schedules []ScheduleConfig `mapstructure:"schedules"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug      bool          `mapstructure:"debug"`
	LogLevel   string        `mapstructure:"log_level"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// AutoMigrate applies migrations from MigrationsDir on startup.
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string  `mapstructure:"name"`
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	Temperature     float64 `mapstructure:"temperature"`
	CostPer1K       float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

// LLMRoutingConfig defines which model each agent uses
type LLMRoutingConfig struct {
	Planning      string `mapstructure:"planning"`
	Investigation string `mapstructure:"investigation"`
	Profiling     string `mapstructure:"profiling"`
	Analysis      string `mapstructure:"analysis"`
	Reporting     string `mapstructure:"reporting"`
	Fallback      string `mapstructure:"fallback"`
}

// ModelFor returns the routed model for an agent role, falling back when unset.
func (r LLMRoutingConfig) ModelFor(role string) string {
	var m string
	switch role {
	case "planning":
		m = r.Planning
	case "investigation":
		m = r.Investigation
	case "profiling":
		m = r.Profiling
	case "analysis":
		m = r.Analysis
	case "reporting":
		m = r.Reporting
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// Validate ensures at least one provider exists and every routed model is known.
func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must contain at least one provider")
	}
	known := make(map[string]struct{})
	for _, p := range c.Providers {
		for key := range p.Models {
			known[key] = struct{}{}
		}
	}
	for _, role := range []string{"planning", "investigation", "profiling", "analysis", "reporting"} {
		m := c.Routing.ModelFor(role)
		if m == "" {
			return fmt.Errorf("llm.routing.%s (or llm.routing.fallback) is required", role)
		}
		if _, ok := known[m]; !ok {
			return fmt.Errorf("llm.routing.%s references unknown model %q", role, m)
		}
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	CostTracking bool   `mapstructure:"cost_tracking"`
	PeriodicLogs bool   `mapstructure:"periodic_logs"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// AgentsConfig controls the orchestrator and the agent conversations it drives.
type AgentsConfig struct {
	ReportsDir               string        `mapstructure:"reports_dir"`
	ConsoleOutput            bool          `mapstructure:"console_output"`
	MaxConcurrentTasks       int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeout              time.Duration `mapstructure:"task_timeout"`
	MaxToolCallsPerTurn      int           `mapstructure:"max_tool_calls_per_turn"`
	PlanningMaxMessages      int           `mapstructure:"planning_max_messages"`
	InvestigationMaxMessages int           `mapstructure:"investigation_max_messages"`
	AnalysisMaxMessages      int           `mapstructure:"analysis_max_messages"`
	ReportingMaxMessages     int           `mapstructure:"reporting_max_messages"`
}

// Normalize fills unset values with the defaults.
func (a AgentsConfig) Normalize() AgentsConfig {
	a.ReportsDir = strings.TrimSpace(a.ReportsDir)
	if a.ReportsDir == "" {
		a.ReportsDir = DefaultReportsDir
	}
	if a.MaxToolCallsPerTurn <= 0 {
		a.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if a.PlanningMaxMessages <= 0 {
		a.PlanningMaxMessages = DefaultPlanningMaxMessages
	}
	if a.InvestigationMaxMessages <= 0 {
		a.InvestigationMaxMessages = DefaultInvestigationMaxMessages
	}
	if a.AnalysisMaxMessages <= 0 {
		a.AnalysisMaxMessages = DefaultAnalysisMaxMessages
	}
	if a.ReportingMaxMessages <= 0 {
		a.ReportingMaxMessages = DefaultReportingMaxMessages
	}
	return a
}

func (a AgentsConfig) Validate() error {
	if a.MaxConcurrentTasks < 0 {
		return fmt.Errorf("agents.max_concurrent_tasks cannot be negative")
	}
	if a.TaskTimeout < 0 {
		return fmt.Errorf("agents.task_timeout cannot be negative")
	}
	return nil
}

// WarehouseConfig points the query and profiling tools at the database under investigation.
type WarehouseConfig struct {
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	DBName         string        `mapstructure:"dbname"`
	Schema         string        `mapstructure:"schema"`
	SSLMode        string        `mapstructure:"sslmode"`
	MetadataFile   string        `mapstructure:"metadata_file"`
	MaxRows        int           `mapstructure:"max_rows"`
	SampleRows     int           `mapstructure:"sample_rows"`
	ProfileMaxRows int           `mapstructure:"profile_max_rows"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
}

// DSN returns the connection string for the warehouse.
func (w WarehouseConfig) DSN() string {
	if w.URL != "" {
		return w.URL
	}
	return postgresDSN(w.Host, w.Port, w.User, w.Password, w.DBName, w.SSLMode)
}

// Normalize applies defaults for unset warehouse values.
func (w WarehouseConfig) Normalize() WarehouseConfig {
	if w.MetadataFile == "" {
		w.MetadataFile = DefaultMetadataFile
	}
	if w.MaxRows <= 0 {
		w.MaxRows = DefaultWarehouseMaxRows
	}
	if w.SampleRows <= 0 {
		w.SampleRows = DefaultWarehouseSampleRows
	}
	if w.ProfileMaxRows <= 0 {
		w.ProfileMaxRows = DefaultProfileMaxRows
	}
	if w.QueryTimeout <= 0 {
		w.QueryTimeout = time.Minute
	}
	if w.Schema == "" {
		w.Schema = "public"
	}
	return w
}

func (w WarehouseConfig) Validate() error {
	if strings.TrimSpace(w.URL) != "" {
		return nil
	}
	if strings.TrimSpace(w.Host) == "" {
		return fmt.Errorf("warehouse.host required when url is not provided")
	}
	if strings.TrimSpace(w.DBName) == "" {
		return fmt.Errorf("warehouse.dbname required when url is not provided")
	}
	return nil
}

// StorageConfig contains storage configuration
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	StatusTTL time.Duration `mapstructure:"status_ttl"`
}

// Enabled reports whether a Redis host was configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings for run history
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether run history persistence was configured.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

// DSN returns the connection string for the run history database.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	return postgresDSN(p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// StreamsConfig names the Redis streams used for asynchronous runs.
type StreamsConfig struct {
	RunRequests   string `mapstructure:"run_requests"`
	RunEvents     string `mapstructure:"run_events"`
	ConsumerGroup string `mapstructure:"consumer_group"`
	ConsumerName  string `mapstructure:"consumer_name"`
	MaxLen        int64  `mapstructure:"max_len"`
}

// Normalize applies stream name defaults.
func (s StreamsConfig) Normalize() StreamsConfig {
	if s.RunRequests == "" {
		s.RunRequests = DefaultRunRequestsStream
	}
	if s.RunEvents == "" {
		s.RunEvents = DefaultRunEventsStream
	}
	if s.ConsumerGroup == "" {
		s.ConsumerGroup = DefaultConsumerGroup
	}
	if s.ConsumerName == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		s.ConsumerName = host
	}
	if s.MaxLen <= 0 {
		s.MaxLen = DefaultStreamMaxLen
	}
	return s
}

// SearchConfig controls the full-text index of finished runs.
type SearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IndexPath string `mapstructure:"index_path"` // empty keeps the index in memory
}

// ReportConfig controls post-processing of generated reports.
type ReportConfig struct {
	PDFExport   bool          `mapstructure:"pdf_export"`
	PDFTimeout  time.Duration `mapstructure:"pdf_timeout"`
	ChromeFlags []string      `mapstructure:"chrome_flags"`
}

// ScheduleConfig declares a recurring data quality goal.
type ScheduleConfig struct {
	Name string `mapstructure:"name"`
	Goal string `mapstructure:"goal"`
	Cron string `mapstructure:"cron"` // @hourly, @daily or a cron expression
}

func (s ScheduleConfig) Validate() error {
	if strings.TrimSpace(s.Goal) == "" {
		return fmt.Errorf("schedules[%s].goal is required", s.Name)
	}
	if strings.TrimSpace(s.Cron) == "" {
		return fmt.Errorf("schedules[%s].cron is required", s.Name)
	}
	return nil
}

func postgresDSN(host, port, user, pass, db, ssl string) string {
	if host == "" {
		host = "localhost"
	}
	if port == "" {
		port = "5432"
	}
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.run_timeout", DefaultRunTimeout)
	v.SetDefault("server.address", DefaultServerAddress)
	v.SetDefault("server.migrations_dir", "file://migrations")
	v.SetDefault("telemetry.service_name", "dqagent")
	v.SetDefault("agents.reports_dir", DefaultReportsDir)
	v.SetDefault("agents.console_output", false)
	v.SetDefault("agents.planning_max_messages", DefaultPlanningMaxMessages)
	v.SetDefault("agents.investigation_max_messages", DefaultInvestigationMaxMessages)
	v.SetDefault("agents.analysis_max_messages", DefaultAnalysisMaxMessages)
	v.SetDefault("agents.reporting_max_messages", DefaultReportingMaxMessages)
	v.SetDefault("agents.max_tool_calls_per_turn", DefaultMaxToolCallsPerTurn)
	v.SetDefault("warehouse.metadata_file", DefaultMetadataFile)
	v.SetDefault("warehouse.max_rows", DefaultWarehouseMaxRows)
	v.SetDefault("warehouse.sample_rows", DefaultWarehouseSampleRows)
	v.SetDefault("warehouse.profile_max_rows", DefaultProfileMaxRows)
	v.SetDefault("storage.redis.status_ttl", DefaultStatusTTL)
	v.SetDefault("streams.run_requests", DefaultRunRequestsStream)
	v.SetDefault("streams.run_events", DefaultRunEventsStream)
	v.SetDefault("streams.consumer_group", DefaultConsumerGroup)
	v.SetDefault("streams.max_len", DefaultStreamMaxLen)
	v.SetDefault("report.pdf_timeout", 2*time.Minute)
}

// Load reads the configuration from path (or the default search paths when empty),
// overlays DQAGENT_* environment variables and validates every section.
func Load(path string) (*Config, error) {
	// .env is optional; warehouse credentials usually live there
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DQAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (DQAGENT_*)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalizeAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config from file and panics on failure.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

func (c *Config) normalizeAndValidate() error {
	c.Agents = c.Agents.Normalize()
	c.Warehouse = c.Warehouse.Normalize()
	c.Streams = c.Streams.Normalize()
	if c.Storage.Redis.StatusTTL <= 0 {
		c.Storage.Redis.StatusTTL = DefaultStatusTTL
	}

	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Agents.Validate(); err != nil {
		return err
	}
	if err := c.Warehouse.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Postgres.Validate(); err != nil {
		return err
	}
	for _, s := range c.Schedules {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}
