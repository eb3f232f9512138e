package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "freightline.yml"

// Config models freightline.yml.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Store struct {
		Backend   string        `yaml:"backend"`
		Workspace string        `yaml:"workspace"`
		Retention time.Duration `yaml:"retention"`
		MaxEvents int           `yaml:"max_events"`
	} `yaml:"store"`
	Engine struct {
		MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
		PollInterval       time.Duration `yaml:"poll_interval"`
		PruneInterval      time.Duration `yaml:"prune_interval"`
	} `yaml:"engine"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Planner   PlannerConfig   `yaml:"planner"`
	Sources   struct {
		Knowledge  []SourceConfig `yaml:"knowledge"`
		Disruption []SourceConfig `yaml:"disruption"`
	} `yaml:"sources"`
	Catalog struct {
		Regions map[string][]LocationConfig `yaml:"regions"`
	} `yaml:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Auth     struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

type OptimizerConfig struct {
	CostWeight         float64 `yaml:"cost_weight"`
	RiskWeight         float64 `yaml:"risk_weight"`
	TimeWeight         float64 `yaml:"time_weight"`
	MaxRecommendations int     `yaml:"max_recommendations"`
	Tolerance          float64 `yaml:"tolerance"`
}

type PlannerConfig struct {
	UnitCosts          map[string]float64 `yaml:"unit_costs"`
	DurationFactors    map[string]float64 `yaml:"duration_factors"`
	MaxLandKM          float64            `yaml:"max_land_km"`
	TransitThresholdKM float64            `yaml:"transit_threshold_km"`
	LongHaulKM         float64            `yaml:"long_haul_km"`
}

type SourceConfig struct {
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"`
	URL          string        `yaml:"url"`
	DSN          string        `yaml:"dsn"`
	EmbeddingURL string        `yaml:"embedding_url"`
	Table        string        `yaml:"table"`
	Limit        int           `yaml:"limit"`
	Timeout      time.Duration `yaml:"timeout"`
}

type LocationConfig struct {
	ID       string  `yaml:"id"`
	Name     string  `yaml:"name"`
	City     string  `yaml:"city"`
	Lat      float64 `yaml:"lat"`
	Lng      float64 `yaml:"lng"`
	Type     string  `yaml:"type"`
	Capacity *int    `yaml:"capacity"`
	Status   string  `yaml:"status"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

var (
	storeBackends = map[string]bool{"memory": true, "sqlite": true}
	sourceKinds   = map[string]bool{"static": true, "pgvector": true, "http": true}
	locationTypes = map[string]bool{"warehouse": true, "port": true, "airport": true}
	modes         = []string{"air", "sea", "land"}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !storeBackends[c.Store.Backend] {
		return fmt.Errorf("config.store.backend must be memory or sqlite, got %q", c.Store.Backend)
	}
	if c.Store.Retention < 0 {
		return fmt.Errorf("config.store.retention must not be negative")
	}
	if c.Store.MaxEvents < 0 {
		return fmt.Errorf("config.store.max_events must not be negative")
	}
	if c.Engine.MaxConcurrentTasks < 0 {
		return fmt.Errorf("config.engine.max_concurrent_tasks must not be negative")
	}
	if c.Engine.PollInterval <= 0 {
		return fmt.Errorf("config.engine.poll_interval must be positive")
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	for _, mode := range modes {
		if c.Planner.UnitCosts[mode] <= 0 {
			return fmt.Errorf("config.planner.unit_costs.%s must be positive", mode)
		}
		if c.Planner.DurationFactors[mode] <= 0 {
			return fmt.Errorf("config.planner.duration_factors.%s must be positive", mode)
		}
	}
	if c.Planner.MaxLandKM < 0 || c.Planner.TransitThresholdKM < 0 || c.Planner.LongHaulKM < 0 {
		return fmt.Errorf("config.planner distances must not be negative")
	}
	names := map[string]bool{}
	for _, group := range [][]SourceConfig{c.Sources.Knowledge, c.Sources.Disruption} {
		for _, src := range group {
			if src.Name == "" {
				return fmt.Errorf("config.sources entry is missing a name")
			}
			if names[src.Name] {
				return fmt.Errorf("config.sources name %s is duplicated", src.Name)
			}
			names[src.Name] = true
			if !sourceKinds[src.Kind] {
				return fmt.Errorf("source %s has unknown kind %q", src.Name, src.Kind)
			}
			if src.Kind == "http" && src.URL == "" {
				return fmt.Errorf("source %s requires url", src.Name)
			}
			if src.Kind == "pgvector" && (src.DSN == "" || src.EmbeddingURL == "") {
				return fmt.Errorf("source %s requires dsn and embedding_url", src.Name)
			}
		}
	}
	for _, src := range c.Sources.Knowledge {
		if src.Kind == "http" {
			return fmt.Errorf("source %s: http is a disruption source only", src.Name)
		}
	}
	for _, src := range c.Sources.Disruption {
		if src.Kind == "pgvector" {
			return fmt.Errorf("source %s: pgvector is a knowledge source only", src.Name)
		}
	}
	if len(c.Catalog.Regions) == 0 {
		return fmt.Errorf("config.catalog.regions is required")
	}
	ids := map[string]bool{}
	for region, locs := range c.Catalog.Regions {
		if region == "" {
			return fmt.Errorf("config.catalog.regions contains empty region")
		}
		for _, loc := range locs {
			if loc.ID == "" {
				return fmt.Errorf("region %s has a location without id", region)
			}
			if ids[loc.ID] {
				return fmt.Errorf("location %s is duplicated", loc.ID)
			}
			ids[loc.ID] = true
			if !locationTypes[loc.Type] {
				return fmt.Errorf("location %s has unknown type %q", loc.ID, loc.Type)
			}
			if loc.Capacity != nil && *loc.Capacity < 0 {
				return fmt.Errorf("location %s capacity must not be negative", loc.ID)
			}
			if math.Abs(loc.Lat) > 90 || math.Abs(loc.Lng) > 180 {
				return fmt.Errorf("location %s has invalid coordinates", loc.ID)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
	}
	return nil
}

func (o OptimizerConfig) Validate() error {
	if o.CostWeight < 0 || o.RiskWeight < 0 || o.TimeWeight < 0 {
		return fmt.Errorf("config.optimizer weights must not be negative")
	}
	if o.CostWeight+o.RiskWeight+o.TimeWeight == 0 {
		return fmt.Errorf("config.optimizer weights must not all be zero")
	}
	if o.MaxRecommendations < 1 {
		return fmt.Errorf("config.optimizer.max_recommendations must be at least 1")
	}
	if o.Tolerance < 0 {
		return fmt.Errorf("config.optimizer.tolerance must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the default Config with the seeded catalog and sources.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the file does not exist.
func LoadOptional(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the effective config.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const defaultTemplate = `log:
  level: info

server:
  addr: 127.0.0.1:8080
  base_path: /v1

store:
  backend: memory
  workspace: .
  retention: 0s
  max_events: 10000

engine:
  max_concurrent_tasks: 8
  poll_interval: 200ms
  prune_interval: 1m

optimizer:
  cost_weight: 0.4
  risk_weight: 0.4
  time_weight: 0.2
  max_recommendations: 2
  tolerance: 0.05

planner:
  unit_costs: {air: 2.5, land: 1.0, sea: 0.5}
  duration_factors: {air: 0.1, land: 0.5, sea: 1.0}
  max_land_km: 1500
  transit_threshold_km: 2000
  long_haul_km: 5000

sources:
  knowledge:
    - {name: knowledge-base, kind: static, timeout: 5s}
  disruption:
    - {name: news, kind: static, timeout: 5s}

catalog:
  regions:
    APAC:
      - {id: WH001, name: Singapore Hub, city: Singapore, lat: 1.3521, lng: 103.8198, type: warehouse, capacity: 10000, status: operational}
      - {id: WH002, name: Shanghai Center, city: Shanghai, lat: 31.2304, lng: 121.4737, type: warehouse, capacity: 15000, status: operational}
      - {id: WH005, name: Tokyo Distribution, city: Tokyo, lat: 35.6762, lng: 139.6503, type: warehouse, capacity: 9000, status: operational}
      - {id: PORT001, name: Port of Singapore, city: Singapore, lat: 1.2659, lng: 103.8072, type: port, status: operational}
      - {id: PORT002, name: Port of Shanghai, city: Shanghai, lat: 31.3056, lng: 121.6489, type: port, status: operational}
      - {id: AIR001, name: Changi Airport, city: Singapore, lat: 1.3644, lng: 103.9915, type: airport, status: operational}
      - {id: AIR002, name: Pudong Airport, city: Shanghai, lat: 31.1443, lng: 121.8083, type: airport, status: operational}
      - {id: AIR005, name: Narita Airport, city: Tokyo, lat: 35.7720, lng: 140.3929, type: airport, status: operational}
    AMER:
      - {id: WH003, name: Austin Facility, city: Austin, lat: 30.2672, lng: -97.7431, type: warehouse, capacity: 8000, status: operational}
      - {id: PORT003, name: Port of Long Beach, city: Los Angeles, lat: 33.7701, lng: -118.2437, type: port, status: operational}
      - {id: AIR003, name: LAX, city: Los Angeles, lat: 33.9425, lng: -118.4081, type: airport, status: operational}
    EMEA:
      - {id: WH004, name: Dublin Hub, city: Dublin, lat: 53.3498, lng: -6.2603, type: warehouse, capacity: 12000, status: operational}
      - {id: WH006, name: Tel Aviv Warehouse, city: Tel Aviv, lat: 32.0853, lng: 34.7818, type: warehouse, capacity: 7000, status: operational}
      - {id: PORT004, name: Port of Rotterdam, city: Rotterdam, lat: 51.9225, lng: 4.47917, type: port, status: operational}
      - {id: PORT005, name: Port of Dubai, city: Dubai, lat: 25.2769, lng: 55.3264, type: port, status: operational}
      - {id: PORT006, name: Port of Haifa, city: Haifa, lat: 32.8191, lng: 34.9983, type: port, status: operational}
      - {id: AIR004, name: Heathrow Airport, city: London, lat: 51.4700, lng: -0.4543, type: airport, status: operational}
      - {id: AIR006, name: Ben Gurion Airport, city: Tel Aviv, lat: 32.0114, lng: 34.8867, type: airport, status: operational}
      - {id: AIR007, name: Ramon Airport, city: Eilat, lat: 29.7281, lng: 35.0128, type: airport, status: operational}

webhooks: []

auth:
  jwt_secret: ""
`
