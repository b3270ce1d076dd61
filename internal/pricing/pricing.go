package pricing

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/rtyshyk/telegram-rag/internal/metrics"
)

// Config structure for the pricing section in config/pricing.yaml
type config struct {
	Pricing struct {
		Defaults struct {
			ChatModel      string  `yaml:"chat_model"`
			EmbeddingPer1K float64 `yaml:"embedding_per_1k"`
		} `yaml:"defaults"`
		Chat map[string]struct {
			InputPer1M  float64 `yaml:"input_per_1m"`
			OutputPer1M float64 `yaml:"output_per_1m"`
		} `yaml:"chat"`
		Embedding map[string]float64 `yaml:"embedding"`
	} `yaml:"pricing"`
}

// Built-in price tables, used when no pricing.yaml is present.
const defaultYAML = `
pricing:
  defaults:
    chat_model: gpt-5
    embedding_per_1k: 0.0001
  chat:
    gpt-5:
      input_per_1m: 1.25
      output_per_1m: 10.00
    gpt-5-mini:
      input_per_1m: 0.25
      output_per_1m: 2.00
    gpt-5-nano:
      input_per_1m: 0.05
      output_per_1m: 0.40
  embedding:
    text-embedding-3-large: 0.00013
    text-embedding-3-small: 0.00002
    text-embedding-ada-002: 0.0001
`

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

// default locations inside containers / local dev
var defaultPaths = []string{
	"/app/config/pricing.yaml",
	"./config/pricing.yaml",
	"../../config/pricing.yaml", // from internal/*
}

// findUpConfig searches parent directories for config/pricing.yaml starting at CWD.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "pricing.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked loads the configuration - must be called while holding mu.Lock()
func loadLocked() {
	var cfg config
	if err := yaml.Unmarshal([]byte(defaultYAML), &cfg); err != nil {
		log.Printf("WARNING: Failed to unmarshal built-in pricing defaults: %v", err)
	}

	paths := append([]string{os.Getenv("PRICING_CONFIG_PATH")}, defaultPaths...)
	found := false
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: Failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		found = true
		log.Printf("Loaded pricing configuration from %s", p)
		break
	}
	if !found {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
					log.Printf("Loaded pricing configuration from %s", path)
				}
			}
		}
	}

	// Guard partial files so lookups always have a fallback row.
	if cfg.Pricing.Defaults.ChatModel == "" {
		cfg.Pricing.Defaults.ChatModel = "gpt-5"
	}
	if cfg.Pricing.Defaults.EmbeddingPer1K <= 0 {
		cfg.Pricing.Defaults.EmbeddingPer1K = 0.0001
	}

	loaded = &cfg
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	// Double-check after acquiring write lock
	if !initialized {
		loadLocked()
	}
	return loaded
}

// Reload forces a re-read of pricing configuration.
// Thread-safe: uses mutex to prevent race conditions.
func Reload() {
	mu.Lock()
	defer mu.Unlock()

	initialized = false
	loadLocked()
}

// ChatCostUSD returns the USD cost of a chat completion given prompt and
// completion token counts. Unknown models fall back to the default chat
// model's prices. The result is rounded to 6 decimal places.
func ChatCostUSD(model string, promptTokens, completionTokens int) float64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}

	cfg := get()
	m, ok := cfg.Pricing.Chat[model]
	if !ok {
		if model == "" {
			pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
		m, ok = cfg.Pricing.Chat[cfg.Pricing.Defaults.ChatModel]
		if !ok {
			return 0
		}
	}
	cost := (float64(promptTokens)/1_000_000.0)*m.InputPer1M +
		(float64(completionTokens)/1_000_000.0)*m.OutputPer1M
	return round6(cost)
}

// EmbeddingCostUSD returns the USD cost of embedding the given number of
// tokens with the given model. Unknown models use the default per-1k rate.
func EmbeddingCostUSD(model string, tokens int) float64 {
	if tokens < 0 {
		tokens = 0
	}

	cfg := get()
	per1k, ok := cfg.Pricing.Embedding[model]
	if !ok {
		if model == "" {
			pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
		per1k = cfg.Pricing.Defaults.EmbeddingPer1K
	}
	return round6(float64(tokens) / 1000.0 * per1k)
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
