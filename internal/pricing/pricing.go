// Package pricing maps model ids to token prices and computes call costs.
//
// Prices ship as a built-in table and may be overridden by the pricing
// section of config/models.yaml. Costs are rounded to 6 decimal places.
// Unknown models fall back to the default price and increment a
// pricing-fallback metric.
package pricing

import (
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	pmetrics "github.com/cosilium-ai/cosilium/internal/metrics"
)

// Price is the per-1K-token price of a model.
type Price struct {
	InPer1K  float64 `yaml:"input_per_1k"`
	OutPer1K float64 `yaml:"output_per_1k"`
}

// Default price applied to unknown models: $0.001/1K in, $0.002/1K out.
var defaultPrice = Price{InPer1K: 0.001, OutPer1K: 0.002}

// Built-in table. Overridable via config/models.yaml.
var builtin = map[string]Price{
	// OpenAI
	"gpt-4o":      {InPer1K: 0.005, OutPer1K: 0.015},
	"gpt-4o-mini": {InPer1K: 0.00015, OutPer1K: 0.0006},
	"gpt-4-turbo": {InPer1K: 0.01, OutPer1K: 0.03},

	// Anthropic
	"claude-sonnet-4-20250514": {InPer1K: 0.003, OutPer1K: 0.015},
	"claude-3-opus-20240229":   {InPer1K: 0.015, OutPer1K: 0.075},
	"claude-3-haiku-20240307":  {InPer1K: 0.00025, OutPer1K: 0.00125},

	// Google
	"gemini-2.0-flash": {InPer1K: 0.0001, OutPer1K: 0.0004},
	"gemini-1.5-pro":   {InPer1K: 0.00125, OutPer1K: 0.005},

	// DeepSeek
	"deepseek-chat":     {InPer1K: 0.00014, OutPer1K: 0.00028},
	"deepseek-reasoner": {InPer1K: 0.00055, OutPer1K: 0.00219},
}

type fileConfig struct {
	Pricing struct {
		Defaults struct {
			InputPer1K  float64 `yaml:"input_per_1k"`
			OutputPer1K float64 `yaml:"output_per_1k"`
		} `yaml:"defaults"`
		Models map[string]Price `yaml:"models"`
	} `yaml:"pricing"`
}

var (
	mu          sync.RWMutex
	overrides   map[string]Price
	fileDefault *Price
	initialized bool
)

var defaultPaths = []string{
	os.Getenv("MODELS_CONFIG_PATH"),
	"/app/config/models.yaml",
	"./config/models.yaml",
}

func configPath() (string, bool) {
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	// Search upwards from CWD so tests in package directories find the file.
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "models.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked reads overrides - must be called while holding mu.Lock().
func loadLocked() {
	overrides = nil
	fileDefault = nil
	if path, ok := configPath(); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			var cfg fileConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				log.Printf("WARNING: failed to unmarshal pricing config from %s: %v", path, err)
			} else {
				overrides = cfg.Pricing.Models
				if cfg.Pricing.Defaults.InputPer1K > 0 && cfg.Pricing.Defaults.OutputPer1K > 0 {
					fileDefault = &Price{
						InPer1K:  cfg.Pricing.Defaults.InputPer1K,
						OutPer1K: cfg.Pricing.Defaults.OutputPer1K,
					}
				}
				log.Printf("Loaded pricing configuration from %s", path)
			}
		}
	}
	initialized = true
}

func ensure() {
	mu.RLock()
	if initialized {
		mu.RUnlock()
		return
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
}

// Reload forces a re-read of the pricing override file.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	loadLocked()
}

// Watch reloads pricing whenever the override file changes. It returns a stop
// function. When no override file exists, Watch is a no-op.
func Watch() (stop func(), err error) {
	path, ok := configPath()
	if !ok {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == filepath.Base(path) &&
					ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					Reload()
				}
			case <-w.Errors:
			case <-done:
				return
			}
		}
	}()
	return func() { close(done); w.Close() }, nil
}

// Lookup returns the price for a model and whether it was found.
func Lookup(model string) (Price, bool) {
	if model == "" {
		return Price{}, false
	}
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	if p, ok := overrides[model]; ok && (p.InPer1K > 0 || p.OutPer1K > 0) {
		return p, true
	}
	if p, ok := builtin[model]; ok {
		return p, true
	}
	return Price{}, false
}

// Default returns the fallback price for unknown models.
func Default() Price {
	ensure()
	mu.RLock()
	defer mu.RUnlock()
	if fileDefault != nil {
		return *fileDefault
	}
	return defaultPrice
}

// Cost computes the USD cost of a call, rounded to 6 decimal places.
// Negative token counts are treated as zero. Unknown models use the default
// price and increment the fallback counter.
func Cost(model string, tokensIn, tokensOut int) float64 {
	if tokensIn < 0 {
		tokensIn = 0
	}
	if tokensOut < 0 {
		tokensOut = 0
	}
	p, ok := Lookup(model)
	if !ok {
		if model == "" {
			pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
		p = Default()
	}
	cost := (float64(tokensIn)/1000.0)*p.InPer1K + (float64(tokensOut)/1000.0)*p.OutPer1K
	return Round6(cost)
}

// Round6 rounds a USD amount to 6 decimal places.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
