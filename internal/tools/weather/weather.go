// Package weather is a small out-of-container tool provider. It doubles
// as the reference for writing providers: schema reflected from a Go
// struct, global request counting, and per-conversation bookkeeping.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	invopop "github.com/invopop/jsonschema"

	"github.com/warren-ai/warren/internal/tools"
)

const providerName = "weather"

type queryParams struct {
	City  string `json:"city" jsonschema:"required,description=City to report weather for"`
	Units string `json:"units,omitempty" jsonschema:"description=Unit system: metric or imperial,default=metric"`
}

// Provider implements tools.Provider with a single get_weather tool.
// Reports are deterministic per city so conversations are reproducible
// without a network dependency.
type Provider struct{}

// New returns the weather provider.
func New() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Declare() ([]*tools.Tool, map[string]any, map[string]any, error) {
	reflector := invopop.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema, err := json.Marshal(reflector.Reflect(&queryParams{}))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reflect weather schema: %w", err)
	}

	declared := []*tools.Tool{
		{
			ID:          "get_weather",
			Name:        "Get Weather",
			Description: "Get the current weather report for a city.",
			RawSchema:   schema,
		},
	}
	globalState := map[string]any{"request_count": float64(0)}
	template := map[string]any{"last_city": ""}
	return declared, globalState, template, nil
}

func (p *Provider) Invoke(ctx context.Context, toolID string, args map[string]any, convState, globalState map[string]any) (any, error) {
	if toolID != "get_weather" {
		return nil, fmt.Errorf("unexpected tool id %s", toolID)
	}

	city, _ := args["city"].(string)
	if strings.TrimSpace(city) == "" {
		return nil, fmt.Errorf("city must not be empty")
	}
	units, _ := args["units"].(string)
	if units == "" {
		units = "metric"
	}

	count, _ := globalState["request_count"].(float64)
	globalState["request_count"] = count + 1
	convState["last_city"] = city

	tempC, cond := report(city)
	temp := tempC
	if units == "imperial" {
		temp = tempC*9/5 + 32
	}
	return map[string]any{
		"city":  city,
		"temp":  temp,
		"cond":  cond,
		"units": units,
	}, nil
}

var conditions = []string{"sunny", "cloudy", "rainy", "windy", "foggy"}

func report(city string) (float64, string) {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(city))))
	sum := h.Sum32()
	temp := float64(int(sum%35)) - 5
	return temp, conditions[int(sum/35)%len(conditions)]
}
