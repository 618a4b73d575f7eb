package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// wttrResponse is the subset of wttr.in's JSON format this tool uses.
type wttrResponse struct {
	CurrentCondition []struct {
		TempC       string `json:"temp_C"`
		Humidity    string `json:"humidity"`
		WeatherDesc []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

// RegisterWeatherTool registers a get_weather function backed by a
// real external HTTP call (wttr.in's free JSON endpoint), grounded in
// the teacher's GetWeather/weather_api.go pattern.
func RegisterWeatherTool(src *LocalSource, httpClient *http.Client) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}

	src.RegisterTool(
		"get_weather",
		"Get the current weather for a named city.",
		mustSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "city name, e.g. 'Tokyo'",
				},
			},
			"required": []string{"city"},
		}),
		func(ctx context.Context, args json.RawMessage) (Result, error) {
			var parsed struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal(args, &parsed); err != nil || parsed.City == "" {
				return Result{Action: ActionError, Text: "missing required argument: city"}, nil
			}

			text, err := fetchWeather(ctx, httpClient, parsed.City)
			if err != nil {
				return Result{Action: ActionError, Text: err.Error()}, nil
			}
			return Result{Action: ActionReqLLM, Text: text}, nil
		},
	)
}

func fetchWeather(ctx context.Context, client *http.Client, city string) (string, error) {
	url := fmt.Sprintf("https://wttr.in/%s?format=j1", city)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("weather: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather: upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("weather: read body: %w", err)
	}

	var parsed wttrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("weather: parse response: %w", err)
	}
	if len(parsed.CurrentCondition) == 0 {
		return "", fmt.Errorf("weather: no current condition for %q", city)
	}

	cur := parsed.CurrentCondition[0]
	desc := ""
	if len(cur.WeatherDesc) > 0 {
		desc = cur.WeatherDesc[0].Value
	}
	return fmt.Sprintf("%s: %sC, humidity %s%%, %s", city, cur.TempC, cur.Humidity, desc), nil
}
