// Package weather answers location questions against Open-Meteo: current
// conditions, daily forecasts, air quality and place-name geocoding.
package weather

import (
	"context"
	"reflect"
	"strings"

	"github.com/effective-security/toolbelt/cache"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
)

// ToolName is the registry name.
const ToolName = "weather"

const (
	defaultForecastDays = 7
	maxForecastDays     = 16
	maxGeocodeResults   = 10
)

// Tool is the weather handler.
type Tool struct {
	client  *client
	specDir string
}

// New builds the handler with an in-memory response cache.
func New() *Tool {
	return &Tool{
		client:  newClient(httpx.New(), cache.NewMemoryCache()),
		specDir: "tool_specs",
	}
}

// WithCache replaces the response cache.
func (t *Tool) WithCache(c cache.Cache) *Tool {
	t.client.cache = c
	return t
}

// WithHTTPClient replaces the remote client, for tests.
func (t *Tool) WithHTTPClient(c *httpx.Client) *Tool {
	t.client.http = c
	return t
}

// WithBaseURLs overrides the three Open-Meteo endpoints, for tests. Empty
// strings keep the defaults.
func (t *Tool) WithBaseURLs(forecast, geocoding, airQuality string) *Tool {
	if forecast != "" {
		t.client.forecastBase = forecast
	}
	if geocoding != "" {
		t.client.geocodingBase = geocoding
	}
	if airQuality != "" {
		t.client.airQualityBase = airQuality
	}
	return t
}

// WithSpecDir overrides the manifest directory.
func (t *Tool) WithSpecDir(dir string) *Tool {
	t.specDir = dir
	return t
}

func (t *Tool) Spec() *manifest.ToolSpec {
	return manifest.LoadOrFallback(t.specDir, ToolName, fallbackSpec())
}

func (t *Tool) Operations() []string {
	return []string{"current", "forecast", "air_quality", "geocode"}
}

func (t *Tool) DefaultOperation() string { return "current" }

func (t *Tool) OutputCaps(op string) governor.Caps {
	switch op {
	case "geocode":
		return governor.DefaultCaps("locations")
	case "forecast":
		return governor.DefaultCaps("days")
	}
	return governor.DefaultCaps("")
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	switch op {
	case "geocode":
		return t.geocode(ctx, params)
	case "current":
		return t.current(ctx, params)
	case "forecast":
		return t.forecast(ctx, params)
	case "air_quality":
		return t.airQuality(ctx, params)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

func (t *Tool) geocode(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	query := strings.TrimSpace(params.String("location"))
	if query == "" {
		return nil, envelope.Validation("location is required")
	}
	count := params.IntOr("count", 5)
	if count < 1 || count > maxGeocodeResults {
		return nil, envelope.Validation("count must be between 1 and %d, got %d", maxGeocodeResults, count)
	}

	locations, err := t.client.geocode(ctx, query, count)
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(locations))
	for _, loc := range locations {
		items = append(items, locationPayload(loc))
	}
	return map[string]any{
		"query":          query,
		"locations":      items,
		"returned_count": len(items),
	}, nil
}

func (t *Tool) current(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	loc, err := t.resolveLocation(ctx, params)
	if err != nil {
		return nil, err
	}

	res, err := t.client.current(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		return nil, err
	}

	cur := res.Get("current")
	code := cur.Get("weather_code").Int()
	return map[string]any{
		"location": locationPayload(loc),
		"observed": cur.Get("time").String(),
		"current": map[string]any{
			"temperature_c":      cur.Get("temperature_2m").Float(),
			"feels_like_c":       cur.Get("apparent_temperature").Float(),
			"humidity_percent":   cur.Get("relative_humidity_2m").Float(),
			"precipitation_mm":   cur.Get("precipitation").Float(),
			"wind_speed_kmh":     cur.Get("wind_speed_10m").Float(),
			"wind_direction_deg": cur.Get("wind_direction_10m").Float(),
			"weather_code":       code,
			"conditions":         conditions(code),
		},
	}, nil
}

func (t *Tool) forecast(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	loc, err := t.resolveLocation(ctx, params)
	if err != nil {
		return nil, err
	}
	days := params.IntOr("days", defaultForecastDays)
	if days < 1 || days > maxForecastDays {
		return nil, envelope.Validation("days must be between 1 and %d, got %d", maxForecastDays, days)
	}

	res, err := t.client.forecast(ctx, loc.Latitude, loc.Longitude, days)
	if err != nil {
		return nil, err
	}

	// Open-Meteo returns column arrays; zip them into one entry per day.
	daily := res.Get("daily")
	dates := daily.Get("time").Array()
	items := make([]any, 0, len(dates))
	for i, date := range dates {
		code := daily.Get("weather_code").Array()[i].Int()
		items = append(items, map[string]any{
			"date":                     date.String(),
			"weather_code":             code,
			"conditions":               conditions(code),
			"temperature_max_c":        daily.Get("temperature_2m_max").Array()[i].Float(),
			"temperature_min_c":        daily.Get("temperature_2m_min").Array()[i].Float(),
			"precipitation_mm":         daily.Get("precipitation_sum").Array()[i].Float(),
			"precipitation_chance_pct": daily.Get("precipitation_probability_max").Array()[i].Float(),
			"wind_speed_max_kmh":       daily.Get("wind_speed_10m_max").Array()[i].Float(),
		})
	}
	return map[string]any{
		"location":       locationPayload(loc),
		"days":           items,
		"returned_count": len(items),
	}, nil
}

func (t *Tool) airQuality(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	loc, err := t.resolveLocation(ctx, params)
	if err != nil {
		return nil, err
	}

	res, err := t.client.airQuality(ctx, loc.Latitude, loc.Longitude)
	if err != nil {
		return nil, err
	}

	cur := res.Get("current")
	eaqi := cur.Get("european_aqi").Int()
	return map[string]any{
		"location": locationPayload(loc),
		"observed": cur.Get("time").String(),
		"air_quality": map[string]any{
			"european_aqi":     eaqi,
			"us_aqi":           cur.Get("us_aqi").Int(),
			"pm2_5":            cur.Get("pm2_5").Float(),
			"pm10":             cur.Get("pm10").Float(),
			"ozone":            cur.Get("ozone").Float(),
			"nitrogen_dioxide": cur.Get("nitrogen_dioxide").Float(),
			"rating":           aqiRating(eaqi),
		},
	}, nil
}

// resolveLocation accepts explicit coordinates, or geocodes a place name and
// takes the best hit.
func (t *Tool) resolveLocation(ctx context.Context, params dispatch.Params) (Location, error) {
	if params.Has("latitude") || params.Has("longitude") {
		lat, okLat := params.Float("latitude")
		lon, okLon := params.Float("longitude")
		if !okLat || !okLon {
			return Location{}, envelope.Validation("latitude and longitude must both be numbers")
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return Location{}, envelope.Validation("coordinates out of range: latitude %g, longitude %g", lat, lon)
		}
		return Location{Name: "coordinates", Latitude: lat, Longitude: lon}, nil
	}

	name := strings.TrimSpace(params.String("location"))
	if name == "" {
		return Location{}, envelope.Validation("provide a location name, or latitude and longitude")
	}
	hits, err := t.client.geocode(ctx, name, 1)
	if err != nil {
		return Location{}, err
	}
	if len(hits) == 0 {
		return Location{}, envelope.NotFound("no place named %q was found", name).
			WithHint("try a larger nearby city or explicit coordinates")
	}
	return hits[0], nil
}

func locationPayload(loc Location) map[string]any {
	out := map[string]any{
		"name":      loc.Name,
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
	}
	if loc.Country != "" {
		out["country"] = loc.Country
	}
	if loc.Admin1 != "" {
		out["region"] = loc.Admin1
	}
	if loc.Timezone != "" {
		out["timezone"] = loc.Timezone
	}
	if loc.Population > 0 {
		out["population"] = loc.Population
	}
	return out
}

type weatherParams struct {
	Operation string  `json:"operation" jsonschema:"required,enum=current,enum=forecast,enum=air_quality,enum=geocode"`
	Location  string  `json:"location,omitempty" jsonschema:"description=Place name resolved through geocoding."`
	Latitude  float64 `json:"latitude,omitempty" jsonschema:"minimum=-90,maximum=90"`
	Longitude float64 `json:"longitude,omitempty" jsonschema:"minimum=-180,maximum=180"`
	Days      int     `json:"days,omitempty" jsonschema:"minimum=1,maximum=16"`
	Count     int     `json:"count,omitempty" jsonschema:"minimum=1,maximum=10"`
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "Weather",
		Description: "Current conditions, forecasts and air quality from Open-Meteo.",
		Parameters:  manifest.FromType(reflect.TypeOf(weatherParams{})),
	}
}
