package weather

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/effective-security/toolbelt/cache"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/tidwall/gjson"
)

// Open-Meteo is free for non-commercial use and needs no API key; responses
// are cached briefly so repeated identical queries stay off the wire.
const (
	defaultForecastBase   = "https://api.open-meteo.com"
	defaultGeocodingBase  = "https://geocoding-api.open-meteo.com"
	defaultAirQualityBase = "https://air-quality-api.open-meteo.com"

	weatherTTL = 10 * time.Minute
	geocodeTTL = 24 * time.Hour
)

// client wraps the three Open-Meteo endpoints behind one cached fetcher.
type client struct {
	http           *httpx.Client
	cache          cache.Cache
	forecastBase   string
	geocodingBase  string
	airQualityBase string
}

func newClient(http *httpx.Client, c cache.Cache) *client {
	return &client{
		http:           http,
		cache:          c,
		forecastBase:   defaultForecastBase,
		geocodingBase:  defaultGeocodingBase,
		airQualityBase: defaultAirQualityBase,
	}
}

// fetch returns the response body for the URL, serving from cache when fresh.
func (c *client) fetch(ctx context.Context, u string, ttl time.Duration) ([]byte, error) {
	if body, ok := c.cache.Get(ctx, u); ok {
		return body, nil
	}
	resp, err := c.http.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u})
	if err != nil {
		return nil, err
	}
	if reason := gjson.GetBytes(resp.Body, "reason"); reason.Exists() {
		return nil, envelope.New(envelope.KindRemote, "open-meteo rejected the request: %s", reason.String())
	}
	_ = c.cache.Set(ctx, u, resp.Body, ttl)
	return resp.Body, nil
}

// Location is one geocoding hit.
type Location struct {
	Name       string
	Latitude   float64
	Longitude  float64
	Country    string
	Admin1     string
	Timezone   string
	Population int64
}

func (c *client) geocode(ctx context.Context, name string, count int) ([]Location, error) {
	u := fmt.Sprintf("%s/v1/search?name=%s&count=%d&language=en&format=json",
		c.geocodingBase, url.QueryEscape(name), count)
	body, err := c.fetch(ctx, u, geocodeTTL)
	if err != nil {
		return nil, err
	}

	var locations []Location
	for _, item := range gjson.GetBytes(body, "results").Array() {
		locations = append(locations, Location{
			Name:       item.Get("name").String(),
			Latitude:   item.Get("latitude").Float(),
			Longitude:  item.Get("longitude").Float(),
			Country:    item.Get("country").String(),
			Admin1:     item.Get("admin1").String(),
			Timezone:   item.Get("timezone").String(),
			Population: item.Get("population").Int(),
		})
	}
	return locations, nil
}

func (c *client) current(ctx context.Context, lat, lon float64) (gjson.Result, error) {
	u := fmt.Sprintf("%s/v1/forecast?latitude=%g&longitude=%g&timezone=auto"+
		"&current=temperature_2m,apparent_temperature,relative_humidity_2m,weather_code,"+
		"wind_speed_10m,wind_direction_10m,precipitation",
		c.forecastBase, lat, lon)
	body, err := c.fetch(ctx, u, weatherTTL)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(body, "@this"), nil
}

func (c *client) forecast(ctx context.Context, lat, lon float64, days int) (gjson.Result, error) {
	u := fmt.Sprintf("%s/v1/forecast?latitude=%g&longitude=%g&timezone=auto&forecast_days=%d"+
		"&daily=weather_code,temperature_2m_max,temperature_2m_min,precipitation_sum,"+
		"precipitation_probability_max,wind_speed_10m_max",
		c.forecastBase, lat, lon, days)
	body, err := c.fetch(ctx, u, weatherTTL)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(body, "@this"), nil
}

func (c *client) airQuality(ctx context.Context, lat, lon float64) (gjson.Result, error) {
	u := fmt.Sprintf("%s/v1/air-quality?latitude=%g&longitude=%g&timezone=auto"+
		"&current=european_aqi,us_aqi,pm2_5,pm10,ozone,nitrogen_dioxide",
		c.airQualityBase, lat, lon)
	body, err := c.fetch(ctx, u, weatherTTL)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(body, "@this"), nil
}

// wmoConditions maps WMO weather interpretation codes to readable text.
var wmoConditions = map[int64]string{
	0:  "clear sky",
	1:  "mainly clear",
	2:  "partly cloudy",
	3:  "overcast",
	45: "fog",
	48: "depositing rime fog",
	51: "light drizzle",
	53: "moderate drizzle",
	55: "dense drizzle",
	56: "light freezing drizzle",
	57: "dense freezing drizzle",
	61: "slight rain",
	63: "moderate rain",
	65: "heavy rain",
	66: "light freezing rain",
	67: "heavy freezing rain",
	71: "slight snowfall",
	73: "moderate snowfall",
	75: "heavy snowfall",
	77: "snow grains",
	80: "slight rain showers",
	81: "moderate rain showers",
	82: "violent rain showers",
	85: "slight snow showers",
	86: "heavy snow showers",
	95: "thunderstorm",
	96: "thunderstorm with slight hail",
	99: "thunderstorm with heavy hail",
}

func conditions(code int64) string {
	if text, ok := wmoConditions[code]; ok {
		return text
	}
	return fmt.Sprintf("weather code %d", code)
}

// aqiRating buckets the European AQI the way the index defines it.
func aqiRating(eaqi int64) string {
	switch {
	case eaqi <= 20:
		return "good"
	case eaqi <= 40:
		return "fair"
	case eaqi <= 60:
		return "moderate"
	case eaqi <= 80:
		return "poor"
	case eaqi <= 100:
		return "very poor"
	default:
		return "extremely poor"
	}
}
