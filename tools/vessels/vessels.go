// Package vessels tracks ship traffic over the aisstream.io AIS feed. One
// call opens the stream, collects position reports for a bounded window,
// dedupes them by MMSI and returns the latest state per vessel.
package vessels

import (
	"context"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/governor"
	"github.com/effective-security/toolbelt/manifest"
	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/toolbelt", "vessels")

// ToolName is the registry name.
const ToolName = "vessel_tracker"

const (
	defaultWindow = 10 * time.Second
	minWindow     = 3 * time.Second
	maxWindow     = 60 * time.Second
)

// Tool is the AIS tracking handler.
type Tool struct {
	dial    Dialer
	url     string
	specDir string
}

// New builds the handler against the public aisstream.io endpoint.
func New() *Tool {
	return &Tool{
		dial:    dialStream,
		url:     DefaultStreamURL,
		specDir: "tool_specs",
	}
}

// WithDialer replaces the stream dialer, for tests.
func (t *Tool) WithDialer(dial Dialer) *Tool {
	t.dial = dial
	return t
}

// WithStreamURL overrides the endpoint.
func (t *Tool) WithStreamURL(url string) *Tool {
	t.url = url
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

func (t *Tool) Operations() []string { return []string{"track"} }

func (t *Tool) DefaultOperation() string { return "track" }

func (t *Tool) Credentials(string) []creds.Profile {
	return []creds.Profile{{
		Tool:   "AISSTREAM",
		Fields: []creds.Field{{Name: "api_key", Env: "AISSTREAM_API_KEY", Secret: true}},
	}}
}

func (t *Tool) OutputCaps(string) governor.Caps {
	return governor.DefaultCaps("vessels")
}

// Deadline leaves room for the longest collection window plus dial overhead.
func (t *Tool) Deadline(string) time.Duration {
	return maxWindow + 30*time.Second
}

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	if op != "track" {
		return nil, envelope.Validation("unknown operation %q", op)
	}
	return t.track(ctx, params)
}

func (t *Tool) track(ctx context.Context, params dispatch.Params) (map[string]any, error) {
	window := defaultWindow
	if params.Has("timeout") {
		secs, ok := params.Int("timeout")
		if !ok {
			return nil, envelope.Validation("timeout must be a number of seconds")
		}
		window = time.Duration(secs) * time.Second
		if window < minWindow || window > maxWindow {
			return nil, envelope.Validation("timeout must be between %d and %d seconds, got %d",
				int(minWindow.Seconds()), int(maxWindow.Seconds()), secs)
		}
	}

	boxes, err := boundingBoxes(params)
	if err != nil {
		return nil, err
	}
	mmsiFilter, err := mmsiFilter(params)
	if err != nil {
		return nil, err
	}

	sub := Subscription{
		APIKey:          creds.FromContext(ctx)["api_key"],
		BoundingBoxes:   boxes,
		FiltersShipMMSI: mmsiFilter,
	}
	for _, mt := range params.Strings("message_types") {
		sub.FilterMessageTypes = append(sub.FilterMessageTypes, strings.TrimSpace(mt))
	}

	stream, err := t.dial(ctx, t.url, sub)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.ContextKV(ctx, xlog.WARNING, "reason", "stream close failed", "err", err.Error())
		}
	}()

	collectCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	byMMSI := map[string]map[string]any{}
	frames := 0
	closedEarly := false
	for {
		frame, err := stream.Recv(collectCtx)
		if err != nil {
			if collectCtx.Err() != nil {
				break
			}
			if frames == 0 {
				return nil, envelope.New(envelope.KindRemote, "AIS stream failed before any message arrived").
					WithCause(err)
			}
			logger.ContextKV(ctx, xlog.WARNING, "reason", "stream closed early",
				"frames", frames, "err", err.Error())
			closedEarly = true
			break
		}
		frames++
		if v := parseFrame(frame); v != nil {
			// last report wins per vessel
			byMMSI[v["mmsi"].(string)] = v
		}
	}

	items := make([]any, 0, len(byMMSI))
	for _, v := range byMMSI {
		items = append(items, v)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].(map[string]any)["mmsi"].(string) < items[j].(map[string]any)["mmsi"].(string)
	})

	payload := map[string]any{
		"vessels":        items,
		"unique_vessels": len(items),
		"message_count":  frames,
		"window_seconds": int(window.Seconds()),
	}
	if closedEarly {
		payload["warning"] = "stream closed before the collection window elapsed; results are partial"
	}
	return payload, nil
}

// parseFrame extracts the vessel state from one AIS frame. Frames without
// metadata are skipped.
func parseFrame(frame []byte) map[string]any {
	meta := gjson.GetBytes(frame, "MetaData")
	if !meta.Exists() || !meta.Get("MMSI").Exists() {
		return nil
	}
	v := map[string]any{
		"mmsi":         strconv.FormatInt(meta.Get("MMSI").Int(), 10),
		"name":         strings.TrimSpace(meta.Get("ShipName").String()),
		"latitude":     meta.Get("latitude").Float(),
		"longitude":    meta.Get("longitude").Float(),
		"message_type": gjson.GetBytes(frame, "MessageType").String(),
		"last_update":  meta.Get("time_utc").String(),
	}
	if pos := gjson.GetBytes(frame, "Message.PositionReport"); pos.Exists() {
		v["speed_knots"] = pos.Get("Sog").Float()
		v["course"] = pos.Get("Cog").Float()
		v["heading"] = pos.Get("TrueHeading").Float()
		v["nav_status"] = pos.Get("NavigationalStatus").Int()
	}
	return v
}

// boundingBoxes converts the caller box [min_lat, min_lon, max_lat, max_lon]
// into the stream's corner-pair shape. No box subscribes to the whole world.
func boundingBoxes(params dispatch.Params) ([][][]float64, error) {
	if !params.Has("bounding_box") {
		return [][][]float64{{{-90, -180}, {90, 180}}}, nil
	}
	raw := params.List("bounding_box")
	if len(raw) != 4 {
		return nil, envelope.Validation("bounding_box needs 4 numbers [min_lat, min_lon, max_lat, max_lon], got %d", len(raw))
	}
	nums := make([]float64, 4)
	for i, item := range raw {
		f, ok := toFloat(item)
		if !ok {
			return nil, envelope.Validation("bounding_box[%d] is not a number", i)
		}
		nums[i] = f
	}
	minLat, minLon, maxLat, maxLon := nums[0], nums[1], nums[2], nums[3]
	if minLat < -90 || maxLat > 90 || minLat >= maxLat {
		return nil, envelope.Validation("latitude bounds must satisfy -90 <= min < max <= 90")
	}
	if minLon < -180 || maxLon > 180 || minLon >= maxLon {
		return nil, envelope.Validation("longitude bounds must satisfy -180 <= min < max <= 180")
	}
	return [][][]float64{{{minLat, minLon}, {maxLat, maxLon}}}, nil
}

// mmsiFilter accepts MMSI values as strings or numbers; an MMSI is 9 digits.
func mmsiFilter(params dispatch.Params) ([]string, error) {
	var out []string
	for i, item := range params.List("mmsi") {
		var s string
		switch val := item.(type) {
		case string:
			s = strings.TrimSpace(val)
		case float64:
			s = strconv.FormatInt(int64(val), 10)
		default:
			return nil, envelope.Validation("mmsi[%d] must be a string or number", i)
		}
		if len(s) != 9 {
			return nil, envelope.Validation("mmsi %q is not a 9-digit identifier", s)
		}
		if _, err := strconv.ParseUint(s, 10, 64); err != nil {
			return nil, envelope.Validation("mmsi %q is not numeric", s)
		}
		out = append(out, s)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

type trackParams struct {
	Operation    string    `json:"operation" jsonschema:"required,enum=track"`
	Timeout      int       `json:"timeout,omitempty" jsonschema:"minimum=3,maximum=60"`
	BoundingBox  []float64 `json:"bounding_box,omitempty" jsonschema:"description=min_lat min_lon max_lat max_lon."`
	MMSI         []string  `json:"mmsi,omitempty"`
	MessageTypes []string  `json:"message_types,omitempty"`
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "Vessel Tracker",
		Description: "Collect live AIS ship positions from aisstream.io for a bounded window.",
		Parameters:  manifest.FromType(reflect.TypeOf(trackParams{})),
	}
}
