// Package randomness draws true random numbers from physical entropy
// sources: the RANDOM.ORG signed API (atmospheric noise) and the Cisco
// Outshift QRNG (quantum). RANDOM.ORG draws carry a server signature so the
// result can be verified by a third party.
package randomness

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/effective-security/toolbelt/manifest"
)

// ToolName is the registry name.
const ToolName = "true_random"

const (
	// SourceRandomOrg draws from atmospheric noise via RANDOM.ORG.
	SourceRandomOrg = "random_org"
	// SourceQRNG draws from the Cisco Outshift quantum source.
	SourceQRNG = "qrng"

	maxCount         = 1000
	maxByteCount     = 1024
	maxDecimalPlaces = 14
)

// Tool is the randomness handler.
type Tool struct {
	resolver  *creds.Resolver
	randomOrg *randomOrgClient
	qrng      *qrngClient
	specDir   string
}

// New builds the handler against the public endpoints.
func New(resolver *creds.Resolver) *Tool {
	http := httpx.New().WithRedactor(resolver.Redactor())
	return &Tool{
		resolver:  resolver,
		randomOrg: &randomOrgClient{http: http, url: DefaultRandomOrgURL},
		qrng:      &qrngClient{http: http, url: DefaultQRNGURL},
		specDir:   "tool_specs",
	}
}

// WithEndpoints overrides the upstream URLs, for tests. Empty strings keep
// the defaults.
func (t *Tool) WithEndpoints(randomOrg, qrng string) *Tool {
	if randomOrg != "" {
		t.randomOrg.url = randomOrg
	}
	if qrng != "" {
		t.qrng.url = qrng
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
	return []string{"integers", "floats", "bytes", "quota"}
}

func (t *Tool) DefaultOperation() string { return "integers" }

func (t *Tool) Run(ctx context.Context, op string, params dispatch.Params) (map[string]any, error) {
	source := strings.ToLower(params.StringOr("source", SourceRandomOrg))
	switch source {
	case SourceRandomOrg, SourceQRNG:
	default:
		return nil, envelope.Validation("unknown randomness source %q", source).
			WithHint("valid sources: random_org, qrng")
	}

	apiKey, err := t.apiKey(source)
	if err != nil {
		return nil, err
	}

	switch op {
	case "integers":
		return t.integers(ctx, source, apiKey, params)
	case "floats":
		return t.floats(ctx, source, apiKey, params)
	case "bytes":
		return t.bytes(ctx, source, apiKey, params)
	case "quota":
		if source != SourceRandomOrg {
			return nil, envelope.Validation("quota reporting is only available for the random_org source")
		}
		return t.quota(ctx, apiKey)
	}
	return nil, envelope.Validation("unknown operation %q", op)
}

func (t *Tool) apiKey(source string) (string, error) {
	profile := creds.Profile{
		Tool:   "RANDOM_ORG",
		Fields: []creds.Field{{Name: "api_key", Env: "RANDOM_ORG_API_KEY", Secret: true}},
	}
	if source == SourceQRNG {
		profile = creds.Profile{
			Tool:   "CISCO_QRNG",
			Fields: []creds.Field{{Name: "api_key", Env: "CISCO_QRNG_API_KEY", Secret: true}},
		}
	}
	res, err := t.resolver.Resolve(profile)
	if err != nil {
		return "", err
	}
	return res["api_key"], nil
}

func (t *Tool) integers(ctx context.Context, source, apiKey string, params dispatch.Params) (map[string]any, error) {
	count := params.IntOr("count", 1)
	if count < 1 || count > maxCount {
		return nil, envelope.Validation("count must be between 1 and %d, got %d", maxCount, count)
	}
	minVal := params.IntOr("min", 1)
	maxVal := params.IntOr("max", 100)
	if minVal >= maxVal {
		return nil, envelope.Validation("min must be less than max, got [%d, %d]", minVal, maxVal)
	}

	if source == SourceQRNG {
		blocks, err := t.qrng.hexBlocks(ctx, apiKey, count, 32)
		if err != nil {
			return nil, err
		}
		span := uint64(maxVal - minVal + 1)
		numbers := make([]any, 0, count)
		for _, block := range blocks {
			v, err := strconv.ParseUint(block, 16, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "quantum source returned malformed block %q", block)
			}
			numbers = append(numbers, minVal+int(v%span))
		}
		return map[string]any{
			"numbers": numbers,
			"count":   len(numbers),
			"min":     minVal,
			"max":     maxVal,
			"source":  SourceQRNG,
		}, nil
	}

	draw, err := t.randomOrg.signed(ctx, "generateSignedIntegers", map[string]any{
		"apiKey":      apiKey,
		"n":           count,
		"min":         minVal,
		"max":         maxVal,
		"replacement": params.BoolOr("replacement", true),
	})
	if err != nil {
		return nil, err
	}
	out := drawPayload(draw)
	out["numbers"] = draw.Data
	out["count"] = len(draw.Data)
	out["min"] = minVal
	out["max"] = maxVal
	return out, nil
}

func (t *Tool) floats(ctx context.Context, source, apiKey string, params dispatch.Params) (map[string]any, error) {
	count := params.IntOr("count", 1)
	if count < 1 || count > maxCount {
		return nil, envelope.Validation("count must be between 1 and %d, got %d", maxCount, count)
	}
	places := params.IntOr("decimal_places", 8)
	if places < 1 || places > maxDecimalPlaces {
		return nil, envelope.Validation("decimal_places must be between 1 and %d, got %d", maxDecimalPlaces, places)
	}

	if source == SourceQRNG {
		blocks, err := t.qrng.hexBlocks(ctx, apiKey, count, 32)
		if err != nil {
			return nil, err
		}
		values := make([]any, 0, count)
		for _, block := range blocks {
			v, err := strconv.ParseUint(block, 16, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "quantum source returned malformed block %q", block)
			}
			values = append(values, round(float64(v)/(1<<32), places))
		}
		return map[string]any{
			"values": values,
			"count":  len(values),
			"source": SourceQRNG,
		}, nil
	}

	draw, err := t.randomOrg.signed(ctx, "generateSignedDecimalFractions", map[string]any{
		"apiKey":        apiKey,
		"n":             count,
		"decimalPlaces": places,
	})
	if err != nil {
		return nil, err
	}
	out := drawPayload(draw)
	out["values"] = draw.Data
	out["count"] = len(draw.Data)
	return out, nil
}

func (t *Tool) bytes(ctx context.Context, source, apiKey string, params dispatch.Params) (map[string]any, error) {
	count := params.IntOr("count", 16)
	if count < 1 || count > maxByteCount {
		return nil, envelope.Validation("count must be between 1 and %d bytes, got %d", maxByteCount, count)
	}
	format := strings.ToLower(params.StringOr("format", "hex"))
	if format != "hex" && format != "base64" {
		return nil, envelope.Validation("format must be hex or base64, got %q", format)
	}

	if source == SourceQRNG {
		blocks, err := t.qrng.hexBlocks(ctx, apiKey, 1, count*8)
		if err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(blocks[0])
		if err != nil {
			return nil, errors.Wrap(err, "quantum source returned malformed block")
		}
		return map[string]any{
			"data":   encodeBytes(raw, format),
			"format": format,
			"count":  len(raw),
			"source": SourceQRNG,
		}, nil
	}

	draw, err := t.randomOrg.signed(ctx, "generateSignedBlobs", map[string]any{
		"apiKey": apiKey,
		"n":      1,
		"size":   count * 8,
		"format": format,
	})
	if err != nil {
		return nil, err
	}
	out := drawPayload(draw)
	if len(draw.Data) > 0 {
		out["data"] = draw.Data[0]
	}
	out["format"] = format
	out["count"] = count
	return out, nil
}

func (t *Tool) quota(ctx context.Context, apiKey string) (map[string]any, error) {
	quota, err := t.randomOrg.usage(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"source":         SourceRandomOrg,
		"bits_left":      quota.BitsLeft,
		"requests_left":  quota.RequestsLeft,
		"total_bits":     quota.TotalBits,
		"total_requests": quota.TotalRequests,
	}, nil
}

func drawPayload(draw *Draw) map[string]any {
	out := map[string]any{
		"source":       SourceRandomOrg,
		"signature":    draw.Signature,
		"completed_at": draw.CompletedAt,
	}
	if draw.BitsLeft > 0 || draw.RequestsLeft > 0 {
		out["bits_left"] = draw.BitsLeft
		out["requests_left"] = draw.RequestsLeft
	}
	return out
}

func encodeBytes(raw []byte, format string) string {
	if format == "base64" {
		return base64.StdEncoding.EncodeToString(raw)
	}
	return hex.EncodeToString(raw)
}

func round(v float64, places int) float64 {
	shift := 1.0
	for range places {
		shift *= 10
	}
	return float64(int64(v*shift+0.5)) / shift
}

type drawParams struct {
	Operation     string `json:"operation" jsonschema:"required,enum=integers,enum=floats,enum=bytes,enum=quota"`
	Source        string `json:"source,omitempty" jsonschema:"enum=random_org,enum=qrng"`
	Count         int    `json:"count,omitempty" jsonschema:"minimum=1"`
	Min           int    `json:"min,omitempty"`
	Max           int    `json:"max,omitempty"`
	Replacement   bool   `json:"replacement,omitempty"`
	DecimalPlaces int    `json:"decimal_places,omitempty" jsonschema:"minimum=1,maximum=14"`
	Format        string `json:"format,omitempty" jsonschema:"enum=hex,enum=base64"`
}

func fallbackSpec() *manifest.ToolSpec {
	return &manifest.ToolSpec{
		Name:        ToolName,
		DisplayName: "True Random",
		Description: "Draw verifiable random numbers from RANDOM.ORG or a quantum source.",
		Parameters:  manifest.FromType(reflect.TypeOf(drawParams{})),
	}
}
