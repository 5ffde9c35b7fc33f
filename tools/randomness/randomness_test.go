package randomness_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/tools/randomness"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// randomOrgServer answers signed JSON-RPC calls with canned draws and
// records the requests it saw.
func randomOrgServer(t *testing.T, quotaError bool) (*httptest.Server, *[]string) {
	t.Helper()
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		method := gjson.GetBytes(body, "method").String()
		methods = append(methods, method)
		assert.Equal(t, "ro-key", gjson.GetBytes(body, "params.apiKey").String())

		if quotaError {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":402,"message":"API key has exceeded its daily quota"},"id":1}`))
			return
		}

		var result map[string]any
		switch method {
		case "generateSignedIntegers":
			result = map[string]any{
				"random":       map[string]any{"data": []any{4, 17, 92}, "completionTime": "2025-07-01 10:00:00Z"},
				"signature":    "c2lnbmVk",
				"bitsUsed":     21,
				"bitsLeft":     249979,
				"requestsLeft": 999,
			}
		case "generateSignedDecimalFractions":
			result = map[string]any{
				"random":       map[string]any{"data": []any{0.42885472, 0.00127394}, "completionTime": "2025-07-01 10:00:01Z"},
				"signature":    "c2lnbmVk",
				"bitsLeft":     249900,
				"requestsLeft": 998,
			}
		case "generateSignedBlobs":
			result = map[string]any{
				"random":       map[string]any{"data": []any{"deadbeefcafe0123"}, "completionTime": "2025-07-01 10:00:02Z"},
				"signature":    "c2lnbmVk",
				"bitsLeft":     249800,
				"requestsLeft": 997,
			}
		case "getUsage":
			result = map[string]any{
				"bitsLeft":      245000,
				"requestsLeft":  995,
				"totalBits":     1000000,
				"totalRequests": 2000,
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "result": result, "id": 1})
	}))
	t.Cleanup(srv.Close)
	return srv, &methods
}

func newTool(t *testing.T, randomOrgURL, qrngURL string) *randomness.Tool {
	t.Helper()
	t.Setenv("RANDOM_ORG_API_KEY", "ro-key")
	t.Setenv("CISCO_QRNG_API_KEY", "qrng-key")
	return randomness.New(creds.NewResolver()).WithEndpoints(randomOrgURL, qrngURL)
}

func Test_Integers_RandomOrgSigned(t *testing.T) {
	srv, methods := randomOrgServer(t, false)
	tool := newTool(t, srv.URL, "")

	out, err := tool.Run(context.Background(), "integers", dispatch.Params{
		"count": float64(3), "min": float64(1), "max": float64(100),
	})
	require.NoError(t, err)
	assert.Equal(t, "generateSignedIntegers", (*methods)[0])
	assert.Equal(t, []any{float64(4), float64(17), float64(92)}, out["numbers"])
	assert.Equal(t, 3, out["count"])
	assert.Equal(t, "c2lnbmVk", out["signature"])
	assert.Equal(t, int64(999), out["requests_left"])
}

func Test_Floats_RandomOrg(t *testing.T) {
	srv, _ := randomOrgServer(t, false)
	tool := newTool(t, srv.URL, "")

	out, err := tool.Run(context.Background(), "floats", dispatch.Params{
		"count": float64(2), "decimal_places": float64(8),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{0.42885472, 0.00127394}, out["values"])
	assert.Equal(t, "c2lnbmVk", out["signature"])
}

func Test_Bytes_RandomOrg(t *testing.T) {
	srv, _ := randomOrgServer(t, false)
	tool := newTool(t, srv.URL, "")

	out, err := tool.Run(context.Background(), "bytes", dispatch.Params{
		"count": float64(8), "format": "hex",
	})
	require.NoError(t, err)
	assert.Equal(t, "deadbeefcafe0123", out["data"])
	assert.Equal(t, "hex", out["format"])
}

func Test_Quota(t *testing.T) {
	srv, _ := randomOrgServer(t, false)
	tool := newTool(t, srv.URL, "")

	out, err := tool.Run(context.Background(), "quota", dispatch.Params{})
	require.NoError(t, err)
	assert.Equal(t, int64(245000), out["bits_left"])
	assert.Equal(t, int64(995), out["requests_left"])

	_, err = tool.Run(context.Background(), "quota", dispatch.Params{"source": "qrng"})
	require.Error(t, err)
	assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
}

func Test_QuotaExceeded_MapsToRateLimit(t *testing.T) {
	srv, _ := randomOrgServer(t, true)
	tool := newTool(t, srv.URL, "")

	_, err := tool.Run(context.Background(), "integers", dispatch.Params{})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindRateLimit, e.Kind)
	assert.Contains(t, e.Hint, "quota")
}

func Test_Integers_QRNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "qrng-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "32", r.URL.Query().Get("bits"))
		assert.Equal(t, "4", r.URL.Query().Get("amount"))
		_, _ = w.Write([]byte(`{"random_numbers": ["00000000", "00000001", "0000000a", "ffffffff"]}`))
	}))
	defer srv.Close()
	tool := newTool(t, "", srv.URL)

	out, err := tool.Run(context.Background(), "integers", dispatch.Params{
		"source": "qrng", "count": float64(4), "min": float64(1), "max": float64(10),
	})
	require.NoError(t, err)
	// blocks reduce into [min, max]: 0->1, 1->2, 10->1, 0xffffffff->6
	assert.Equal(t, []any{1, 2, 1, 6}, out["numbers"])
	assert.Equal(t, "qrng", out["source"])
	assert.NotContains(t, out, "signature")
}

func Test_Floats_QRNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"random_numbers": ["80000000"]}`))
	}))
	defer srv.Close()
	tool := newTool(t, "", srv.URL)

	out, err := tool.Run(context.Background(), "floats", dispatch.Params{
		"source": "qrng", "count": float64(1), "decimal_places": float64(4),
	})
	require.NoError(t, err)
	assert.Equal(t, []any{0.5}, out["values"])
}

func Test_Bytes_QRNG(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "32", r.URL.Query().Get("bits"), "one block of count*8 bits")
		_, _ = w.Write([]byte(`{"random_numbers": ["cafe0123"]}`))
	}))
	defer srv.Close()
	tool := newTool(t, "", srv.URL)

	out, err := tool.Run(context.Background(), "bytes", dispatch.Params{
		"source": "qrng", "count": float64(4), "format": "base64",
	})
	require.NoError(t, err)
	assert.Equal(t, "yv4BIw==", out["data"])
	assert.Equal(t, 4, out["count"])
}

func Test_Validation(t *testing.T) {
	tool := newTool(t, "", "")

	cases := []struct {
		op     string
		params dispatch.Params
	}{
		{"integers", dispatch.Params{"count": float64(0)}},
		{"integers", dispatch.Params{"min": float64(10), "max": float64(5)}},
		{"floats", dispatch.Params{"decimal_places": float64(15)}},
		{"bytes", dispatch.Params{"format": "binary"}},
		{"integers", dispatch.Params{"source": "dice"}},
	}
	for _, tc := range cases {
		_, err := tool.Run(context.Background(), tc.op, tc.params)
		require.Error(t, err, "op %s", tc.op)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
}

func Test_MissingKey(t *testing.T) {
	t.Setenv("RANDOM_ORG_API_KEY", "")
	tool := randomness.New(creds.NewResolver())

	_, err := tool.Run(context.Background(), "integers", dispatch.Params{})
	require.Error(t, err)
	e := envelope.Classify(err)
	assert.Equal(t, envelope.KindAuthentication, e.Kind)
	assert.Contains(t, e.Hint, "RANDOM_ORG_API_KEY")
}
