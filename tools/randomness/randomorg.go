package randomness

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
)

// DefaultRandomOrgURL is the RANDOM.ORG signed JSON-RPC endpoint. Signed
// methods return a server signature alongside the data so third parties can
// verify the draw.
const DefaultRandomOrgURL = "https://api.random.org/json-rpc/4/invoke"

// randomOrgClient speaks the RANDOM.ORG JSON-RPC protocol.
type randomOrgClient struct {
	http *httpx.Client
	url  string
	seq  atomic.Int64
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

type rpcResponse struct {
	Result *struct {
		Random struct {
			Data           []any  `json:"data"`
			CompletionTime string `json:"completionTime"`
		} `json:"random"`
		Signature     string `json:"signature"`
		BitsUsed      int64  `json:"bitsUsed"`
		BitsLeft      int64  `json:"bitsLeft"`
		RequestsLeft  int64  `json:"requestsLeft"`
		TotalBits     int64  `json:"totalBits"`
		TotalRequests int64  `json:"totalRequests"`
	} `json:"result"`
	Error *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Draw is one signed RANDOM.ORG response.
type Draw struct {
	Data         []any
	Signature    string
	CompletedAt  string
	BitsUsed     int64
	BitsLeft     int64
	RequestsLeft int64
}

func (c *randomOrgClient) call(ctx context.Context, method string, params map[string]any) (*rpcResponse, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.seq.Add(1),
	}
	var resp rpcResponse
	if err := c.http.PostJSON(ctx, c.url, http.Header{}, req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, classifyRandomOrg(resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil {
		return nil, envelope.New(envelope.KindRemote, "random.org returned neither result nor error")
	}
	return &resp, nil
}

func (c *randomOrgClient) signed(ctx context.Context, method string, params map[string]any) (*Draw, error) {
	resp, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	r := resp.Result
	return &Draw{
		Data:         r.Random.Data,
		Signature:    r.Signature,
		CompletedAt:  r.Random.CompletionTime,
		BitsUsed:     r.BitsUsed,
		BitsLeft:     r.BitsLeft,
		RequestsLeft: r.RequestsLeft,
	}, nil
}

// Quota is the account-level usage report.
type Quota struct {
	BitsLeft      int64
	RequestsLeft  int64
	TotalBits     int64
	TotalRequests int64
}

func (c *randomOrgClient) usage(ctx context.Context, apiKey string) (*Quota, error) {
	resp, err := c.call(ctx, "getUsage", map[string]any{"apiKey": apiKey})
	if err != nil {
		return nil, err
	}
	r := resp.Result
	return &Quota{
		BitsLeft:      r.BitsLeft,
		RequestsLeft:  r.RequestsLeft,
		TotalBits:     r.TotalBits,
		TotalRequests: r.TotalRequests,
	}, nil
}

// classifyRandomOrg maps the documented JSON-RPC error codes onto the
// envelope taxonomy. Codes 4xx are API-key and quota problems.
func classifyRandomOrg(code int64, message string) error {
	switch code {
	case 400, 401:
		return envelope.New(envelope.KindAuthentication, "random.org rejected the API key: %s", message).
			WithHint("check RANDOM_ORG_API_KEY")
	case 402:
		return envelope.New(envelope.KindRateLimit, "random.org quota exhausted: %s", message).
			WithHint("the free quota refills daily; check usage with the quota operation")
	case 403:
		return envelope.New(envelope.KindRateLimit, "random.org request too large: %s", message)
	default:
		return envelope.New(envelope.KindRemote, "random.org error %d: %s", code, message).
			WithField("code", code)
	}
}
