package randomness

import (
	"context"
	"fmt"
	"net/http"

	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/httpx"
	"github.com/tidwall/gjson"
)

// DefaultQRNGURL is the Cisco Outshift quantum random number service.
const DefaultQRNGURL = "https://api.qrng.outshift.com"

// qrngClient fetches entropy from the quantum source. The service hands out
// raw hex blocks; shaping into integers or floats happens locally.
type qrngClient struct {
	http *httpx.Client
	url  string
}

// hexBlocks requests count blocks of the given bit size.
func (c *qrngClient) hexBlocks(ctx context.Context, apiKey string, count, bits int) ([]string, error) {
	u := fmt.Sprintf("%s/api/v1/random_numbers?bits=%d&amount=%d", c.url, bits, count)
	header := http.Header{}
	header.Set("x-api-key", apiKey)

	resp, err := c.http.Do(ctx, httpx.Request{Method: http.MethodGet, URL: u, Header: header})
	if err != nil {
		return nil, err
	}

	blocks := gjson.GetBytes(resp.Body, "random_numbers").Array()
	if len(blocks) == 0 {
		return nil, envelope.New(envelope.KindRemote, "quantum source returned no entropy")
	}
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, b.String())
	}
	return out, nil
}
