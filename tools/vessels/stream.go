package vessels

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/coder/websocket"
	"github.com/effective-security/toolbelt/envelope"
)

// DefaultStreamURL is the aisstream.io endpoint.
const DefaultStreamURL = "wss://stream.aisstream.io/v0/stream"

// Subscription is the first frame sent on the stream; the server starts
// pushing AIS messages once it accepts the frame.
type Subscription struct {
	APIKey             string        `json:"APIKey"`
	BoundingBoxes      [][][]float64 `json:"BoundingBoxes"`
	FiltersShipMMSI    []string      `json:"FiltersShipMMSI,omitempty"`
	FilterMessageTypes []string      `json:"FilterMessageTypes,omitempty"`
}

// Stream yields raw AIS message frames until the context expires.
type Stream interface {
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a subscribed stream. Tests substitute a fake.
type Dialer func(ctx context.Context, url string, sub Subscription) (Stream, error)

type wsStream struct {
	conn *websocket.Conn
}

func dialStream(ctx context.Context, url string, sub Subscription) (Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, envelope.New(envelope.KindRemote, "cannot reach AIS stream").
			WithCause(errors.WithStack(err))
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, errors.Wrap(err, "failed to encode subscription")
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, envelope.New(envelope.KindRemote, "AIS stream rejected subscription").
			WithCause(errors.WithStack(err))
	}
	return &wsStream{conn: conn}, nil
}

func (s *wsStream) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "collection window closed")
}
