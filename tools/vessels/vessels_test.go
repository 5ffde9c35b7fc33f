package vessels_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/effective-security/toolbelt/creds"
	"github.com/effective-security/toolbelt/dispatch"
	"github.com/effective-security/toolbelt/envelope"
	"github.com/effective-security/toolbelt/tools/vessels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream replays canned frames, then blocks until the collection window
// expires. A non-nil tailErr is returned after the frames instead.
type fakeStream struct {
	frames  [][]byte
	tailErr error
	closed  bool
}

func (f *fakeStream) Recv(ctx context.Context) ([]byte, error) {
	if len(f.frames) > 0 {
		frame := f.frames[0]
		f.frames = f.frames[1:]
		return frame, nil
	}
	if f.tailErr != nil {
		return nil, f.tailErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeStream) Close() error {
	f.closed = true
	return nil
}

func positionFrame(mmsi int, name string, lat, lon, sog float64, at string) []byte {
	return fmt.Appendf(nil, `{
		"MessageType": "PositionReport",
		"MetaData": {"MMSI": %d, "ShipName": "%-20s", "latitude": %g, "longitude": %g, "time_utc": "%s"},
		"Message": {"PositionReport": {"Sog": %g, "Cog": 180.5, "TrueHeading": 181, "NavigationalStatus": 0}}
	}`, mmsi, name, lat, lon, at, sog)
}

func newTool(stream *fakeStream) (*vessels.Tool, *vessels.Subscription) {
	var captured vessels.Subscription
	tool := vessels.New().
		WithDialer(func(_ context.Context, _ string, sub vessels.Subscription) (vessels.Stream, error) {
			captured = sub
			return stream, nil
		})
	return tool, &captured
}

// track runs with a caller deadline far shorter than the collection window
// so the loop drains the canned frames and returns promptly.
func track(t *testing.T, tool *vessels.Tool, params dispatch.Params) map[string]any {
	t.Helper()
	ctx := creds.NewContext(context.Background(), creds.Resolved{"api_key": "ais-key"})
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	out, err := tool.Run(ctx, "track", params)
	require.NoError(t, err)
	return out
}

func Test_Track_DedupesByMMSI(t *testing.T) {
	stream := &fakeStream{frames: [][]byte{
		positionFrame(211234567, "EVER GIVEN", 51.9, 4.1, 12.3, "2025-07-01 10:00:00"),
		positionFrame(244567890, "ROTTERDAM", 51.8, 4.3, 0.1, "2025-07-01 10:00:01"),
		positionFrame(211234567, "EVER GIVEN", 52.0, 4.2, 12.8, "2025-07-01 10:00:05"),
	}}
	tool, _ := newTool(stream)

	out := track(t, tool, dispatch.Params{"timeout": float64(3)})
	assert.Equal(t, 2, out["unique_vessels"])
	assert.Equal(t, 3, out["message_count"])
	assert.Equal(t, 3, out["window_seconds"])
	assert.True(t, stream.closed, "stream must be closed after the window")

	items := out["vessels"].([]any)
	require.Len(t, items, 2)
	// sorted by MMSI; the later report won
	first := items[0].(map[string]any)
	assert.Equal(t, "211234567", first["mmsi"])
	assert.Equal(t, "EVER GIVEN", first["name"], "padded ship names are trimmed")
	assert.Equal(t, 52.0, first["latitude"])
	assert.Equal(t, 12.8, first["speed_knots"])
}

func Test_Track_SubscriptionCarriesFilters(t *testing.T) {
	tool, captured := newTool(&fakeStream{})

	track(t, tool, dispatch.Params{
		"timeout":       float64(3),
		"bounding_box":  []any{float64(51), float64(3), float64(53), float64(5)},
		"mmsi":          []any{"211234567", float64(244567890)},
		"message_types": []any{"PositionReport"},
	})

	assert.Equal(t, "ais-key", captured.APIKey)
	require.Len(t, captured.BoundingBoxes, 1)
	assert.Equal(t, [][]float64{{51, 3}, {53, 5}}, captured.BoundingBoxes[0])
	assert.Equal(t, []string{"211234567", "244567890"}, captured.FiltersShipMMSI)
	assert.Equal(t, []string{"PositionReport"}, captured.FilterMessageTypes)
}

func Test_Track_DefaultSubscribesWholeWorld(t *testing.T) {
	tool, captured := newTool(&fakeStream{})

	track(t, tool, dispatch.Params{"timeout": float64(3)})
	require.Len(t, captured.BoundingBoxes, 1)
	assert.Equal(t, [][]float64{{-90, -180}, {90, 180}}, captured.BoundingBoxes[0])
}

func Test_Track_WindowBounds(t *testing.T) {
	tool, _ := newTool(&fakeStream{})
	ctx := creds.NewContext(context.Background(), creds.Resolved{"api_key": "k"})

	for _, secs := range []float64{2, 61, 0} {
		_, err := tool.Run(ctx, "track", dispatch.Params{"timeout": secs})
		require.Error(t, err)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
}

func Test_Track_BadBoundingBox(t *testing.T) {
	tool, _ := newTool(&fakeStream{})
	ctx := creds.NewContext(context.Background(), creds.Resolved{"api_key": "k"})

	cases := []dispatch.Params{
		{"timeout": float64(3), "bounding_box": []any{float64(1), float64(2)}},
		{"timeout": float64(3), "bounding_box": []any{float64(95), float64(3), float64(96), float64(5)}},
		{"timeout": float64(3), "bounding_box": []any{float64(53), float64(3), float64(51), float64(5)}},
		{"timeout": float64(3), "mmsi": []any{"123"}},
	}
	for _, params := range cases {
		_, err := tool.Run(ctx, "track", params)
		require.Error(t, err)
		assert.Equal(t, envelope.KindValidation, envelope.Classify(err).Kind)
	}
}

func Test_Track_StreamFailsBeforeFirstMessage(t *testing.T) {
	tool, _ := newTool(&fakeStream{tailErr: io.ErrUnexpectedEOF})
	ctx := creds.NewContext(context.Background(), creds.Resolved{"api_key": "k"})

	_, err := tool.Run(ctx, "track", dispatch.Params{"timeout": float64(3)})
	require.Error(t, err)
	assert.Equal(t, envelope.KindRemote, envelope.Classify(err).Kind)
}

func Test_Track_StreamClosesEarlyKeepsPartial(t *testing.T) {
	stream := &fakeStream{
		frames:  [][]byte{positionFrame(211234567, "EVER GIVEN", 51.9, 4.1, 12.3, "2025-07-01 10:00:00")},
		tailErr: io.ErrUnexpectedEOF,
	}
	tool, _ := newTool(stream)

	out := track(t, tool, dispatch.Params{"timeout": float64(60)})
	assert.Equal(t, 1, out["unique_vessels"])
	assert.Contains(t, out["warning"], "partial")
}

func Test_Track_SkipsFramesWithoutMetadata(t *testing.T) {
	stream := &fakeStream{frames: [][]byte{
		[]byte(`{"error": "Api Key Is Not Valid"}`),
		positionFrame(211234567, "EVER GIVEN", 51.9, 4.1, 12.3, "2025-07-01 10:00:00"),
	}}
	tool, _ := newTool(stream)

	out := track(t, tool, dispatch.Params{"timeout": float64(3)})
	assert.Equal(t, 1, out["unique_vessels"])
	assert.Equal(t, 2, out["message_count"])
}

func Test_Deadline_CoversLongestWindow(t *testing.T) {
	tool := vessels.New()
	assert.GreaterOrEqual(t, tool.Deadline("track"), 60*time.Second)
}
