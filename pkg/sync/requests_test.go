package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/testbed-project/sdk-go/pkg/network"
	"github.com/testbed-project/sdk-go/pkg/runtime"
)

func TestRequestEncodesSingleVariant(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{
			name: "signal entry",
			req:  &Request{ID: "0", SignalEntry: &SignalEntryRequest{State: "s"}},
			want: `{"id":"0","is_cancel":false,"signal_entry":{"state":"s"}}`,
		},
		{
			name: "barrier",
			req:  &Request{ID: "1", Barrier: &BarrierRequest{State: "s", Target: 3}},
			want: `{"id":"1","is_cancel":false,"barrier":{"state":"s","target":3}}`,
		},
		{
			name: "publish",
			req:  &Request{ID: "2", Publish: &PublishRequest{Topic: "t", Payload: "hello"}},
			want: `{"id":"2","is_cancel":false,"publish":{"topic":"t","payload":"hello"}}`,
		},
		{
			name: "subscribe",
			req:  &Request{ID: "3", Subscribe: &SubscribeRequest{Topic: "t"}},
			want: `{"id":"3","is_cancel":false,"subscribe":{"topic":"t"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.req)
			require.NoError(t, err)
			require.JSONEq(t, tt.want, string(data))
		})
	}
}

// The three publish payload shapes must stay structurally distinct on the
// wire, since consumers disambiguate them without a type tag.
func TestPublishPayloadShapesAreDistinct(t *testing.T) {
	shape := func(payload interface{}) map[string]json.RawMessage {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil // not an object: the string shape
		}
		return m
	}

	str := shape("hello")
	require.Nil(t, str)

	ev := shape(runtime.NewMessageEvent("hi"))
	require.Len(t, ev, 1)
	require.Contains(t, ev, "message_event")

	cfg := shape(&network.Config{
		Network:       network.DefaultDataNetwork,
		Enable:        true,
		Default:       network.LinkShape{Latency: 100 * time.Millisecond},
		CallbackState: "shaped",
	})
	require.Contains(t, cfg, "network")
	require.NotContains(t, cfg, "message_event")
}
