package sync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/testbed-project/sdk-go/pkg/runtime"
)

func testRunParams(endpoint string) *runtime.RunParams {
	return &runtime.RunParams{
		TestPlan:               "streaming_test",
		TestCase:               "quickstart",
		TestRun:                "c7uji38e5te2b9t464v0",
		TestInstanceCount:      1,
		TestGroupID:            "single",
		TestGroupInstanceCount: 1,
		TestSidecar:            false,
		Hostname:               "host-a",
		SyncServiceEndpoint:    endpoint,
	}
}

func TestContextualization(t *testing.T) {
	rp := testRunParams("")

	require.Equal(t,
		"run:c7uji38e5te2b9t464v0:plan:streaming_test:case:quickstart:states:network-initialized",
		contextualizeState(rp, "network-initialized"))
	require.Equal(t,
		"run:c7uji38e5te2b9t464v0:plan:streaming_test:case:quickstart:topics:messages",
		contextualizeTopic(rp, "messages"))
	require.Equal(t,
		"run:c7uji38e5te2b9t464v0:plan:streaming_test:case:quickstart:run_events",
		eventTopic(rp))
}

func TestNextIDIsMonotonic(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)
	require.Equal(t, "0", b.nextID())
	require.Equal(t, "1", b.nextID())
	require.Equal(t, "2", b.nextID())
}

func TestHandleFrameDropsUnknownID(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	res := make(chan result, 1)
	b.pending["5"] = &pendingEntry{kind: oneShotSeq, res: res}

	// a response for an id we never issued, or that already completed, is
	// dropped without touching other entries.
	b.handleFrame([]byte(`{"id":"99","signal_entry":{"seq":3}}`))
	require.Len(t, res, 0)
	require.Contains(t, b.pending, "5")
}

func TestHandleFrameSkipsMalformedFrame(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	res := make(chan result, 1)
	b.pending["5"] = &pendingEntry{kind: oneShotSeq, res: res}

	b.handleFrame([]byte(`{"id":`))
	b.handleFrame([]byte(`{"id":"5","error":"x","publish":{"seq":1}}`))
	require.Len(t, res, 0)
	require.Contains(t, b.pending, "5")
}

func TestHandleFrameResolvesOneShots(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	seqRes := make(chan result, 1)
	barRes := make(chan result, 1)
	b.pending["1"] = &pendingEntry{kind: oneShotSeq, res: seqRes}
	b.pending["2"] = &pendingEntry{kind: oneShotBarrier, res: barRes}

	b.handleFrame([]byte(`{"id":"1","publish":{"seq":4}}`))
	r := <-seqRes
	require.NoError(t, r.err)
	require.EqualValues(t, 4, r.seq)
	require.NotContains(t, b.pending, "1")

	b.handleFrame([]byte(`{"id":"2"}`))
	r = <-barRes
	require.NoError(t, r.err)
	require.NotContains(t, b.pending, "2")
}

func TestHandleFrameRoutesServiceError(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	res := make(chan result, 1)
	b.pending["1"] = &pendingEntry{kind: oneShotSeq, res: res}

	b.handleFrame([]byte(`{"id":"1","error":"state is closed"}`))
	r := <-res
	var serr *ServiceError
	require.ErrorAs(t, r.err, &serr)
	require.Equal(t, "state is closed", serr.Reason)
}

func TestHandleFrameProtocolViolation(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	// a barrier entry resolved with a publish outcome is a protocol
	// violation for that operation only.
	res := make(chan result, 1)
	b.pending["1"] = &pendingEntry{kind: oneShotBarrier, res: res}

	b.handleFrame([]byte(`{"id":"1","publish":{"seq":2}}`))
	r := <-res
	var verr *ProtocolViolationError
	require.ErrorAs(t, r.err, &verr)
	require.Equal(t, "1", verr.ID)
	require.NotContains(t, b.pending, "1")
}

func TestHandleFrameStreamingDelivery(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	sub := newSubscription("messages", 2)
	b.pending["1"] = &pendingEntry{kind: streaming, sub: sub}

	b.handleFrame([]byte(`{"id":"1","subscribe":"a"}`))
	b.handleFrame([]byte(`{"id":"1","subscribe":"b"}`))

	// the entry is re-armed after each delivery.
	require.Contains(t, b.pending, "1")

	var got []string
	for i := 0; i < 2; i++ {
		var s string
		require.NoError(t, json.Unmarshal(<-sub.C, &s))
		got = append(got, s)
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestHandleFrameStreamingImplicitUnsubscribe(t *testing.T) {
	b := newBackgroundTask(nil, testRunParams(""), nil, nil)

	sub := newSubscription("messages", 1)
	b.pending["1"] = &pendingEntry{kind: streaming, sub: sub}

	sub.Cancel()
	b.handleFrame([]byte(`{"id":"1","subscribe":"a"}`))

	// the entry is gone; the next item for this id would be dropped as
	// unknown.
	require.NotContains(t, b.pending, "1")

	_, ok := <-sub.C
	require.False(t, ok)
	require.NoError(t, sub.Err())
}
