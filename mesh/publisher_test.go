package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connectedMock() *MockClient {
	mc := NewMockClient()
	mc.SetConnected(true)
	return mc
}

func TestNewProgressPublisher(t *testing.T) {
	p := NewProgressPublisher(nil, "", "run-1", nil)
	assert.Equal(t, "depthmesh/run-1/summary", p.Topic("summary"))
	assert.Equal(t, byte(1), p.qos)
	assert.True(t, p.retain)

	p = NewProgressPublisher(nil, "lab/scans", "r", nil)
	assert.Equal(t, "lab/scans/r/pairs/1-0", p.Topic("pairs/1-0"))
}

func TestProgressPublisher_PublishPair(t *testing.T) {
	mc := connectedMock()
	p := NewProgressPublisher(mc, "depthmesh", "run-1", nil)

	tr := Translation(1, 2, 3)
	require.NoError(t, p.PublishPair(PairMetrics{From: 2, To: 1, Method: "fpfh/ransac", Inliers: 42, RMSE: 0.01, Transform: &tr}))

	msgs := mc.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "depthmesh/run-1/pairs/2-1", msgs[0].Topic)
	assert.Equal(t, byte(1), msgs[0].QoS)
	assert.True(t, msgs[0].Retain)

	var ev PairEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, "run-1", ev.RunID)
	assert.Equal(t, 2, ev.From)
	assert.Equal(t, 42, ev.Inliers)
	assert.NotZero(t, ev.Timestamp)
	require.NotNil(t, ev.Transform)
	assertTransformNear(t, tr, *ev.Transform, 1e-12)

	m, ok := p.Pair(2, 1)
	assert.True(t, ok)
	assert.Equal(t, "fpfh/ransac", m.Method)
	_, ok = p.Pair(1, 0)
	assert.False(t, ok)
}

func TestProgressPublisher_NotConnected(t *testing.T) {
	p := NewProgressPublisher(nil, "", "run-1", nil)
	err := p.PublishPair(PairMetrics{From: 1, To: 0})
	assert.EqualError(t, err, "MQTT client not connected")

	// metrics are kept even when nothing can be published
	_, ok := p.Pair(1, 0)
	assert.True(t, ok)

	mc := NewMockClient()
	p = NewProgressPublisher(mc, "", "run-1", nil)
	assert.Error(t, p.PublishSummary(RunSummary{RunID: "run-1"}))
	assert.Empty(t, mc.GetPublishedMessages())
}

func TestProgressPublisher_PublishError(t *testing.T) {
	mc := connectedMock()
	mc.SetPublishError(errors.New("broker full"))
	p := NewProgressPublisher(mc, "", "run-1", nil)

	err := p.PublishSummary(RunSummary{RunID: "run-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publishing to depthmesh/run-1/summary")
	assert.Contains(t, err.Error(), "broker full")
}

func TestProgressPublisher_SetQoSAndRetain(t *testing.T) {
	mc := connectedMock()
	p := NewProgressPublisher(mc, "", "r", nil)

	p.SetQoS(2)
	assert.Equal(t, byte(2), p.qos)
	p.SetQoS(3)
	assert.Equal(t, byte(2), p.qos, "invalid QoS is ignored")
	p.SetRetain(false)

	require.NoError(t, p.PublishSummary(RunSummary{RunID: "r"}))
	msgs := mc.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, byte(2), msgs[0].QoS)
	assert.False(t, msgs[0].Retain)
}

func TestProgressPublisher_FramePrepared(t *testing.T) {
	mc := connectedMock()
	p := NewProgressPublisher(mc, "", "r", nil)

	p.FramePrepared(&Frame{Index: 3, Name: "f3", Cloud: &PointCloud{Points: make([]r3.Vector, 5)}})

	msgs := mc.GetPublishedMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "depthmesh/r/frames/3", msgs[0].Topic)
	assert.False(t, msgs[0].Retain)

	var ev FrameEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, FrameEvent{RunID: "r", Frame: 3, Name: "f3", Points: 5, Timestamp: ev.Timestamp}, ev)
}

func TestProgressPublisher_ObservesPipelineRun(t *testing.T) {
	mc := connectedMock()
	pub := NewProgressPublisher(mc, "depthmesh", "obs", nil)
	reg := &scriptedRegistrar{transforms: map[pairKey]Transform{{1, 0}: Translation(1, 0, 0)}}
	p := &Pipeline{Registrar: reg, RunID: "obs", Policy: PolicySkip, Observer: pub}

	_, err := p.Run(context.Background(), testFrames(3))
	require.NoError(t, err)

	assert.Len(t, mc.MessagesOn("depthmesh/obs/frames/"), 3)
	assert.Len(t, mc.MessagesOn("depthmesh/obs/pairs/"), 2)

	failed, ok := pub.Pair(2, 1)
	require.True(t, ok)
	assert.Equal(t, StageCoarse, failed.Stage)
	assert.NotEmpty(t, failed.Error)

	summaries := mc.MessagesOn("depthmesh/obs/summary")
	require.Len(t, summaries, 1)
	var s RunSummary
	require.NoError(t, json.Unmarshal(summaries[0].Payload, &s))
	assert.Equal(t, []int{0, 1}, s.Included)
	assert.Equal(t, 3, s.Frames)
}
