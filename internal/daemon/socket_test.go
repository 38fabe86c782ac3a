package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alfredjean/ojd/internal/core/pipeline"
)

func TestWriteFrameProducesALengthPrefixReadFrameAccepts(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, Response{Kind: RespOk}))

	var lenBuf [4]byte
	_, err := buf.Read(lenBuf[:])
	require.NoError(t, err)
	assert.Equal(t, uint32(len(buf.Bytes())), uint32(lenBuf[3])|uint32(lenBuf[2])<<8|uint32(lenBuf[1])<<16|uint32(lenBuf[0])<<24)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0xFF // absurdly large length prefix
	buf.Write(lenBuf)

	_, err := readFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := readFrame(bufio.NewReader(&buf))
	assert.Error(t, err)
}

func TestReadFrameRoundTripsAWrittenRequest(t *testing.T) {
	req := Request{Kind: ReqSessionSend, SessionID: "s1", Input: "go"}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	var buf bytes.Buffer
	var lenBuf [4]byte
	lenBuf[3] = byte(len(body))
	buf.Write(lenBuf[:])
	buf.Write(body)

	got, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestHandleRequestHello(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	resp := d.handleRequest(context.Background(), Request{Kind: ReqHello})
	assert.Equal(t, RespHello, resp.Kind)
	assert.Equal(t, ProtocolVersion, resp.Version)
}

func TestHandleRequestStatusCountsActivePipelinesAndSessions(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	require.NoError(t, d.store.SavePipeline(pipeline.New("p1", "build", "demo", "ws1", nil, time.Now())))

	resp := d.handleRequest(context.Background(), Request{Kind: ReqStatus})
	assert.Equal(t, RespStatus, resp.Kind)
	assert.Equal(t, 1, resp.PipelinesActive)
	assert.Equal(t, 0, resp.SessionsActive)
}

func TestHandleRequestUnknownKindIsAnError(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	resp := d.handleRequest(context.Background(), Request{Kind: "bogus"})
	assert.Equal(t, RespError, resp.Kind)
	assert.Contains(t, resp.Message, "bogus")
}

func TestHandleRequestSessionSendDelegatesToAdapter(t *testing.T) {
	d, sessions := startTestDaemon(t, Runbook{})
	resp := d.handleRequest(context.Background(), Request{Kind: ReqSessionSend, SessionID: "s1", Input: "continue"})
	assert.Equal(t, RespOk, resp.Kind)
	assert.Equal(t, []string{"s1:continue"}, sessions.sent)
}

func TestHandleRequestPipelineResumeUnblocksPipeline(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	p := pipeline.New("p1", "build", "demo", "ws1", nil, time.Now())
	p, _ = pipeline.Transition(p, pipeline.Event{Kind: pipeline.EventStart}, d.engine.Clock)
	p, _ = pipeline.Transition(p, pipeline.Event{Kind: pipeline.EventBlock, GuardID: "g1"}, d.engine.Clock)
	require.NoError(t, d.store.SavePipeline(p))

	resp := d.handleRequest(context.Background(), Request{Kind: ReqPipelineResume, PipelineID: "p1"})
	assert.Equal(t, RespOk, resp.Kind)
	assert.NotEqual(t, pipeline.PhaseBlocked, d.store.State().Pipelines["p1"].Phase)
}

func TestHandleRequestPipelineFailMarksFailed(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	p := pipeline.New("p1", "build", "demo", "ws1", nil, time.Now())
	p, _ = pipeline.Transition(p, pipeline.Event{Kind: pipeline.EventStart}, d.engine.Clock)
	require.NoError(t, d.store.SavePipeline(p))

	resp := d.handleRequest(context.Background(), Request{Kind: ReqPipelineFail, PipelineID: "p1", Error: "boom"})
	assert.Equal(t, RespOk, resp.Kind)
	assert.True(t, d.store.State().Pipelines["p1"].IsTerminal())
}

func TestHandleRequestEventDispatchesPipelineEvent(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	require.NoError(t, d.store.SavePipeline(pipeline.New("p1", "build", "demo", "ws1", nil, time.Now())))

	ev, err := json.Marshal(pipeline.Event{Kind: pipeline.EventStart})
	require.NoError(t, err)
	envelope, err := json.Marshal(struct {
		EntityKind string          `json:"entity_kind"`
		EntityID   string          `json:"entity_id"`
		Event      json.RawMessage `json:"event"`
	}{EntityKind: "pipeline", EntityID: "p1", Event: ev})
	require.NoError(t, err)

	resp := d.handleRequest(context.Background(), Request{Kind: ReqEvent, Event: envelope})
	assert.Equal(t, RespOk, resp.Kind)
	assert.Equal(t, pipeline.PhaseRunning, d.store.State().Pipelines["p1"].Phase)
}

func TestHandleRequestEventUnknownEntityKindIsAnError(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	envelope, err := json.Marshal(struct {
		EntityKind string          `json:"entity_kind"`
		EntityID   string          `json:"entity_id"`
		Event      json.RawMessage `json:"event"`
	}{EntityKind: "bogus", EntityID: "x", Event: json.RawMessage(`{}`)})
	require.NoError(t, err)

	resp := d.handleRequest(context.Background(), Request{Kind: ReqEvent, Event: envelope})
	assert.Equal(t, RespError, resp.Kind)
}

func TestHandleQueryReturnsPipelinesPayload(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	require.NoError(t, d.store.SavePipeline(pipeline.New("p1", "build", "demo", "ws1", nil, time.Now())))

	resp := d.handleRequest(context.Background(), Request{Kind: ReqQuery, Query: "pipelines"})
	assert.Equal(t, RespQuery, resp.Kind)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Payload, &out))
	assert.Contains(t, out, "p1")
}

func TestHandleQueryUnknownQueryIsAnError(t *testing.T) {
	d, _ := startTestDaemon(t, Runbook{})
	resp := d.handleRequest(context.Background(), Request{Kind: ReqQuery, Query: "bogus"})
	assert.Equal(t, RespError, resp.Kind)
}
