package daemon

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/alfredjean/ojd/infrastructure/ojerrors"
	"github.com/alfredjean/ojd/internal/core/pipeline"
	"github.com/alfredjean/ojd/internal/core/session"
)

// maxFrameBytes bounds a single request/response payload; anything larger
// is a malformed-frame protocol error, not a legitimate oversized request.
const maxFrameBytes = 4 << 20

// Request is the client-to-daemon tagged union. Kind selects which of the
// remaining fields are meaningful; unused fields are left zero.
type Request struct {
	Kind string `json:"kind"`

	Version int             `json:"version,omitempty"` // Hello
	Event   json.RawMessage `json:"event,omitempty"`    // Event{event}
	Query   string          `json:"query,omitempty"`    // Query{...}

	SessionID string `json:"session_id,omitempty"` // SessionSend
	Input     string `json:"input,omitempty"`

	PipelineID string `json:"pipeline_id,omitempty"` // PipelineResume / PipelineFail
	Error      string `json:"error,omitempty"`
}

const (
	ReqHello          = "hello"
	ReqStatus         = "status"
	ReqShutdown       = "shutdown"
	ReqEvent          = "event"
	ReqQuery          = "query"
	ReqSessionSend    = "session_send"
	ReqPipelineResume = "pipeline_resume"
	ReqPipelineFail   = "pipeline_fail"
)

// Response is the daemon-to-client tagged union.
type Response struct {
	Kind string `json:"kind"`

	Version int    `json:"version,omitempty"` // Hello
	Message string `json:"message,omitempty"` // Error

	UptimeSecs      int64 `json:"uptime_secs,omitempty"`      // Status
	PipelinesActive int   `json:"pipelines_active,omitempty"`
	SessionsActive  int   `json:"sessions_active,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"` // Query result
}

const (
	RespHello  = "hello"
	RespOk     = "ok"
	RespError  = "error"
	RespStatus = "status"
	RespQuery  = "query"
)

// ProtocolVersion is bumped whenever Request/Response shapes change
// incompatibly. A client seeing a mismatched Hello gracefully shuts the
// daemon down and restarts it rather than attempting to speak a version
// it doesn't understand.
const ProtocolVersion = 1

// bindSocket removes any stale socket file left by a prior crashed daemon
// and binds a fresh listener, then starts the accept loop in the
// background.
func (d *Daemon) bindSocket() error {
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("daemon: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: bind socket: %w", err)
	}
	d.listener = ln
	d.startedAt = time.Now()
	go d.acceptLoop()
	return nil
}

func (d *Daemon) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.shutdownCh:
				return
			default:
			}
			d.log.WithField("error", err.Error()).Warn("daemon: socket accept failed")
			continue
		}
		go d.serveConn(conn)
	}
}

// serveConn handles one client connection to completion: every frame on
// it is a request/response round trip, limited to SocketRate frames/sec
// with a SocketBurst allowance, each bounded by IPCTimeout.
func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()
	limiter := rate.NewLimiter(rate.Limit(d.cfg.SocketRate), d.cfg.SocketBurst)
	r := bufio.NewReader(conn)

	for {
		if err := limiter.Wait(context.Background()); err != nil {
			return
		}
		req, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			d.log.WithField("error", err.Error()).Warn("daemon: socket read failed")
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.IPCTimeout)
		resp := d.handleRequest(ctx, req)
		cancel()

		if err := writeFrame(conn, resp); err != nil {
			d.log.WithField("error", err.Error()).Warn("daemon: socket write failed")
			return
		}
		if req.Kind == ReqShutdown {
			return
		}
	}
}

func (d *Daemon) handleRequest(ctx context.Context, req Request) Response {
	switch req.Kind {
	case ReqHello:
		return Response{Kind: RespHello, Version: ProtocolVersion}

	case ReqStatus:
		st := d.store.State()
		active := 0
		for _, p := range st.Pipelines {
			if !p.IsTerminal() {
				active++
			}
		}
		sessionsActive := 0
		for _, s := range st.Sessions {
			if s.State != session.StateDead {
				sessionsActive++
			}
		}
		return Response{
			Kind:            RespStatus,
			UptimeSecs:      int64(time.Since(d.startedAt).Seconds()),
			PipelinesActive: active,
			SessionsActive:  sessionsActive,
		}

	case ReqShutdown:
		go func() {
			_ = d.Shutdown(context.Background())
		}()
		return Response{Kind: RespOk}

	case ReqEvent:
		if err := d.dispatchEvent(ctx, req.Event); err != nil {
			return Response{Kind: RespError, Message: err.Error()}
		}
		return Response{Kind: RespOk}

	case ReqQuery:
		payload, err := d.handleQuery(req.Query)
		if err != nil {
			return Response{Kind: RespError, Message: err.Error()}
		}
		return Response{Kind: RespQuery, Payload: payload}

	case ReqSessionSend:
		if err := d.engine.Executor.Sessions.Send(ctx, req.SessionID, req.Input); err != nil {
			return Response{Kind: RespError, Message: err.Error()}
		}
		return Response{Kind: RespOk}

	case ReqPipelineResume:
		if err := d.engine.ApplyPipeline(ctx, req.PipelineID, pipeline.Event{Kind: pipeline.EventUnblock}); err != nil {
			return Response{Kind: RespError, Message: err.Error()}
		}
		return Response{Kind: RespOk}

	case ReqPipelineFail:
		if err := d.engine.ApplyPipeline(ctx, req.PipelineID, pipeline.Event{Kind: pipeline.EventFail, Reason: req.Error}); err != nil {
			return Response{Kind: RespError, Message: err.Error()}
		}
		return Response{Kind: RespOk}

	default:
		return Response{Kind: RespError, Message: ojerrors.New(ojerrors.CodeSocketBadFrame, fmt.Sprintf("unknown request kind %q", req.Kind)).Error()}
	}
}

// dispatchEvent decodes the generic event.Event envelope and re-enters it
// through the same path adapter-produced events take, keyed by which
// entity namespace the EntityID belongs to.
func (d *Daemon) dispatchEvent(ctx context.Context, raw json.RawMessage) error {
	var envelope struct {
		EntityKind string          `json:"entity_kind"`
		EntityID   string          `json:"entity_id"`
		Event      json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("daemon: malformed event envelope: %w", err)
	}
	switch envelope.EntityKind {
	case "pipeline":
		var ev pipeline.Event
		if err := json.Unmarshal(envelope.Event, &ev); err != nil {
			return err
		}
		return d.engine.ApplyPipeline(ctx, envelope.EntityID, ev)
	case "session":
		var ev session.Event
		if err := json.Unmarshal(envelope.Event, &ev); err != nil {
			return err
		}
		return d.engine.ApplySession(ctx, envelope.EntityID, ev)
	default:
		return fmt.Errorf("daemon: unknown event entity kind %q", envelope.EntityKind)
	}
}

// handleQuery answers the small set of read-only lookups clients need for
// status displays; it deliberately does not expose the raw MaterializedState.
func (d *Daemon) handleQuery(query string) (json.RawMessage, error) {
	st := d.store.State()
	switch query {
	case "pipelines":
		return json.Marshal(st.Pipelines)
	case "sessions":
		return json.Marshal(st.Sessions)
	case "workspaces":
		return json.Marshal(st.Workspaces)
	case "queues":
		return json.Marshal(st.Queues)
	default:
		return nil, ojerrors.NotFound("query", query)
	}
}

// readFrame reads one length-prefixed JSON request: a 4-byte big-endian
// length followed by that many bytes of JSON.
func readFrame(r *bufio.Reader) (Request, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Request{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return Request{}, fmt.Errorf("daemon: malformed frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return Request{}, fmt.Errorf("daemon: malformed frame json: %w", err)
	}
	return req, nil
}

// writeFrame writes one length-prefixed JSON response.
func writeFrame(w io.Writer, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("daemon: response too large (%d bytes)", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}
