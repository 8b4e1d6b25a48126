package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentflow-dev/agentflow/engine"
	"github.com/agentflow-dev/agentflow/event"
	"github.com/agentflow-dev/agentflow/store"
)

// ExecutionEvents handles GET /ws/executions/:id: the WebSocket bridge
// between the event bus and a client.
//
// If the execution is already terminal at connect time the bridge sends
// a synthetic execution_completed built from the stored record and
// closes. Otherwise it relays bus messages verbatim and closes after
// forwarding execution_completed. Subscription happens before the
// terminal re-check so an execution finishing during the handshake
// cannot slip between the two.
func (s *Server) ExecutionEvents(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := s.store.GetExecution(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abortError(c, http.StatusNotFound, CodeNotFound, "execution not found", nil)
			return
		}
		s.log.Error("failed to load execution", "execution_id", id, "error", err)
		abortError(c, http.StatusInternalServerError, CodeInternal, "failed to load execution", nil)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "execution_id", id, "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusInternalError, "bridge terminated") }()

	// Reads are drained only to learn about client-side closes.
	ctx = conn.CloseRead(ctx)

	messages, unsubscribe := s.bus.Subscribe(event.Channel(id))
	defer unsubscribe()

	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		s.log.Error("failed to reload execution", "execution_id", id, "error", err)
		return
	}
	if store.TerminalStatus(exec.Status) {
		s.sendTerminalSnapshot(ctx, conn, exec)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
			if eventType(payload) == event.TypeExecutionCompleted {
				_ = conn.Close(websocket.StatusNormalClosure, "execution finished")
				return
			}
		}
	}
}

// sendTerminalSnapshot fabricates execution_completed for observers
// that connect after the execution already finished.
func (s *Server) sendTerminalSnapshot(ctx context.Context, conn *websocket.Conn, exec *store.Execution) {
	runs, err := s.store.ListAgentRuns(ctx, exec.ID)
	if err != nil {
		s.log.Error("failed to list agent runs for snapshot", "execution_id", exec.ID, "error", err)
		return
	}
	ev, err := engine.SynthesizeTerminalEvent(exec, runs)
	if err != nil {
		s.log.Error("failed to synthesize terminal event", "execution_id", exec.ID, "error", err)
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "execution finished")
}

// eventType peeks at a relayed message's type without decoding the
// whole event.
func eventType(payload []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return ""
	}
	return head.Type
}
