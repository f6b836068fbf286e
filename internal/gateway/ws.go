package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/telemetry"
)

// readContextTimeout bounds how long one inbound message's handling may
// run once detached from the connection's own lifetime, so a client
// disconnect mid-request doesn't abort the work in progress.
const readContextTimeout = 5 * time.Minute

// WSHandler upgrades browser connections and drives each one's event
// loop: decode an Envelope, validate its fields, dispatch to the owning
// subsystem.
type WSHandler struct {
	hub            *Hub
	upgrader       websocket.Upgrader
	allowedOrigins []string
}

// NewWSHandler returns a handler that accepts any origin when
// allowedOrigins is empty (or contains "*").
func NewWSHandler(hub *Hub, allowedOrigins []string) *WSHandler {
	h := &WSHandler{hub: hub, allowedOrigins: allowedOrigins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sid := domain.NewSessionID()
	sess := h.hub.sessions.Connect(sid)
	h.hub.register(sid, conn)
	telemetry.WSConnectionsActive.Inc()
	slog.Info("gateway: session connected", "session_id", sid)

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.hub.sessions.Disconnect(ctx, sid)
		h.hub.cleanupClientIndices(sid)
		h.hub.unregister(sid)
		telemetry.WSConnectionsActive.Dec()
		slog.Info("gateway: session disconnected", "session_id", sid)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("gateway: read error", "session_id", sid, "error", err)
			}
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			h.hub.sendError(sid, "BAD_REQUEST", "malformed envelope")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), readContextTimeout)
		h.dispatch(ctx, sid, sess, env)
		cancel()
	}
}

func (h *WSHandler) dispatch(ctx context.Context, sid domain.SessionID, sess interface {
	Interrupt(context.Context)
}, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeChat:
		h.handleChat(ctx, sid, env)
	case protocol.TypeInterrupt:
		sess.Interrupt(ctx)
		h.hub.Interrupted(sid, "")
	case protocol.TypeJoinSTT:
		h.handleJoinSTT(ctx, sid, env)
	case protocol.TypeLeaveSTT:
		h.handleLeaveSTT(sid, env)
	case protocol.TypeJoinTTS:
		h.handleJoinTTS(ctx, sid, env)
	case protocol.TypeLeaveTTS:
		h.handleLeaveTTS(sid, env)
	default:
		h.hub.sendError(sid, "BAD_REQUEST", "unrecognized message type")
	}
}

func (h *WSHandler) resolvePreset(agent string) (*domain.AgentPreset, bool) {
	name := strings.ToLower(strings.TrimSpace(agent))
	preset, ok := h.hub.presets[name]
	return preset, ok
}

func (h *WSHandler) handleChat(ctx context.Context, sid domain.SessionID, env *protocol.Envelope) {
	chat, err := protocol.DecodeBody[protocol.Chat](env)
	if err != nil {
		h.hub.sendError(sid, "BAD_REQUEST", "malformed chat payload")
		return
	}

	if strings.TrimSpace(chat.Agent) == "" {
		h.hub.sendError(sid, "MISSING_PARAMS", "agent is required")
		return
	}
	preset, ok := h.resolvePreset(chat.Agent)
	if !ok {
		h.hub.sendError(sid, "AGENT_INVALID", "unknown agent: "+chat.Agent)
		return
	}
	if strings.TrimSpace(chat.Text) == "" {
		h.hub.sendError(sid, "EMPTY", "text is empty")
		return
	}

	memMode := domain.MemoryPolicy(strings.TrimSpace(chat.MemMode))
	switch memMode {
	case "", domain.MemoryNone, domain.MemoryThreadWindow:
	default:
		h.hub.sendError(sid, "MEM_UNKNOWN", "unknown memory mode: "+chat.MemMode)
		return
	}
	effective := memMode
	if effective == "" {
		effective = preset.MemoryPolicy
	}
	if effective == domain.MemoryThreadWindow && chat.ThreadID == "" {
		h.hub.sendError(sid, "MEM_THREAD_REQUIRED", "thread_id is required for thread_window memory")
		return
	}

	sess, ok := h.hub.sessions.Get(sid)
	if !ok {
		h.hub.sendError(sid, "NO_SESSION", "session not found")
		return
	}

	if h.hub.router != nil {
		h.hub.router.Dispatch(context.Background(), sid, chat.Text)
	}

	go func() {
		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := h.hub.orchestrator.Run(runCtx, sess, sid, chat.Text, preset, memMode, domain.ThreadID(chat.ThreadID)); err != nil {
			h.hub.sendError(sid, codeForRunError(err), err.Error())
		}
	}()
}

func (h *WSHandler) handleJoinSTT(ctx context.Context, sid domain.SessionID, env *protocol.Envelope) {
	join, err := protocol.DecodeBody[protocol.JoinSTT](env)
	if err != nil {
		h.hub.sendError(sid, "BAD_REQUEST", "malformed join_stt payload")
		return
	}
	if join.SttURL == "" || join.ClientID == "" {
		h.hub.sendError(sid, "MISSING_PARAMS", "stt_url and client_id are required")
		return
	}
	preset, ok := h.resolvePreset(join.Agent)
	if !ok {
		h.hub.sendError(sid, "AGENT_INVALID", "unknown agent: "+join.Agent)
		return
	}
	if preset.MemoryPolicy == domain.MemoryThreadWindow && join.ThreadID == "" {
		h.hub.sendError(sid, "THREAD_REQUIRED", "thread_id is required for this agent")
		return
	}

	clientID := domain.ClientID(join.ClientID)
	h.hub.clientIndex.Store(clientID, domain.SttSubscription{
		ClientID: clientID,
		SID:      sid,
		Agent:    strings.ToLower(strings.TrimSpace(join.Agent)),
		ThreadID: domain.ThreadID(join.ThreadID),
		SttURL:   join.SttURL,
	})

	if err := h.hub.stt.Subscribe(ctx, join.SttURL, clientID); err != nil {
		h.hub.clientIndex.Delete(clientID)
		h.hub.sendError(sid, "STT_CONNECT", err.Error())
		return
	}

	h.hub.sendEnvelope(sid, protocol.TypeSTTSubscribed, protocol.STTSubscribed{
		ClientID: join.ClientID,
		SttURL:   join.SttURL,
		Agent:    join.Agent,
	})
}

func (h *WSHandler) handleLeaveSTT(sid domain.SessionID, env *protocol.Envelope) {
	leave, err := protocol.DecodeBody[protocol.LeaveSTT](env)
	if err != nil {
		h.hub.sendError(sid, "BAD_REQUEST", "malformed leave_stt payload")
		return
	}
	if leave.ClientID == "" {
		h.hub.sendError(sid, "MISSING_PARAMS", "client_id is required")
		return
	}
	clientID := domain.ClientID(leave.ClientID)
	if sub, ok := h.hub.clientIndex.Load(clientID); ok {
		h.hub.clientIndex.Delete(clientID)
		h.hub.stt.Unsubscribe(sub.SttURL, clientID)
	}
	h.hub.sendEnvelope(sid, protocol.TypeSTTUnsubscribed, protocol.STTUnsubscribed{ClientID: leave.ClientID})
}

func (h *WSHandler) handleJoinTTS(ctx context.Context, sid domain.SessionID, env *protocol.Envelope) {
	join, err := protocol.DecodeBody[protocol.JoinTTS](env)
	if err != nil {
		h.hub.sendError(sid, "BAD_REQUEST", "malformed join_tts payload")
		return
	}
	if join.ClientID == "" {
		h.hub.sendError(sid, "MISSING_PARAMS", "client_id is required")
		return
	}

	clientID := domain.ClientID(join.ClientID)
	speed := 0.0
	if join.Speed != nil {
		speed = *join.Speed
	}
	h.hub.ttsIndex.Store(clientID, domain.TtsBinding{
		ClientID: clientID,
		SID:      sid,
		Voice:    join.Voice,
		Speed:    speed,
	})

	if err := h.hub.tts.ConfigureClient(ctx, clientID, join.Voice, join.Speed); err != nil {
		h.hub.ttsIndex.Delete(clientID)
		h.hub.sendError(sid, "", err.Error())
		return
	}

	h.hub.sendEnvelope(sid, protocol.TypeTTSSubscribed, protocol.TTSSubscribed{ClientID: join.ClientID})
}

func (h *WSHandler) handleLeaveTTS(sid domain.SessionID, env *protocol.Envelope) {
	leave, err := protocol.DecodeBody[protocol.LeaveTTS](env)
	if err != nil {
		h.hub.sendError(sid, "BAD_REQUEST", "malformed leave_tts payload")
		return
	}
	if leave.ClientID == "" {
		h.hub.sendError(sid, "MISSING_PARAMS", "client_id is required")
		return
	}
	h.hub.ttsIndex.Delete(domain.ClientID(leave.ClientID))
	h.hub.sendEnvelope(sid, protocol.TypeTTSUnsubscribed, protocol.TTSUnsubscribed{ClientID: leave.ClientID})
}

// codeForRunError maps an Orchestrator.Run error to a client-facing error
// code. Validation-class errors are normally rejected before the
// orchestrator is ever invoked; this mapping is the defensive fallback
// for errors that only the orchestrator itself can detect (e.g. a
// transcript-driven run whose preset's memory_policy is malformed).
func codeForRunError(err error) string {
	switch {
	case errors.Is(err, domain.ErrBusy):
		return "BUSY"
	case errors.Is(err, domain.ErrEngineUnavailable):
		return "ENGINE_INIT"
	case errors.Is(err, domain.ErrBadConfig):
		return "MEM_UNKNOWN"
	default:
		return ""
	}
}
