// Package tts implements the single-upstream TTS downlink manager: one
// connection to the TTS service, speaking as an "agent_server" peer,
// multiplexed by target_client_id.
package tts

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/telemetry"
)

const connectTimeout = 10 * time.Second

// Manager owns the one upstream connection to the TTS service.
type Manager struct {
	baseURL string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewManager returns a Manager for the given TTS base URL; the connection
// is opened lazily on first use.
func NewManager(baseURL string) *Manager {
	return &Manager{baseURL: baseURL}
}

// EnsureConnected is idempotent: connects as an agent_server peer with
// format=binary if not already connected.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	endpoint, err := buildHandshakeURL(m.baseURL)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTTSConnect, err)
	}

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrTTSConnect, endpoint, err)
	}
	telemetry.TtsConnectDuration.Observe(time.Since(start).Seconds())

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return nil
}

func buildHandshakeURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("type", "agent_server")
	q.Set("format", "binary")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendTextChunk forwards a generated delta to target_client_id. An empty
// chunk with final=true requests a flush of any buffered partial
// sentence.
func (m *Manager) SendTextChunk(ctx context.Context, targetClientID domain.ClientID, chunk string, final bool) error {
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	telemetry.TtsChunksSentTotal.Inc()
	return m.send(protocol.TtsTextChunkUpstream{
		Type:           "tts_text_chunk",
		TargetClientID: string(targetClientID),
		Chunk:          chunk,
		Final:          final,
	})
}

// StopGeneration requests TTS stop playback for clientID. Safe to call
// concurrently and repeatedly.
func (m *Manager) StopGeneration(ctx context.Context, clientID domain.ClientID) error {
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	return m.send(protocol.TtsStopGenerationUpstream{Type: "stop_generation", ClientID: string(clientID)})
}

// ConfigureClient sends voice/speed configuration when at least one field
// is supplied.
func (m *Manager) ConfigureClient(ctx context.Context, clientID domain.ClientID, voice string, speed *float64) error {
	if voice == "" && speed == nil {
		return nil
	}
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	return m.send(protocol.TtsConfigureClientUpstream{
		Type:     "tts_configure_client",
		ClientID: string(clientID),
		Voice:    voice,
		Speed:    speed,
	})
}

func (m *Manager) send(v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", domain.ErrTTSConnect)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close tears down the upstream connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
