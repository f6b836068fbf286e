// Package stt implements the multiplexed STT uplink manager: one upstream
// connection per URL, shared across many logical client_id subscriptions,
// surviving reconnection.
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/protocol"
	"github.com/logus2k/agent-gateway/internal/telemetry"
	"github.com/logus2k/agent-gateway/shared/backoff"
)

// connectTimeout bounds a single connection attempt.
const connectTimeout = 10 * time.Second

// TranscriptHandler is invoked for every incoming transcription, with the
// owning client_id, the transcribed text, its duration, and the source
// link's URL.
type TranscriptHandler func(clientID domain.ClientID, text string, duration float64, sttURL string)

// Link owns one upstream STT connection and the set of client_id rooms it
// is asked to stay subscribed to.
type Link struct {
	url     string
	handler TranscriptHandler

	mu          sync.Mutex
	conn        *websocket.Conn
	wantedRooms map[domain.ClientID]struct{}
	connected   bool
	closed      bool
}

func newLink(url string, handler TranscriptHandler) *Link {
	return &Link{
		url:         url,
		handler:     handler,
		wantedRooms: make(map[domain.ClientID]struct{}),
	}
}

// EnsureConnected is idempotent: returns immediately if already connected,
// otherwise dials and starts the read loop. Guarded by the link's own
// mutex, serialising connect and wanted-set mutation.
func (l *Link) EnsureConnected(ctx context.Context) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return nil
	}

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, l.url, nil)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", domain.ErrSTTConnect, l.url, err)
	}
	telemetry.SttConnectDuration.Observe(time.Since(start).Seconds())

	l.conn = conn
	l.connected = true
	wanted := make([]domain.ClientID, 0, len(l.wantedRooms))
	for cid := range l.wantedRooms {
		wanted = append(wanted, cid)
	}
	l.mu.Unlock()

	// Re-subscribe every wanted room before the link is considered ready.
	for _, cid := range wanted {
		if err := l.sendSubscribe(cid); err != nil {
			slog.Warn("stt resubscribe failed", "client_id", cid, "url", l.url, "error", err)
		}
	}

	go l.readLoop(conn)
	return nil
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.mu.Lock()
			l.connected = false
			closed := l.closed
			l.mu.Unlock()
			if !closed {
				slog.Warn("stt link disconnected", "url", l.url, "error", err)
				l.reconnectLoop()
			}
			return
		}

		var msg protocol.SttTranscriptionUpstream
		if err := msgpack.Unmarshal(data, &msg); err != nil {
			continue
		}
		telemetry.SttMessagesTotal.WithLabelValues("transcription").Inc()
		if msg.Text != "" && msg.ClientID != "" {
			l.handler(domain.ClientID(msg.ClientID), msg.Text, msg.Duration, l.url)
		}
	}
}

func (l *Link) reconnectLoop() {
	err := backoff.RetryWithCallback(context.Background(), backoff.Quick,
		func(ctx context.Context, attempt int) error {
			return l.EnsureConnected(ctx)
		},
		func(attempt int, err error, delay time.Duration) {
			slog.Warn("stt link reconnect attempt failed", "url", l.url, "attempt", attempt, "error", err, "retry_in", delay)
		})
	if err != nil {
		slog.Error("stt link reconnect exhausted", "url", l.url, "error", err)
	}
}

// Subscribe marks clientID as wanted and, once connected, sends
// subscribe_transcripts. Idempotent: repeated subscribes for the same id
// are a no-op beyond re-asserting membership in the wanted set.
func (l *Link) Subscribe(ctx context.Context, clientID domain.ClientID) error {
	if err := l.EnsureConnected(ctx); err != nil {
		return err
	}
	l.mu.Lock()
	l.wantedRooms[clientID] = struct{}{}
	l.mu.Unlock()
	return l.sendSubscribe(clientID)
}

// Unsubscribe removes clientID from the wanted set and, if still
// connected, sends unsubscribe_transcripts.
func (l *Link) Unsubscribe(clientID domain.ClientID) {
	l.mu.Lock()
	delete(l.wantedRooms, clientID)
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()

	if !connected || conn == nil {
		return
	}
	msg := protocol.SttSubscribeUpstream{Type: "unsubscribe_transcripts", ClientID: string(clientID)}
	if err := l.send(conn, msg); err != nil {
		slog.Warn("stt unsubscribe failed", "client_id", clientID, "url", l.url, "error", err)
	}
}

func (l *Link) sendSubscribe(clientID domain.ClientID) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: %s", domain.ErrSTTSubscribe, l.url)
	}
	msg := protocol.SttSubscribeUpstream{Type: "subscribe_transcripts", ClientID: string(clientID)}
	if err := l.send(conn, msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrSTTSubscribe, err)
	}
	return nil
}

func (l *Link) send(conn *websocket.Conn, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close terminates the link and prevents further reconnection attempts.
func (l *Link) Close() {
	l.mu.Lock()
	l.closed = true
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Manager holds one Link per upstream URL.
type Manager struct {
	handler TranscriptHandler

	mu    sync.Mutex
	links map[string]*Link
}

// NewManager builds a Manager that dispatches incoming transcripts to
// handler.
func NewManager(handler TranscriptHandler) *Manager {
	return &Manager{handler: handler, links: make(map[string]*Link)}
}

func (m *Manager) ensure(url string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[url]
	if !ok {
		l = newLink(url, m.handler)
		m.links[url] = l
	}
	return l
}

// Subscribe ensures the link for url is connected and subscribes clientID.
func (m *Manager) Subscribe(ctx context.Context, url string, clientID domain.ClientID) error {
	return m.ensure(url).Subscribe(ctx, clientID)
}

// Unsubscribe removes clientID from url's wanted set.
func (m *Manager) Unsubscribe(url string, clientID domain.ClientID) {
	m.ensure(url).Unsubscribe(clientID)
}

// Close shuts down every link.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.links {
		l.Close()
	}
}
