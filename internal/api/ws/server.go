// Package ws is the WebSocket transport for streaming transcription. It
// upgrades connections, assembles a session per client and pumps inbound
// frames through it.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/davidbmar/nvidia-parakeet/internal/config"
	"github.com/davidbmar/nvidia-parakeet/internal/events"
	"github.com/davidbmar/nvidia-parakeet/internal/models"
	"github.com/davidbmar/nvidia-parakeet/internal/observability/metrics"
	"github.com/davidbmar/nvidia-parakeet/internal/service/asr"
	"github.com/davidbmar/nvidia-parakeet/internal/service/audio"
	"github.com/davidbmar/nvidia-parakeet/internal/service/transcription"
	"github.com/davidbmar/nvidia-parakeet/internal/service/vad"
	"github.com/davidbmar/nvidia-parakeet/internal/session"
)

// ProtocolVersion is advertised in the connection welcome event.
const ProtocolVersion = "1.0"

const readDeadline = 120 * time.Second

// Manager accepts WebSocket connections and runs one session per client.
// Each connection is served by its own goroutine; frames within a connection
// are processed strictly sequentially.
type Manager struct {
	cfg       *config.Configuration
	engine    asr.Engine
	publisher *events.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string]connInfo
}

type connInfo struct {
	remoteAddr  string
	connectedAt time.Time
}

// ClientStatus describes one active connection, for the status endpoint.
type ClientStatus struct {
	ClientID    string    `json:"client_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// NewManager creates a connection manager around the shared inference engine
// and publisher.
func NewManager(cfg *config.Configuration, engine asr.Engine, publisher *events.Publisher, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		engine:    engine,
		publisher: publisher,
		metrics:   m,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browser clients connect from arbitrary origins; auth is
				// handled upstream.
				return true
			},
		},
		conns: make(map[string]connInfo),
	}
}

// ServeHTTP upgrades the request and serves the connection until the client
// disconnects or the transport fails.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	m.handleConnection(conn, clientID, r.RemoteAddr)
}

func (m *Manager) handleConnection(conn *websocket.Conn, clientID, remoteAddr string) {
	defer conn.Close()

	start := time.Now()
	log := m.log.With().Str("clientId", clientID).Str("remote", remoteAddr).Logger()
	log.Info().Msg("WebSocket connection established")

	m.register(clientID, remoteAddr)
	m.metrics.RecordConnectionStart()
	defer func() {
		m.unregister(clientID)
		m.metrics.RecordConnectionEnd(time.Since(start).Seconds())
	}()

	sink := &connSink{conn: conn}
	sess := m.newSession(clientID, sink, log)
	defer sess.Close()

	welcome := models.TranscriptionEvent{
		Type:             models.EventConnection,
		Status:           "connected",
		ClientID:         clientID,
		Message:          "ready to receive audio",
		ProtocolVersion:  ProtocolVersion,
		SupportedFormats: models.SupportedFormats(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := sink.Send(welcome); err != nil {
		log.Warn().Err(err).Msg("failed to send welcome event")
		return
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	ctx := context.Background()
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("WebSocket read error")
			} else {
				log.Info().Msg("WebSocket connection closed")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		switch messageType {
		case websocket.TextMessage:
			sess.HandleControl(ctx, data)
		case websocket.BinaryMessage:
			sess.HandleAudio(ctx, data)
		}
	}
}

// newSession builds the per-connection segmenter, stream and session from the
// service configuration.
func (m *Manager) newSession(clientID string, sink session.Sink, log zerolog.Logger) *session.Session {
	opts := audio.Options{
		TargetSampleRate:   m.cfg.Audio.TargetSampleRate,
		ChunkDuration:      m.cfg.Audio.ChunkDuration,
		VADThreshold:       m.cfg.Audio.VADThreshold,
		SilenceDuration:    m.cfg.Audio.SilenceDuration,
		MaxSegmentDuration: m.cfg.Audio.MaxSegmentDuration,
	}
	if m.cfg.Audio.VADBackend == "webrtc" {
		detector, err := vad.NewWebRTC(m.cfg.Audio.TargetSampleRate, m.cfg.Audio.VADMode)
		if err != nil {
			log.Warn().Err(err).Msg("webrtc VAD unavailable, falling back to energy detector")
		} else {
			opts.Detector = detector
		}
	}

	seg := audio.NewSegmenter(opts)
	stream := transcription.New(m.engine, m.cfg.Engine.Timeout)

	return session.New(clientID, seg, stream, sink, m.publisher, m.metrics, log, session.Options{
		SampleRate:       m.cfg.Audio.TargetSampleRate,
		Format:           audio.FormatPCM16,
		PartialThreshold: m.cfg.Audio.PartialThreshold,
		PartialInterval:  m.cfg.Audio.PartialInterval,
		EngineName:       m.cfg.Engine.Provider,
	})
}

func (m *Manager) register(clientID, remoteAddr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[clientID] = connInfo{remoteAddr: remoteAddr, connectedAt: time.Now()}
}

func (m *Manager) unregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, clientID)
}

// ActiveConnections returns the number of connected clients.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Status returns a snapshot of the connected clients.
func (m *Manager) Status() []ClientStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientStatus, 0, len(m.conns))
	for id, info := range m.conns {
		out = append(out, ClientStatus{
			ClientID:    id,
			RemoteAddr:  info.remoteAddr,
			ConnectedAt: info.connectedAt,
		})
	}
	return out
}

// connSink serializes event writes onto the WebSocket connection. The session
// goroutine is the usual writer; the mutex guards against control frames from
// the ping handler interleaving with event writes.
type connSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *connSink) Send(ev models.TranscriptionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}
