// Package gateway serves the client-facing voice WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mimirai/voice-gateway/internal/conversation"
	"github.com/mimirai/voice-gateway/internal/observability"
	"github.com/mimirai/voice-gateway/internal/stt"
	"github.com/mimirai/voice-gateway/internal/tts"
	"github.com/mimirai/voice-gateway/internal/tutor"
	"github.com/mimirai/voice-gateway/internal/voice"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 5 * time.Minute
	maxMessageBytes     = 1 << 20
	closeTimeout        = 5 * time.Second
)

// Client control message types
const (
	ControlTextInput = "text_input"
	ControlReset     = "reset"
	ControlPing      = "ping"
)

// ControlMessage is a JSON text frame sent by the client
type ControlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Options configures a Handler
type Options struct {
	// WriteTimeout bounds each frame written to the client
	WriteTimeout time.Duration

	// ReadTimeout closes connections that send nothing for this long
	ReadTimeout time.Duration

	// SampleRate is announced to the client in session_started
	SampleRate int

	// MaxHistory bounds each connection's tutor history
	MaxHistory int
}

// Handler upgrades /ws/voice requests and runs one voice session per connection
type Handler struct {
	manager  *voice.Manager
	stt      stt.Provider
	tts      tts.Provider
	llm      tutor.LLM
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[*connection]struct{}
}

// NewHandler creates the WebSocket handler. The providers are shared by all sessions.
func NewHandler(manager *voice.Manager, sttProvider stt.Provider, ttsProvider tts.Provider, model tutor.LLM, opts Options) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	return &Handler{
		manager: manager,
		stt:     sttProvider,
		tts:     ttsProvider,
		llm:     model,
		opts:    opts,
		upgrader: websocket.Upgrader{
			// Any origin; clients authenticate upstream
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.GetLogger().With().Str("component", "gateway").Logger(),
		conns:  make(map[*connection]struct{}),
	}
}

// CloseAll sends a going-away close frame to every open connection and
// waits for their sessions to shut down, bounded by ctx.
func (h *Handler) CloseAll(ctx context.Context) {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.transport.close(websocket.CloseGoingAway, "server shutting down")
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Warn().Msg("Timed out waiting for voice connections to close")
	}
	h.logger.Info().Int("count", len(conns)).Msg("Closed voice connections")
}

// Connections returns the number of open client connections
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) track(c *connection) func() {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	userID := strings.TrimSpace(query.Get("user_id"))
	instanceID := strings.TrimSpace(query.Get("instance_id"))
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if instanceID == "" {
		instanceID = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		observability.RecordError("ws_upgrade", "gateway")
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()
	defer conn.Close()

	conn.SetReadLimit(maxMessageBytes)
	transport := newWSTransport(conn, h.opts.WriteTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := h.manager.CreateSession(ctx, userID, instanceID, transport, h.stt, h.tts)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to create voice session")
		transport.SendJSON(map[string]any{"type": voice.MsgError, "error": "speech recognition unavailable"})
		transport.close(websocket.CloseInternalServerErr, "session unavailable")
		return
	}

	c := &connection{
		handler:   h,
		conn:      conn,
		transport: transport,
		session:   session,
		responder: tutor.NewResponder(h.llm, tutor.Options{MaxHistory: h.opts.MaxHistory}),
		turns:     make(chan turn, 1),
		logger:    session.Logger().With().Str("component", "gateway").Logger(),
	}
	session.OnStateEnter(conversation.StateProcessing, c.queueTurn)
	defer h.track(c)()

	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		defer closeCancel()
		h.manager.CloseSession(closeCtx, session.ID())
	}()

	if err := session.Send(voice.MsgSessionStarted, map[string]any{
		"user_id":     userID,
		"instance_id": instanceID,
		"sample_rate": h.opts.SampleRate,
	}); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send session_started")
		return
	}

	responderDone := make(chan struct{})
	go func() {
		defer close(responderDone)
		c.respondLoop(ctx)
	}()

	c.readLoop(ctx)

	cancel()
	<-responderDone
	c.logger.Info().Msg("Voice connection closed")
}

// turn is an utterance handed to the responder
type turn struct {
	utterance string
	seq       uint64
}

type connection struct {
	handler   *Handler
	conn      *websocket.Conn
	transport *wsTransport
	session   *voice.Session
	responder *tutor.Responder
	turns     chan turn
	logger    zerolog.Logger
}

// queueTurn runs under the state machine's transition lock: it must not block
func (c *connection) queueTurn(_ string, from, _ conversation.State, metadata map[string]any) {
	// Processing -> Processing does not start a new turn
	if from == conversation.StateProcessing {
		return
	}
	utterance, _ := metadata["utterance"].(string)
	c.enqueue(turn{utterance: utterance, seq: c.session.Turn()})
}

// enqueue hands t to the responder without blocking, replacing a turn that is still waiting
func (c *connection) enqueue(t turn) {
	select {
	case c.turns <- t:
		return
	default:
	}

	select {
	case <-c.turns:
	default:
	}
	select {
	case c.turns <- t:
	default:
		c.logger.Warn().Str("utterance", t.utterance).Msg("Dropped utterance, responder busy")
	}
}

func (c *connection) respondLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.turns:
			if t.seq != c.session.Turn() {
				c.logger.Debug().Uint64("turn", t.seq).Msg("Skipping superseded turn")
				continue
			}
			c.session.ClearCurrentUtterance()

			err := c.responder.Respond(ctx, c.session, t.utterance)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled), errors.Is(err, voice.ErrSessionInactive):
				return
			default:
				c.logger.Warn().Err(err).Msg("Tutor reply failed")
			}
		}
	}
}

func (c *connection) readLoop(ctx context.Context) {
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.handler.opts.ReadTimeout))

		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := c.session.HandleAudioChunk(ctx, data); err != nil {
				if errors.Is(err, voice.ErrSessionInactive) {
					return
				}
				c.logger.Debug().Err(err).Msg("Failed to forward audio")
			}

		case websocket.TextMessage:
			if !c.handleControl(data) {
				return
			}
		}
	}
}

// handleControl applies one control message. It returns false once the
// session can no longer talk to the client.
func (c *connection) handleControl(data []byte) bool {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.reply(voice.MsgError, map[string]any{"error": "invalid control message"})
	}

	switch msg.Type {
	case ControlTextInput:
		if !c.session.SubmitText(msg.Text) {
			return c.reply(voice.MsgError, map[string]any{
				"error": "text input not accepted in state " + c.session.State().String(),
			})
		}

	case ControlReset:
		if !c.session.Recover() {
			c.logger.Debug().Str("state", c.session.State().String()).Msg("Reset ignored")
		}

	case ControlPing:
		return c.reply(voice.MsgPong, nil)

	default:
		return c.reply(voice.MsgError, map[string]any{"error": "unknown message type " + msg.Type})
	}
	return c.session.IsActive()
}

func (c *connection) reply(msgType string, fields map[string]any) bool {
	return c.session.Send(msgType, fields) == nil
}
