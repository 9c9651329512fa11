package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/bridge"
	"github.com/voxbridge/translate-gateway/internal/config"
	"github.com/voxbridge/translate-gateway/internal/observability"
	"github.com/voxbridge/translate-gateway/internal/translator"
	"github.com/voxbridge/translate-gateway/internal/tts"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin against Twilio's IP ranges
		// For now, allow all origins (development only)
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StreamHandler accepts Twilio Media Streams connections and runs one
// bridge per call. Shared across calls; per-call state lives on the
// bridge and the transport.
type StreamHandler struct {
	cfg      *config.Config
	registry *translator.Registry
	synth    tts.Synthesizer
	log      zerolog.Logger
}

// NewStreamHandler creates the shared WebSocket entry point.
func NewStreamHandler(cfg *config.Config, registry *translator.Registry, synth tts.Synthesizer) *StreamHandler {
	return &StreamHandler{
		cfg:      cfg,
		registry: registry,
		synth:    synth,
		log:      observability.GetLogger().With().Str("component", "telephony").Logger(),
	}
}

// HandleWS is the entry point for Twilio Media Streams connections.
func (h *StreamHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	transport := newTwilioTransport(conn)
	defer transport.Close()

	h.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Media stream connection established")
	h.serve(transport)
}

// serve runs the read loop for one connection. The bridge is created on
// the start event, once the stream and call identifiers are known.
func (h *StreamHandler) serve(transport *twilioTransport) {
	log := h.log
	var b *bridge.Bridge
	defer func() {
		transport.markClosed()
		if b != nil {
			b.Stop()
		}
	}()

	for {
		_, raw, err := transport.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Media stream read error")
			} else {
				log.Info().Msg("Media stream closed")
			}
			return
		}

		var msg TwilioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Error().Err(err).Msg("Failed to parse media stream message")
			continue
		}

		switch msg.Event {
		case "connected":
			log.Debug().Msg("Media stream handshake received")

		case "start":
			if msg.Start == nil {
				log.Warn().Msg("Start event without payload")
				continue
			}
			if b != nil {
				log.Warn().Str("stream_sid", msg.Start.StreamSid).Msg("Duplicate start event ignored")
				continue
			}

			transport.setStreamSID(msg.Start.StreamSid)
			callLog := observability.WithStream(msg.Start.CallSid, msg.Start.StreamSid)

			client := h.registry.Client(h.translatorConfig(msg.Start.CustomParameters))
			b = bridge.New(h.cfg, transport, client, h.synth, callLog)
			b.Start()

			log = callLog
			log.Info().
				Str("account_sid", msg.Start.AccountSid).
				Strs("tracks", msg.Start.Tracks).
				Msg("Call started")

		case "media":
			if b == nil || msg.Media == nil {
				continue
			}
			payload := msg.Media.Payload
			if payload == "" {
				payload = msg.Media.Chunk
			}
			data, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to decode media payload")
				continue
			}
			b.HandleInboundAudio(data, msg.Media.Track)

		case "mark":
			if msg.Mark != nil {
				log.Debug().Str("name", msg.Mark.Name).Msg("Playback marker acknowledged")
			}

		case "stop":
			log.Info().Msg("Call stopped")
			return

		default:
			log.Debug().Str("event", msg.Event).Msg("Ignoring media stream event")
		}
	}
}

// translatorConfig derives the backend configuration for one call. The
// caller can override the language pair through Twilio custom parameters.
func (h *StreamHandler) translatorConfig(params map[string]interface{}) translator.Config {
	cfg := translator.Config{
		APIKey:     h.cfg.OpenAIAPIKey,
		URL:        h.cfg.RealtimeURL,
		Model:      h.cfg.RealtimeModel,
		Voice:      h.cfg.Voice,
		SourceLang: h.cfg.SourceLanguage,
		TargetLang: h.cfg.TargetLanguage,
	}
	if v, ok := params["source_lang"].(string); ok && v != "" {
		cfg.SourceLang = v
	}
	if v, ok := params["target_lang"].(string); ok && v != "" {
		cfg.TargetLang = v
	}
	return cfg
}

// twilioTransport adapts one media-stream WebSocket to the frame
// transport the bridge writes to. Gorilla permits a single concurrent
// writer, so all outbound messages serialize on writeMu.
type twilioTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.RWMutex
	streamSID string
	closed    bool
}

func newTwilioTransport(conn *websocket.Conn) *twilioTransport {
	return &twilioTransport{conn: conn}
}

// StreamSID returns the stream identifier, empty until start arrives.
func (t *twilioTransport) StreamSID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.streamSID
}

func (t *twilioTransport) setStreamSID(sid string) {
	t.mu.Lock()
	t.streamSID = sid
	t.mu.Unlock()
}

// Connected reports whether the socket can still be written to.
func (t *twilioTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed
}

func (t *twilioTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

// SendMedia writes one PCMU frame as a base64 media message.
func (t *twilioTransport) SendMedia(frame []byte) error {
	sid, err := t.writableStream()
	if err != nil {
		return err
	}
	return t.writeJSON(outboundMedia{
		Event:     "media",
		StreamSid: sid,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
	})
}

// SendMark emits a named playback marker. Twilio echoes it back once
// buffered audio up to this point has been played.
func (t *twilioTransport) SendMark(name string) error {
	sid, err := t.writableStream()
	if err != nil {
		return err
	}
	return t.writeJSON(outboundMark{
		Event:     "mark",
		StreamSid: sid,
		Mark:      markPayload{Name: name},
	})
}

// SendClear asks Twilio to discard audio it has buffered but not yet
// played. Used on barge-in.
func (t *twilioTransport) SendClear() error {
	sid, err := t.writableStream()
	if err != nil {
		return err
	}
	return t.writeJSON(outboundClear{
		Event:     "clear",
		StreamSid: sid,
	})
}

func (t *twilioTransport) writableStream() (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return "", fmt.Errorf("media stream closed")
	}
	if t.streamSID == "" {
		return "", fmt.Errorf("media stream not started")
	}
	return t.streamSID, nil
}

func (t *twilioTransport) writeJSON(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

// Close marks the transport dead and closes the socket. Safe to call
// more than once.
func (t *twilioTransport) Close() error {
	t.markClosed()
	return t.conn.Close()
}
