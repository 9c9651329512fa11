package translator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/observability"
)

// ErrSessionClosed is returned when sending on a session that has been closed.
var ErrSessionClosed = errors.New("translator: session closed")

const eventBufferSize = 64

// Config carries the settings for one backend credential and model pair.
type Config struct {
	APIKey     string
	URL        string // base websocket URL, e.g. wss://api.openai.com/v1/realtime
	Model      string
	Voice      string
	SourceLang string // language the caller speaks
	TargetLang string // language spoken back to the caller
}

// Client dials translation sessions against a single backend configuration.
// A Client is safe for concurrent use; every Connect returns its own Session.
type Client struct {
	cfg  Config
	dial dialFunc
	log  zerolog.Logger
}

type dialFunc func(ctx context.Context, urlStr string, header http.Header) (wireConn, error)

// wireConn is the subset of *websocket.Conn the session needs.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// NewClient creates a client for the given backend configuration.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		dial: gorillaDial,
		log:  observability.GetLogger().With().Str("component", "translator").Logger(),
	}
}

func gorillaDial(ctx context.Context, urlStr string, header http.Header) (wireConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial translation backend: %w (status %s)", err, resp.Status)
		}
		return nil, fmt.Errorf("dial translation backend: %w", err)
	}
	return conn, nil
}

// Connect dials the backend, configures the session for speech translation
// and starts the read loop. The returned Session is ready to receive audio.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	endpoint, err := sessionEndpoint(c.cfg.URL, c.cfg.Model)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, err := c.dial(ctx, endpoint, header)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:   conn,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		log:    c.log,
	}

	if err := s.configure(c.cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure session: %w", err)
	}

	go s.readLoop()

	c.log.Info().
		Str("model", c.cfg.Model).
		Str("source", c.cfg.SourceLang).
		Str("target", c.cfg.TargetLang).
		Msg("Translation session established")
	return s, nil
}

func sessionEndpoint(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse backend URL: %w", err)
	}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// translationInstructions builds the system prompt that turns the realtime
// model into a speech-to-speech interpreter.
func translationInstructions(source, target string) string {
	return fmt.Sprintf(
		"You are a real-time speech translator on a phone call. The caller speaks %s. "+
			"Translate everything the caller says into %s and speak only the translation. "+
			"Do not answer questions, do not add commentary and do not change the meaning. "+
			"Keep the caller's tone and pacing.",
		languageName(source), languageName(target))
}

var languageNames = map[string]string{
	"ar": "Arabic",
	"de": "German",
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"hi": "Hindi",
	"it": "Italian",
	"ja": "Japanese",
	"ko": "Korean",
	"nl": "Dutch",
	"pt": "Portuguese",
	"ru": "Russian",
	"zh": "Mandarin Chinese",
}

// languageName expands a BCP 47 style code to a name the model understands.
// Unrecognized codes are passed through as-is.
func languageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

// Session is one live translation conversation over a websocket.
type Session struct {
	conn   wireConn
	events chan Event
	done   chan struct{}
	log    zerolog.Logger

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Events returns the stream of backend events. The channel is closed when
// the backend connection ends for any reason.
func (s *Session) Events() <-chan Event {
	return s.events
}

// SendAudio forwards one chunk of PCM16 audio to the backend input buffer.
func (s *Session) SendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return s.send(audioAppendMessage{
		Type:  typeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit marks the input buffer as complete so the backend can finish the turn.
func (s *Session) Commit() error {
	return s.send(simpleMessage{Type: typeAudioCommit})
}

// CancelResponse asks the backend to stop producing the in-flight response.
func (s *Session) CancelResponse() error {
	return s.send(simpleMessage{Type: typeResponseCancel})
}

func (s *Session) configure(cfg Config) error {
	return s.send(sessionUpdateMessage{
		Type: typeSessionUpdate,
		Session: sessionParams{
			Modalities:        []string{"text", "audio"},
			Voice:             cfg.Voice,
			Instructions:      translationInstructions(cfg.SourceLang, cfg.TargetLang),
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	})
}

func (s *Session) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal client event: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop pumps backend messages into the event channel until the
// connection ends, then closes the channel.
func (s *Session) readLoop() {
	defer close(s.events)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				// Close() is tearing the connection down.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Info().Msg("Backend closed the connection")
				} else {
					s.log.Error().Err(err).Msg("Backend connection error")
					s.deliver(Event{Type: EventError, Err: err})
				}
			}
			return
		}
		s.handleMessage(raw)
	}
}

func (s *Session) handleMessage(raw []byte) {
	var evt serverEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		s.log.Warn().Err(err).Msg("Ignoring malformed backend event")
		return
	}

	mapped, ok, err := mapServerEvent(evt)
	if err != nil {
		s.log.Warn().Err(err).Str("event_type", evt.Type).Msg("Ignoring undecodable backend event")
		return
	}
	if !ok {
		return
	}
	if mapped.Type == EventError {
		s.log.Error().Err(mapped.Err).Msg("Backend reported an error")
	}
	s.deliver(mapped)
}

func (s *Session) deliver(evt Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

// Close tears down the websocket. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.writeMu.Lock()
		s.closed = true
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}
