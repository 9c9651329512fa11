package telephony

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/translate-gateway/internal/config"
	"github.com/voxbridge/translate-gateway/internal/translator"
)

// newWSPair returns the two ends of a live WebSocket connection.
func newWSPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Expected upgrade to succeed, got %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Expected dial to succeed, got %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for server side of the pair")
	}
	t.Cleanup(func() { server.Close() })
	return server, client
}

type outboundEnvelope struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     *struct {
		Payload string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) outboundEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env outboundEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Expected an outbound message, got %v", err)
	}
	return env
}

func TestTwilioTransport_SendMedia(t *testing.T) {
	server, client := newWSPair(t)
	transport := newTwilioTransport(server)
	transport.setStreamSID("MZ1234")

	frame := bytes.Repeat([]byte{0x7F}, 160)
	if err := transport.SendMedia(frame); err != nil {
		t.Fatalf("Expected send to succeed, got %v", err)
	}

	env := readEnvelope(t, client)
	if env.Event != "media" {
		t.Errorf("Expected media event, got %q", env.Event)
	}
	if env.StreamSid != "MZ1234" {
		t.Errorf("Expected streamSid MZ1234, got %q", env.StreamSid)
	}
	if env.Media == nil {
		t.Fatal("Expected a media payload")
	}
	decoded, err := base64.StdEncoding.DecodeString(env.Media.Payload)
	if err != nil {
		t.Fatalf("Expected base64 payload, got %v", err)
	}
	if !bytes.Equal(decoded, frame) {
		t.Error("Expected payload to round-trip the frame")
	}
}

func TestTwilioTransport_SendMarkAndClear(t *testing.T) {
	server, client := newWSPair(t)
	transport := newTwilioTransport(server)
	transport.setStreamSID("MZ1234")

	if err := transport.SendMark("playback_done"); err != nil {
		t.Fatalf("Expected mark to send, got %v", err)
	}
	env := readEnvelope(t, client)
	if env.Event != "mark" || env.Mark == nil || env.Mark.Name != "playback_done" {
		t.Errorf("Expected a playback_done mark, got %+v", env)
	}

	if err := transport.SendClear(); err != nil {
		t.Fatalf("Expected clear to send, got %v", err)
	}
	env = readEnvelope(t, client)
	if env.Event != "clear" {
		t.Errorf("Expected clear event, got %q", env.Event)
	}
	if env.StreamSid != "MZ1234" {
		t.Errorf("Expected streamSid on clear, got %q", env.StreamSid)
	}
}

func TestTwilioTransport_RequiresStream(t *testing.T) {
	server, _ := newWSPair(t)
	transport := newTwilioTransport(server)

	if err := transport.SendMedia([]byte{0x00}); err == nil {
		t.Error("Expected send before start to fail")
	}
}

func TestTwilioTransport_ClosedRejectsWrites(t *testing.T) {
	server, _ := newWSPair(t)
	transport := newTwilioTransport(server)
	transport.setStreamSID("MZ1234")

	if !transport.Connected() {
		t.Fatal("Expected transport to start connected")
	}
	transport.Close()
	if transport.Connected() {
		t.Error("Expected transport to report disconnected after close")
	}
	if err := transport.SendMedia([]byte{0x00}); err == nil {
		t.Error("Expected send on a closed transport to fail")
	}
	// Close is idempotent.
	transport.Close()
}

// realtimeStub speaks just enough of the backend protocol for a call:
// it answers the first audio append with one audio delta and a
// completed response.
type realtimeStub struct {
	audio []byte

	mu             sync.Mutex
	authorization  string
	beta           string
	model          string
	sessionUpdates int
	appends        int
	commits        int
	respondOnce    sync.Once
}

func (s *realtimeStub) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.authorization = r.Header.Get("Authorization")
	s.beta = r.Header.Get("OpenAI-Beta")
	s.model = r.URL.Query().Get("model")
	s.mu.Unlock()

	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "session.update":
			s.mu.Lock()
			s.sessionUpdates++
			s.mu.Unlock()
		case "input_audio_buffer.append":
			s.mu.Lock()
			s.appends++
			s.mu.Unlock()
			s.respondOnce.Do(func() {
				conn.WriteJSON(map[string]string{
					"type":  "response.audio.delta",
					"delta": base64.StdEncoding.EncodeToString(s.audio),
				})
				conn.WriteJSON(map[string]string{"type": "response.done"})
			})
		case "input_audio_buffer.commit":
			s.mu.Lock()
			s.commits++
			s.mu.Unlock()
		}
	}
}

func (s *realtimeStub) snapshot() (auth, beta, model string, updates, appends, commits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorization, s.beta, s.model, s.sessionUpdates, s.appends, s.commits
}

func endToEndConfig(backendURL string) *config.Config {
	return &config.Config{
		OpenAIAPIKey:               "sk-test",
		RealtimeURL:                backendURL,
		RealtimeModel:              "gpt-4o-realtime-preview",
		Voice:                      "alloy",
		SourceLanguage:             "en",
		TargetLanguage:             "es",
		TelephonySampleRate:        8000,
		BackendSampleRate:          24000,
		FrameDurationMs:            20,
		SoxPath:                    "sox",
		SoxEnabled:                 false,
		VADEnergyThreshold:         500.0,
		VADSilenceFrames:           10,
		TTSProvider:                "none",
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		TTSRetryMaxAttempts:        2,
		TTSRetryBaseDelayMs:        1,
	}
}

func TestStreamHandler_EndToEnd(t *testing.T) {
	// 250ms of translated audio, enough for the fallback resampler to
	// release in one chunk: 12 full frames plus a padded tail.
	stub := &realtimeStub{audio: make([]byte, 12000)}
	backend := httptest.NewServer(http.HandlerFunc(stub.handler))
	defer backend.Close()

	cfg := endToEndConfig("ws" + strings.TrimPrefix(backend.URL, "http"))
	handler := NewStreamHandler(cfg, translator.NewRegistry(), nil)
	gateway := httptest.NewServer(http.HandlerFunc(handler.HandleWS))
	defer gateway.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(gateway.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Expected dial to succeed, got %v", err)
	}
	defer client.Close()

	client.WriteJSON(map[string]interface{}{"event": "connected", "protocol": "Call"})
	client.WriteJSON(map[string]interface{}{
		"event":     "start",
		"streamSid": "MZtest",
		"start": map[string]interface{}{
			"accountSid": "ACtest",
			"callSid":    "CAtest",
			"streamSid":  "MZtest",
			"tracks":     []string{"inbound"},
			"customParameters": map[string]interface{}{
				"target_lang": "fr",
			},
		},
	})

	frame := bytes.Repeat([]byte{0xFF}, 160)
	client.WriteJSON(map[string]interface{}{
		"event":     "media",
		"streamSid": "MZtest",
		"media": map[string]interface{}{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString(frame),
		},
	})

	// Collect the translated playback until the completion marker.
	frames := 0
	markName := ""
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for markName == "" {
		var env outboundEnvelope
		if err := client.ReadJSON(&env); err != nil {
			t.Fatalf("Expected playback frames, got read error after %d frames: %v", frames, err)
		}
		switch env.Event {
		case "media":
			if env.StreamSid != "MZtest" {
				t.Fatalf("Expected streamSid MZtest, got %q", env.StreamSid)
			}
			decoded, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				t.Fatalf("Expected base64 media payload, got %v", err)
			}
			if len(decoded) != 160 {
				t.Fatalf("Expected 160-byte frames, got %d", len(decoded))
			}
			frames++
		case "mark":
			markName = env.Mark.Name
		}
	}

	if frames != 13 {
		t.Errorf("Expected 13 playback frames, got %d", frames)
	}
	if markName != "playback_done" {
		t.Errorf("Expected playback_done marker, got %q", markName)
	}

	client.WriteJSON(map[string]interface{}{
		"event":     "stop",
		"streamSid": "MZtest",
		"stop":      map[string]interface{}{"accountSid": "ACtest", "callSid": "CAtest"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, _, _, _, commits := stub.snapshot()
		if commits == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for end-of-input commit at the backend")
		}
		time.Sleep(5 * time.Millisecond)
	}

	auth, beta, model, updates, appends, _ := stub.snapshot()
	if auth != "Bearer sk-test" {
		t.Errorf("Expected bearer auth at the backend, got %q", auth)
	}
	if beta != "realtime=v1" {
		t.Errorf("Expected realtime beta header, got %q", beta)
	}
	if model != "gpt-4o-realtime-preview" {
		t.Errorf("Expected model query parameter, got %q", model)
	}
	if updates != 1 {
		t.Errorf("Expected one session.update, got %d", updates)
	}
	if appends < 1 {
		t.Errorf("Expected caller audio to reach the backend, got %d appends", appends)
	}
}

func TestStreamHandler_MediaBeforeStartIgnored(t *testing.T) {
	// Unresolvable backend host: if the handler dialed before start, the
	// test would still pass, but nothing should reach a bridge at all.
	cfg := endToEndConfig("ws://127.0.0.1:1")
	handler := NewStreamHandler(cfg, translator.NewRegistry(), nil)
	gateway := httptest.NewServer(http.HandlerFunc(handler.HandleWS))
	defer gateway.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(gateway.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Expected dial to succeed, got %v", err)
	}
	defer client.Close()

	client.WriteJSON(map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{
			"track":   "inbound",
			"payload": base64.StdEncoding.EncodeToString([]byte{0xFF}),
		},
	})
	client.WriteJSON(map[string]interface{}{"event": "stop"})

	// The handler tears the connection down after stop.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("Expected the connection to close after stop")
	}
}

func TestTranslatorConfig_CustomParameterOverrides(t *testing.T) {
	cfg := endToEndConfig("ws://example.test")
	handler := NewStreamHandler(cfg, translator.NewRegistry(), nil)

	base := handler.translatorConfig(nil)
	if base.SourceLang != "en" || base.TargetLang != "es" {
		t.Errorf("Expected configured language pair, got %s->%s", base.SourceLang, base.TargetLang)
	}

	over := handler.translatorConfig(map[string]interface{}{
		"source_lang": "de",
		"target_lang": "ja",
		"unrelated":   42,
	})
	if over.SourceLang != "de" || over.TargetLang != "ja" {
		t.Errorf("Expected per-call override, got %s->%s", over.SourceLang, over.TargetLang)
	}

	empty := handler.translatorConfig(map[string]interface{}{"target_lang": ""})
	if empty.TargetLang != "es" {
		t.Errorf("Expected empty override to be ignored, got %s", empty.TargetLang)
	}
}
