package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxbridge/translate-gateway/internal/config"
	"github.com/voxbridge/translate-gateway/internal/observability"
)

const (
	cartesiaSampleRate = 24000
	cartesiaVersion    = "2024-06-10"
)

// CartesiaClient implements Synthesizer using Cartesia's TTS bytes API.
type CartesiaClient struct {
	apiKey     string
	baseURL    string
	voiceID    string
	modelID    string
	httpClient *http.Client
	log        zerolog.Logger
}

// cartesiaRequest is the request payload for the Cartesia TTS bytes endpoint.
type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client.
func NewCartesiaClient(cfg *config.Config) *CartesiaClient {
	return &CartesiaClient{
		apiKey:     cfg.CartesiaAPIKey,
		baseURL:    cfg.CartesiaURL,
		voiceID:    cfg.CartesiaVoiceID,
		modelID:    cfg.CartesiaModelID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log: observability.GetLogger().With().
			Str("component", "tts").
			Str("provider", "cartesia").
			Logger(),
	}
}

// Synthesize renders text as raw PCM16 at 24kHz.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody := cartesiaRequest{
		ModelID:    c.modelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.voiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/bytes", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read cartesia response: %w", err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("cartesia returned empty audio")
	}

	c.log.Debug().Int("bytes", len(audio)).Msg("Synthesized prompt audio")
	return audio, nil
}

// SampleRate reports the PCM16 rate Cartesia is configured to return.
func (c *CartesiaClient) SampleRate() int {
	return cartesiaSampleRate
}

// Name identifies the provider.
func (c *CartesiaClient) Name() string {
	return "cartesia"
}
