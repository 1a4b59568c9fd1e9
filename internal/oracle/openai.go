package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rollcall-app/rollcall/internal/logging"
)

// RemoteConfig configures the OpenAI-compatible oracle adapter.
type RemoteConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Remote calls an OpenAI-compatible chat completions endpoint and asks for a
// structured verdict. It is stateless; one instance is shared by all jobs.
type Remote struct {
	log        *logging.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewRemote builds the remote adapter. An empty API key yields a nil Remote;
// callers should fall back to Disabled.
func NewRemote(cfg RemoteConfig, log *logging.Logger) *Remote {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	return &Remote{
		log:        log.With("service", "oracle"),
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *Remote) Available() bool { return r != nil }

const systemPrompt = `You match a person name from an attendance sheet against a roster.
Reply with JSON: {"match_id": "<roster id or empty string>", "confidence": <0..1>}.
Use an empty match_id when no roster entry is a confident match.`

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type verdict struct {
	MatchID    string  `json:"match_id"`
	Confidence float64 `json:"confidence"`
}

// ScoreCandidates implements Oracle. Every failure mode, whether a transport
// error, a non-200, an unparsable body, or an id not present in the candidate
// slice, comes back as an error for the engine to treat as a soft skip.
func (r *Remote) ScoreCandidates(ctx context.Context, req Request) (*Response, error) {
	if r == nil {
		return nil, ErrUnavailable
	}
	if req.NormalizedName == "" || len(req.Candidates) == 0 {
		return &Response{NoMatch: true}, nil
	}

	roster, err := json.Marshal(req.Candidates)
	if err != nil {
		return nil, fmt.Errorf("marshal roster: %w", err)
	}
	user := fmt.Sprintf("Name: %q\nRoster: %s", req.NormalizedName, roster)

	body := chatRequest{
		Model: r.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/chat/completions", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("oracle call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle http %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("oracle returned no choices")
	}

	var v verdict
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &v); err != nil {
		return nil, fmt.Errorf("parse oracle verdict: %w", err)
	}
	if v.MatchID == "" {
		return &Response{NoMatch: true}, nil
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("oracle confidence %v out of range", v.Confidence)
	}
	for _, c := range req.Candidates {
		if c.ID == v.MatchID {
			return &Response{Match: &Match{ID: v.MatchID, Confidence: v.Confidence}}, nil
		}
	}
	return nil, fmt.Errorf("oracle returned unknown id %q", v.MatchID)
}
