// Package answer adapts an OpenAI-compatible responses endpoint to the chat
// answer generator contract.
package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/louisbranch/kbchat/internal/services/chat/collab"
)

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("answer generation is not configured")

// Config describes the responses endpoint.
type Config struct {
	ResponsesURL string `env:"KBCHAT_AI_RESPONSES_URL"`
	APIKey       string `env:"KBCHAT_AI_API_KEY"`
	Model        string `env:"KBCHAT_AI_MODEL" envDefault:"gpt-4.1-mini"`
	HTTPClient   *http.Client
}

// Enabled reports whether cfg names an endpoint and credential.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.ResponsesURL) != "" && strings.TrimSpace(c.APIKey) != ""
}

// OpenAI calls the responses API once per question.
type OpenAI struct {
	cfg Config
}

// NewOpenAI creates the adapter. A nil HTTP client uses http.DefaultClient.
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &OpenAI{cfg: cfg}
}

// GenerateResponse asks the model to answer req.UserQuery from the
// knowledge base named in the request.
func (a *OpenAI) GenerateResponse(ctx context.Context, req collab.AnswerRequest) (collab.Answer, error) {
	responsesURL := strings.TrimSpace(a.cfg.ResponsesURL)
	apiKey := strings.TrimSpace(a.cfg.APIKey)
	model := strings.TrimSpace(a.cfg.Model)
	query := strings.TrimSpace(req.UserQuery)
	if responsesURL == "" {
		return collab.Answer{}, fmt.Errorf("responses url is required")
	}
	if apiKey == "" {
		return collab.Answer{}, fmt.Errorf("api key is required")
	}
	if model == "" {
		return collab.Answer{}, fmt.Errorf("model is required")
	}
	if query == "" {
		return collab.Answer{}, fmt.Errorf("user query is required")
	}

	requestBody, err := json.Marshal(map[string]any{
		"model":        model,
		"instructions": instructions(req),
		"input":        query,
		"metadata": map[string]string{
			"room_id":            req.RoomID,
			"knowledge_base_ref": req.KnowledgeBaseRef,
			"identity_id":        req.UserContext.IdentityID,
		},
	})
	if err != nil {
		return collab.Answer{}, fmt.Errorf("marshal responses request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responsesURL, bytes.NewReader(requestBody))
	if err != nil {
		return collab.Answer{}, fmt.Errorf("build responses request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := a.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return collab.Answer{}, fmt.Errorf("responses request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return collab.Answer{}, fmt.Errorf("read responses error body: %w", err)
		}
		return collab.Answer{}, fmt.Errorf("responses request status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		ID         string `json:"id"`
		Model      string `json:"model"`
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return collab.Answer{}, fmt.Errorf("decode responses payload: %w", err)
	}
	outputText := strings.TrimSpace(payload.OutputText)
	if outputText == "" {
		for _, item := range payload.Output {
			for _, content := range item.Content {
				if strings.TrimSpace(content.Text) != "" {
					outputText = strings.TrimSpace(content.Text)
					break
				}
			}
			if outputText != "" {
				break
			}
		}
	}
	if outputText == "" {
		return collab.Answer{}, fmt.Errorf("responses payload missing output text")
	}

	metadata := map[string]any{"model": model}
	if payload.ID != "" {
		metadata["response_id"] = payload.ID
	}
	if payload.Model != "" {
		metadata["model"] = payload.Model
	}
	if req.KnowledgeBaseRef != "" {
		metadata["knowledge_base_ref"] = req.KnowledgeBaseRef
	}
	return collab.Answer{Content: outputText, Metadata: metadata}, nil
}

func instructions(req collab.AnswerRequest) string {
	kb := strings.TrimSpace(req.KnowledgeBaseRef)
	if kb == "" {
		kb = "default"
	}
	return fmt.Sprintf("You are a support assistant. Answer using the %q knowledge base. If the answer is not covered, say so and offer to connect the user with a human agent.", kb)
}

// Disabled fails every call. It stands in when no endpoint is configured so
// end users see a system notification instead of silence.
type Disabled struct{}

// GenerateResponse always returns ErrNotConfigured.
func (Disabled) GenerateResponse(context.Context, collab.AnswerRequest) (collab.Answer, error) {
	return collab.Answer{}, ErrNotConfigured
}

var (
	_ collab.AnswerGenerator = (*OpenAI)(nil)
	_ collab.AnswerGenerator = Disabled{}
)
