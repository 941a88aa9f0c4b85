// Package ai defines the multimodal vision/captioning client contract and
// its HTTP implementation, grounded on the teacher's antropic.go klient
// usage generalized from a chat-completions shape to the two-operation
// analyze/caption-pair contract this system needs.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/worldline-go/klient"
)

// ImageAnalysis is the structured result of one vision call. Description,
// mood, tags, nsfw and safety_labels are phase-1 fields always populated;
// the rest are phase-2 fields gated by the tenant's extended_metadata_enabled
// flag.
type ImageAnalysis struct {
	Description   string   `json:"description"`
	Mood          string   `json:"mood,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	NSFW          bool     `json:"nsfw"`
	SafetyLabels  []string `json:"safety_labels,omitempty"`
	SDCaption     string   `json:"sd_caption,omitempty"`

	Lighting       string   `json:"lighting,omitempty"`
	Pose           string   `json:"pose,omitempty"`
	Materials      []string `json:"materials,omitempty"`
	ArtStyle       string   `json:"art_style,omitempty"`
	AestheticTerms []string `json:"aesthetic_terms,omitempty"`
	Moderation     []string `json:"moderation,omitempty"`
}

// CaptionSpec parametrizes create_caption_pair's platform-aware rendering.
type CaptionSpec struct {
	Platform  string
	Style     string
	MaxLength int
	Hashtags  []string
}

// Client is the AI vendor contract the orchestrator depends on.
type Client interface {
	Analyze(ctx context.Context, imageURL string) (ImageAnalysis, error)
	CreateCaptionPair(ctx context.Context, analysis ImageAnalysis, spec CaptionSpec) (caption string, sdCaption *string, err error)
}

// ServiceError wraps any failure from the AI vendor that the caller should
// treat as non-retryable within the current request.
type ServiceError struct {
	ErrorType string
	Err       error
}

func (e *ServiceError) Error() string { return fmt.Sprintf("ai service error (%s): %v", e.ErrorType, e.Err) }
func (e *ServiceError) Unwrap() error { return e.Err }

// VendorClient is an HTTP implementation talking to an OpenAI-compatible
// vision/chat endpoint (the one concrete vendor this binary ships with;
// swapping vendors means swapping this file, not the Client interface).
type VendorClient struct {
	client             *klient.Client
	model              string
	maxCompletionTokens int
	limiter            *rate.Limiter
}

// NewVendorClient builds a VendorClient. qps <= 0 disables rate limiting.
func NewVendorClient(baseURL, apiKey, model string, maxCompletionTokens int, qps float64) (*VendorClient, error) {
	if maxCompletionTokens <= 0 {
		maxCompletionTokens = 512
	}

	client, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Authorization": []string{"Bearer " + apiKey},
			"Content-Type":  []string{"application/json"},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ai client: %w", err)
	}

	var limiter *rate.Limiter
	if qps > 0 {
		limiter = rate.NewLimiter(rate.Limit(qps), 1)
	}

	return &VendorClient{
		client:              client,
		model:               model,
		maxCompletionTokens: maxCompletionTokens,
		limiter:             limiter,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	ResponseFormat      *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze performs the single multimodal call, forcing JSON output and
// applying a brace-extraction fallback on decode failure.
func (c *VendorClient) Analyze(ctx context.Context, imageURL string) (ImageAnalysis, error) {
	start := time.Now()

	if err := c.wait(ctx); err != nil {
		return ImageAnalysis{}, err
	}

	req := chatRequest{
		Model:               c.model,
		MaxCompletionTokens: c.maxCompletionTokens,
		Messages: []chatMessage{
			{Role: "system", Content: "Analyze the image and respond with a single JSON object describing it."},
			{Role: "user", Content: []map[string]any{
				{"type": "image_url", "image_url": map[string]string{"url": imageURL}},
			}},
		},
	}
	req.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	raw, err := c.chat(ctx, req)
	if err != nil {
		logAnalysis(start, false, "request_failed")
		return ImageAnalysis{}, &ServiceError{ErrorType: "request_failed", Err: err}
	}

	var analysis ImageAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		if extracted, ok := extractJSONObject(raw); ok {
			if err2 := json.Unmarshal([]byte(extracted), &analysis); err2 == nil {
				logAnalysis(start, true, "")
				return analysis, nil
			}
		}
		logAnalysis(start, false, "decode_failed")
		return ImageAnalysis{}, &ServiceError{ErrorType: "decode_failed", Err: err}
	}

	logAnalysis(start, true, "")

	return analysis, nil
}

func logAnalysis(start time.Time, ok bool, errType string) {
	slog.Info("vision_analysis_ms", "elapsed_ms", time.Since(start).Milliseconds(), "ok", ok, "error_type", errType)
}

type captionPairResponse struct {
	Caption   string  `json:"caption"`
	SDCaption *string `json:"sd_caption"`
}

// CreateCaptionPair requests {caption, sd_caption} in one JSON-strict call,
// falling back to a legacy caption-only call (sd_caption=nil) on failure.
func (c *VendorClient) CreateCaptionPair(ctx context.Context, analysis ImageAnalysis, spec CaptionSpec) (string, *string, error) {
	if err := c.wait(ctx); err != nil {
		return "", nil, err
	}

	prompt := captionPrompt(analysis, spec)

	req := chatRequest{
		Model:               c.model,
		MaxCompletionTokens: c.maxCompletionTokens,
		Messages: []chatMessage{
			{Role: "system", Content: "Respond with a JSON object {\"caption\": string, \"sd_caption\": string}."},
			{Role: "user", Content: prompt},
		},
	}
	req.ResponseFormat = &struct {
		Type string `json:"type"`
	}{Type: "json_object"}

	raw, err := c.chat(ctx, req)
	if err == nil {
		var pair captionPairResponse
		if err2 := json.Unmarshal([]byte(raw), &pair); err2 == nil && pair.Caption != "" {
			return truncateCaption(pair.Caption, spec), pair.SDCaption, nil
		}
	}

	// Legacy fallback: caption-only, no forced JSON.
	legacyReq := chatRequest{
		Model:               c.model,
		MaxCompletionTokens: c.maxCompletionTokens,
		Messages: []chatMessage{
			{Role: "user", Content: prompt + "\nRespond with the caption text only."},
		},
	}
	raw, err = c.chat(ctx, legacyReq)
	if err != nil {
		return "", nil, &ServiceError{ErrorType: "caption_failed", Err: err}
	}

	return truncateCaption(strings.TrimSpace(raw), spec), nil, nil
}

func captionPrompt(analysis ImageAnalysis, spec CaptionSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %s-style caption for %s.\n", spec.Style, spec.Platform)
	if analysis.Description != "" {
		fmt.Fprintf(&b, "Image description: %s\n", analysis.Description)
	}
	if spec.MaxLength > 0 {
		fmt.Fprintf(&b, "Maximum length: %d characters.\n", spec.MaxLength)
	}
	if len(spec.Hashtags) > 0 {
		fmt.Fprintf(&b, "Include up to %d of these hashtags: %s\n", len(spec.Hashtags), strings.Join(spec.Hashtags, ", "))
	}

	return b.String()
}

func truncateCaption(caption string, spec CaptionSpec) string {
	if spec.MaxLength > 0 && len(caption) > spec.MaxLength {
		return caption[:spec.MaxLength]
	}

	return caption
}

func (c *VendorClient) chat(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := c.client.Do(httpReq, func(r *http.Response) error {
		return json.NewDecoder(r.Body).Decode(&resp)
	}); err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("ai response contained no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

func (c *VendorClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	return c.limiter.Wait(ctx)
}

// extractJSONObject finds the first '{' and last '}' in s and returns the
// substring between them, the fallback pass attempted on a decode failure.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "", false
	}

	return s[start : end+1], true
}
