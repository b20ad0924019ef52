package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"evaluation-service/internal/failure"
)

const defaultModel = "gemini-2.5-flash"

// contentGenerator is satisfied by *genai.Models.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client scores answers and transcribes recordings with a Gemini model.
type Client struct {
	models    contentGenerator
	modelName string
	audio     *AudioFetcher
}

func NewClient(ctx context.Context, apiKey, model string, audio *AudioFetcher) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newClient(client.Models, model, audio), nil
}

func newClient(models contentGenerator, model string, audio *AudioFetcher) *Client {
	if model = strings.TrimSpace(model); model == "" {
		model = defaultModel
	}
	return &Client{models: models, modelName: model, audio: audio}
}

func (c *Client) Model() string { return c.modelName }

type generated struct {
	text   string
	tokens *int64
}

func (c *Client) generate(ctx context.Context, parts []*genai.Part) (generated, error) {
	temperature := float32(0.2)
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      &temperature,
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	resp, err := c.models.GenerateContent(ctx, c.modelName, contents, cfg)
	if err != nil {
		return generated{}, translateError(err)
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || strings.TrimSpace(part.Text) == "" {
				continue
			}
			builder.WriteString(part.Text)
		}
	}

	out := generated{text: strings.TrimSpace(builder.String())}
	if out.text == "" {
		return generated{}, failure.New(failure.CodeMalformedOutput, "scoring model returned an empty response")
	}
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		n := int64(resp.UsageMetadata.TotalTokenCount)
		out.tokens = &n
	}
	return out, nil
}

// translateError maps provider API errors onto the failure taxonomy. Other
// errors (deadlines, network) are left for the classifier.
func translateError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests:
		return failure.Wrap(failure.CodeRateLimited, "scoring provider is rate limiting requests", err)
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return failure.Wrap(failure.CodeAuthFailed, "scoring provider rejected the credentials", err)
	case apiErr.Code == http.StatusRequestTimeout || apiErr.Code == http.StatusGatewayTimeout:
		return failure.Wrap(failure.CodeProviderTimeout, "scoring provider timed out", err)
	case apiErr.Code >= 500:
		return failure.Wrap(failure.CodeProviderUnavailable, "scoring provider is unavailable", err)
	case apiErr.Code == http.StatusBadRequest:
		return failure.Wrap(failure.CodeInvalidInput, "scoring provider rejected the input", err)
	default:
		return failure.Wrap(failure.CodeUnclassified, "scoring provider error", err)
	}
}
