package gemini

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"google.golang.org/genai"

	"evaluation-service/internal/evaluator"
	"evaluation-service/internal/failure"
)

//go:embed transcribe_prompt.md
var transcribePrompt string

type transcriptAnswer struct {
	Transcript      string  `json:"transcript"`
	DurationSeconds float64 `json:"durationSeconds"`
}

func (c *Client) Transcribe(ctx context.Context, audioURL string) (evaluator.Transcript, error) {
	audioPart, err := c.audioPart(ctx, audioURL)
	if err != nil {
		return evaluator.Transcript{}, err
	}

	out, err := c.generate(ctx, []*genai.Part{audioPart, {Text: transcribePrompt}})
	if err != nil {
		return evaluator.Transcript{}, err
	}

	var ans transcriptAnswer
	if err := json.Unmarshal([]byte(stripFences(out.text)), &ans); err != nil {
		return evaluator.Transcript{}, failure.Wrap(failure.CodeMalformedOutput, "transcription model returned invalid JSON", err)
	}
	return evaluator.Transcript{Text: ans.Transcript, DurationSeconds: ans.DurationSeconds}, nil
}

func (c *Client) audioPart(ctx context.Context, audioURL string) (*genai.Part, error) {
	if strings.HasPrefix(audioURL, "gs://") {
		return &genai.Part{FileData: &genai.FileData{FileURI: audioURL, MIMEType: guessAudioMIME(audioURL, "")}}, nil
	}
	if c.audio == nil {
		return nil, failure.New(failure.CodeInvalidInput, "only gs:// audio references are supported")
	}
	data, mimeType, err := c.audio.Fetch(ctx, audioURL)
	if err != nil {
		return nil, err
	}
	return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}}, nil
}

// AudioFetcher downloads recordings referenced by http(s) URLs.
type AudioFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewAudioFetcher(timeout time.Duration, maxBytes int64) *AudioFetcher {
	return &AudioFetcher{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

func (f *AudioFetcher) Fetch(ctx context.Context, audioURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, "", failure.Wrap(failure.CodeInvalidInput, "audioUrl is not a valid URL", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", failure.Newf(failure.CodeNetwork, "audio host answered %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, "", failure.Newf(failure.CodeInvalidInput, "audio could not be retrieved (%d)", resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, "", failure.Newf(failure.CodeAudioTooLong, "recording exceeds %d bytes", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", failure.New(failure.CodeEmptyTranscription, "recording is empty")
	}
	return data, guessAudioMIME(audioURL, resp.Header.Get("Content-Type")), nil
}

func guessAudioMIME(audioURL, header string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "audio/") {
		return mt
	}
	switch strings.ToLower(path.Ext(strings.SplitN(audioURL, "?", 2)[0])) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/webm"
	}
}

var _ evaluator.Transcriber = (*Client)(nil)
