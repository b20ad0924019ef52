package gemini

import (
	"context"
	_ "embed"
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"evaluation-service/internal/evaluator"
	"evaluation-service/internal/failure"
)

//go:embed score_prompt.md
var scorePrompt string

type scoreAnswer struct {
	Score        *float64 `json:"score"`
	Feedback     string   `json:"feedback"`
	WhatChanged  string   `json:"whatChanged"`
	PracticeRule string   `json:"practiceRule"`
}

func (c *Client) Score(ctx context.Context, text string) (evaluator.Score, error) {
	prompt := strings.Replace(scorePrompt, "{{ANSWER}}", strings.TrimSpace(text), 1)

	out, err := c.generate(ctx, []*genai.Part{{Text: prompt}})
	if err != nil {
		return evaluator.Score{}, err
	}

	score, err := parseScore(out.text)
	if err != nil {
		return evaluator.Score{}, err
	}
	score.TokensUsed = out.tokens
	return score, nil
}

func parseScore(raw string) (evaluator.Score, error) {
	var ans scoreAnswer
	if err := json.Unmarshal([]byte(stripFences(raw)), &ans); err != nil {
		return evaluator.Score{}, failure.Wrap(failure.CodeMalformedOutput, "scoring model returned invalid JSON", err)
	}
	if ans.Score == nil {
		return evaluator.Score{}, failure.New(failure.CodeMalformedOutput, "scoring model omitted the score")
	}
	if *ans.Score < 0 || *ans.Score > 100 {
		return evaluator.Score{}, failure.Newf(failure.CodeMalformedOutput, "scoring model returned score %v outside 0-100", *ans.Score)
	}
	if strings.TrimSpace(ans.Feedback) == "" {
		return evaluator.Score{}, failure.New(failure.CodeMalformedOutput, "scoring model omitted feedback")
	}
	return evaluator.Score{
		Score:        int(*ans.Score + 0.5),
		Feedback:     strings.TrimSpace(ans.Feedback),
		WhatChanged:  strings.TrimSpace(ans.WhatChanged),
		PracticeRule: strings.TrimSpace(ans.PracticeRule),
	}, nil
}

// stripFences removes a ```json ... ``` wrapper some models add despite the
// response MIME type.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var _ evaluator.Scorer = (*Client)(nil)
