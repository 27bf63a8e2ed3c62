package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"compass/internal/config"
)

// ToolDescriptor is the classification input: what the model sees about a
// tool together with the candidate skill catalog.
type ToolDescriptor struct {
	Name        string
	Description string
	Category    string
	Skills      []SkillDescriptor
}

// SkillDescriptor is one catalog entry offered to the classifier.
type SkillDescriptor struct {
	ID          string
	Name        string
	Description string
	Keywords    []string
}

// Assignment is one ranked classification result.
type Assignment struct {
	SkillID    string  `json:"skill_id"`
	Confidence float64 `json:"confidence"`
}

// Classifier assigns up to three skills to a tool descriptor, ranked by
// confidence. Threshold filtering is the caller's concern.
type Classifier interface {
	Classify(ctx context.Context, desc ToolDescriptor) ([]Assignment, error)
}

// HTTPClassifier calls an OpenAI-compatible /chat/completions endpoint and
// asks the model for a JSON array of assignments.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPClassifier builds a classifier client from config.
func NewHTTPClassifier(cfg config.ClassifierConfig) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.Timeout()},
	}
}

const classifySystemPrompt = `You assign skill categories to tools.
Given a tool and a list of skills, pick at most 3 matching skills.
Respond with ONLY a JSON array: [{"skill_id": "...", "confidence": 0.0-1.0}]
ordered by confidence descending. Use an empty array when nothing fits.`

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Classify sends the descriptor and parses the model's JSON reply. At most
// three assignments are returned even if the model ignores the instruction.
func (c *HTTPClassifier) Classify(ctx context.Context, desc ToolDescriptor) ([]Assignment, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: renderDescriptor(desc)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("classify request: status %d: %s", resp.StatusCode, payload)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("classify response contains no choices")
	}

	assignments, err := parseAssignments(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if len(assignments) > 3 {
		assignments = assignments[:3]
	}
	return assignments, nil
}

func renderDescriptor(desc ToolDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool: %s\nDescription: %s\n", desc.Name, desc.Description)
	if desc.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", desc.Category)
	}
	b.WriteString("\nSkills:\n")
	for _, s := range desc.Skills {
		fmt.Fprintf(&b, "- %s: %s (%s)", s.ID, s.Name, s.Description)
		if len(s.Keywords) > 0 {
			fmt.Fprintf(&b, " keywords: %s", strings.Join(s.Keywords, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// parseAssignments tolerates the model wrapping its JSON in a code fence or
// prose. It extracts the first bracketed array and unmarshals it.
func parseAssignments(content string) ([]Assignment, error) {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end < start {
		return nil, fmt.Errorf("classify response is not a JSON array: %q", content)
	}
	var assignments []Assignment
	if err := json.Unmarshal([]byte(content[start:end+1]), &assignments); err != nil {
		return nil, fmt.Errorf("parse assignments: %w", err)
	}
	return assignments, nil
}
