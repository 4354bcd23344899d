package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const openRouterURL = "https://openrouter.ai/api/v1/chat/completions"

// Models that honor the response_format json_schema request; everything
// else gets plain-text fallback parsing.
var structuredOutputModels = map[string]bool{
	"google/gemini-2.0-flash-exp:free":               true,
	"google/gemma-3-27b-it:free":                     true,
	"meta-llama/llama-3.1-8b-instruct":               true,
	"mistralai/mistral-small-3.1-24b-instruct":       true,
	"mistralai/mistral-small-24b-instruct-2501:free": true,
	"openai/gpt-4o-mini":                             true,
}

// OpenRouterClient implements Validator, Oracle and Generator against the
// OpenRouter chat-completions API.
type OpenRouterClient struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewOpenRouterClient creates a client for the given model. A zero timeout
// defaults to 5 seconds; calls are never retried here, each call site has
// its own fallback decision.
func NewOpenRouterClient(apiKey, model string, timeout time.Duration) *OpenRouterClient {
	if model == "" {
		model = "mistralai/mistral-small-24b-instruct-2501:free"
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &OpenRouterClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: openRouterURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    *float64      `json:"temperature,omitempty"`
	ResponseFormat interface{}   `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message  string `json:"message"`
		Metadata struct {
			Raw string `json:"raw"`
		} `json:"metadata"`
	} `json:"error"`
}

// complete posts one chat completion and returns the raw content string.
func (c *OpenRouterClient) complete(ctx context.Context, req chatRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OpenRouter API error: %d - %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	// Providers sometimes tunnel errors through a 200.
	if len(parsed.Choices) == 0 {
		if parsed.Error != nil {
			if parsed.Error.Metadata.Raw != "" {
				log.Printf("[LLM] Provider error: %s (%s)", parsed.Error.Message, parsed.Error.Metadata.Raw)
			}
			return "", fmt.Errorf("provider error: %s", parsed.Error.Message)
		}
		return "", fmt.Errorf("response has no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (c *OpenRouterClient) responseFormat(name string, schema map[string]interface{}) interface{} {
	if !structuredOutputModels[c.model] {
		return nil
	}
	return map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   name,
			"strict": true,
			"schema": schema,
		},
	}
}

// ===================================================================
// Spam/validity classification

const validateSystemPrompt = `You are a security-focused email classifier. Your goal is to determine whether an email is a legitimate request to a human person or spam/malicious content.
Instructions:
Classify the senders intent as either normal (legitimate) or malicious (spam, phishing, scam, DoS, or abuse). Normal emails shall be labelled "pass", malicious emails shall be labelled "block".

Consider these factors:
- High word count with little meaningful content: "block"
- Urgent financial requests or threats: "block"
- Excessive links or attachments from unknown senders: "block"
- Repeated or bot-like phrasing: "block"
- Empty or random content: "block"
- Polite, well-structured requests with intelligible content: "pass"

Never output explanations, respond with "pass" or "block"`

var wordRe = regexp.MustCompile(`\b\w+\b`)

func countWords(text string) int {
	return len(wordRe.FindAllString(text, -1))
}

// ValidateEmail classifies an inbound email as "pass" or "block", truncating
// long subjects and bodies so a hostile sender cannot run up token costs.
func (c *OpenRouterClient) ValidateEmail(ctx context.Context, sender, subject, body string) (string, string) {
	const subjectCutoff, bodyCutoff = 50, 500

	if len(subject) > subjectCutoff {
		subject = subject[:subjectCutoff] + fmt.Sprintf("... (skipping %d chars)", len(subject)-subjectCutoff)
	}
	if len(body) > bodyCutoff {
		skipped := countWords(body) - countWords(body[:bodyCutoff])
		body = body[:bodyCutoff] + fmt.Sprintf("...\n(skipping %d words)", skipped)
	}

	userPrompt := fmt.Sprintf("Email from %s:\nSubject: %s\nContent: \n\n%s\n", sender, subject, body)
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: validateSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: c.responseFormat("validation_result", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"classification": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"pass", "block"},
					"description": "Classification of the email legitimacy as either 'pass' or 'block'.",
				},
			},
			"required":             []string{"classification"},
			"additionalProperties": false,
		}),
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return "error", err.Error()
	}

	// Structured output path.
	if structuredOutputModels[c.model] {
		var parsed struct {
			Classification string `json:"classification"`
		}
		if err := json.Unmarshal([]byte(content), &parsed); err == nil && parsed.Classification != "" {
			return parsed.Classification, ""
		}
		log.Printf("[LLM] Corrupt structured validation output: %s", content)
	}

	// Plain-text path: trim quoting and reasoning noise various models add.
	answer := strings.ToLower(strings.Trim(content, "\"'.` "))
	if i := strings.Index(answer, "</think>"); i >= 0 {
		answer = strings.TrimSpace(answer[i+len("</think>"):])
	}
	if m := regexp.MustCompile(`\\boxed\{(.*?)\}`).FindStringSubmatch(answer); m != nil {
		answer = m[1]
	}
	switch answer {
	case "pass", "block":
		return answer, ""
	}
	log.Printf("[LLM] Unexpected validation response: %q", content)
	return "error", content
}

// ===================================================================
// Scheduling oracle

const scheduleSystemPrompt = `You are an AI assistant that helps determine when to respond to email conversations.

Analyze the email history and determine if a response is due based on:
1. Time elapsed since the last email
2. Whether the last email was from the user or the assistant
3. Whether the last email contains a user question or request that needs a response
4. Whether user and assistant have agreed on a schedule when to check in again
5. If the user wanted to report back by now, a response is due

Return your decision in JSON format with these fields:
- response_is_due (boolean): true if a response should be sent now, false otherwise
- probability (float): between 0.0 and 1.0, representing the likelihood that a response is expected
- scheduled_for (string or null): the next agreed check-in time in RFC 3339 format, if one can be inferred

Only return valid JSON with these fields and no additional text.`

var (
	responseIsDueRe = regexp.MustCompile(`(?i)"response_is_due"\s*:\s*(true|false)`)
	probabilityRe   = regexp.MustCompile(`"probability"\s*:\s*([0-9]*\.?[0-9]+)`)
)

func clampProbability(p float64) float64 {
	if p < 0.05 {
		return 0.05
	}
	if p > 0.95 {
		return 0.95
	}
	return p
}

// ScheduleResponse asks the oracle whether a response is due now, given the
// conversation history and the current time.
func (c *OpenRouterClient) ScheduleResponse(ctx context.Context, msgs []Message, now time.Time) (*ScheduleDecision, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("empty message history")
	}

	history := make([]map[string]string, 0, len(msgs))
	for _, msg := range msgs {
		history = append(history, map[string]string{
			"From": msg.Role,
			"Date": msg.Date.Format("Mon, 02 Jan 2006 15:04"),
			"Body": msg.Body,
		})
	}
	historyJSON, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}

	userPrompt := fmt.Sprintf(
		"Here is the email conversation history:\n%s\n\nCurrent time: %s\n\nBased on this information, determine if a response is due now.",
		string(historyJSON), now.Format("Mon, 02 Jan 2006 15:04"))

	temp := 0.1
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: scheduleSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: &temp,
		ResponseFormat: c.responseFormat("scheduling_decision", map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"response_is_due": map[string]interface{}{
					"type":        "boolean",
					"description": "Whether it's appropriate to respond to the last user email right now",
				},
				"probability": map[string]interface{}{
					"type":        "number",
					"description": "Likelihood between 0 and 1 that the user expects a response or reminder by now",
				},
				"scheduled_for": map[string]interface{}{
					"type":        []string{"string", "null"},
					"description": "Next agreed check-in time in RFC 3339 format, null if none",
				},
			},
			"required":             []string{"response_is_due", "probability", "scheduled_for"},
			"additionalProperties": false,
		}),
	}

	content, err := c.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ResponseIsDue bool    `json:"response_is_due"`
		Probability   float64 `json:"probability"`
		ScheduledFor  *string `json:"scheduled_for"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err == nil {
		decision := &ScheduleDecision{
			ResponseIsDue: parsed.ResponseIsDue,
			Probability:   clampProbability(parsed.Probability),
		}
		if parsed.ScheduledFor != nil && *parsed.ScheduledFor != "" {
			if ts, err := time.Parse(time.RFC3339, *parsed.ScheduledFor); err == nil {
				decision.ScheduledFor = &ts
			} else {
				log.Printf("[LLM] Unparseable scheduled_for %q, ignoring", *parsed.ScheduledFor)
			}
		}
		return decision, nil
	}

	// Not valid JSON; salvage the two required fields with regexes before
	// giving up.
	dueMatch := responseIsDueRe.FindStringSubmatch(content)
	probMatch := probabilityRe.FindStringSubmatch(content)
	if dueMatch != nil && probMatch != nil {
		var prob float64
		fmt.Sscanf(probMatch[1], "%f", &prob)
		return &ScheduleDecision{
			ResponseIsDue: strings.EqualFold(dueMatch[1], "true"),
			Probability:   clampProbability(prob),
		}, nil
	}
	return nil, fmt.Errorf("failed to parse oracle response: %q", content)
}

// ===================================================================
// Reply generation

const generateSystemPrompt = `You are an accountability partner bot that helps users achieve their goals through email communication.
Your responses should be:
1. Encouraging and supportive
2. Focused on the user's goals and progress
3. Professional but friendly
4. Brief and concise
5. Action-oriented when appropriate

If this is the user's first email, welcome the user and acknowledge their goal.
If it's an update, provide encouragement and ask about next steps or challenges.
If the user has gone quiet past an agreed check-in, send a gentle reminder.`

// GenerateReply writes a reply to the conversation from the full message
// history.
func (c *OpenRouterClient) GenerateReply(ctx context.Context, msgs []Message, userName string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Email conversation with %s:\n\n", userName)
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "[%s] %s:\n%s\n\n", msg.Date.Format("Mon, 02 Jan 2006 15:04"), msg.Role, msg.Body)
	}
	sb.WriteString("Please provide a supportive response that helps them stay accountable to their goals.")

	temp := 0.7
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: generateSystemPrompt},
			{Role: "user", Content: sb.String()},
		},
		Temperature: &temp,
	}
	content, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", fmt.Errorf("empty reply from model")
	}
	return content, nil
}
