package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const moderationURL = "https://api.openai.com/v1/moderations"

// OpenAIModerator implements Moderator using the OpenAI moderation API.
type OpenAIModerator struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewOpenAIModerator creates a moderator. A zero timeout defaults to 5
// seconds.
func NewOpenAIModerator(apiKey string, timeout time.Duration) *OpenAIModerator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &OpenAIModerator{
		apiKey:  apiKey,
		baseURL: moderationURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// ModerateEmail checks the email body against the moderation endpoint. When
// flagged, the reason lists the offending categories.
func (m *OpenAIModerator) ModerateEmail(ctx context.Context, body string) (bool, string, error) {
	payload, err := json.Marshal(map[string]string{"input": body})
	if err != nil {
		return false, "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", m.baseURL, bytes.NewBuffer(payload))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("moderation API error: %d - %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Results []struct {
			Flagged    bool            `json:"flagged"`
			Categories map[string]bool `json:"categories"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return false, "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return false, "", fmt.Errorf("moderation response has no results")
	}

	result := parsed.Results[0]
	if !result.Flagged {
		return true, "APPROPRIATE", nil
	}
	var flagged []string
	for category, hit := range result.Categories {
		if hit {
			flagged = append(flagged, category)
		}
	}
	sort.Strings(flagged)
	return false, "INAPPROPRIATE: Content was flagged for: " + strings.Join(flagged, ", "), nil
}
