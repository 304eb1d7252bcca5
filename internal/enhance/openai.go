package enhance

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lokalshop/engine/internal/jsonutil"
)

const openAIAPIURL = "https://api.openai.com/v1/chat/completions"

// BatchItem is one crop sent for refinement, with the detector's class as a
// hint.
type BatchItem struct {
	Index      int
	ClassHint  string
	Confidence float64
	ImageData  []byte
}

// BatchResult is the model's answer for one item. An empty Name means the
// model could not name the object more specifically.
type BatchResult struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// VisionClient is the capability boundary around the vision-capable model.
type VisionClient interface {
	IdentifyBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error)
}

// OpenAIClient implements VisionClient against the chat-completions API.
type OpenAIClient struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey, model string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAIClient) IdentifyBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	content := []openAIContentPart{
		{Type: "text", Text: buildBatchPrompt(items)},
	}
	for _, item := range items {
		imageBase64 := base64.StdEncoding.EncodeToString(item.ImageData)
		content = append(content, openAIContentPart{
			Type: "image_url",
			ImageURL: &openAIImageURL{
				URL: fmt.Sprintf("data:image/jpeg;base64,%s", imageBase64),
			},
		})
	}

	reqBody := openAIRequest{
		Model: c.model,
		Messages: []openAIMessage{
			{Role: "user", Content: content},
		},
		MaxTokens:   500,
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", openAIAPIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if openAIResp.Error != nil {
		return nil, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		return nil, fmt.Errorf("no response from OpenAI")
	}

	return parseBatchResponse(openAIResp.Choices[0].Message.Content, len(items))
}

func buildBatchPrompt(items []BatchItem) string {
	var b strings.Builder
	b.WriteString("You are a product identification expert. ")
	fmt.Fprintf(&b, "The following %d images are object crops from a video. ", len(items))
	b.WriteString("For each image, give the most specific product name you can identify ")
	b.WriteString("(e.g. 'Nike Air Max 90', 'iPhone 15 Pro'), or an empty string when only ")
	b.WriteString("a generic description is possible.\n\nDetector hints, in order:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s (confidence %.2f)\n", i, item.ClassHint, item.Confidence)
	}
	b.WriteString("\nReply with a JSON array only: [{\"index\": 0, \"name\": \"...\"}, ...]")
	return b.String()
}

// parseBatchResponse reads the model's reply defensively: JSON may be fenced,
// wrapped in prose, partial, or reordered.
func parseBatchResponse(raw string, itemCount int) ([]BatchResult, error) {
	results, err := jsonutil.ParseJSON[[]BatchResult](raw)
	if err != nil {
		return nil, fmt.Errorf("parsing batch response: %w", err)
	}

	out := make([]BatchResult, 0, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= itemCount {
			continue
		}
		r.Name = strings.TrimSpace(r.Name)
		out = append(out, r)
	}
	return out, nil
}
