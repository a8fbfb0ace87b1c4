/*Package vision parses photographed grocery lists through an
OpenAI-compatible chat-completions endpoint.

The client sends the image as a data URL in an image content part and
returns the raw completion. Responses are cached by the SHA-256 hash of the
image, so re-submitting the same photo does not spend another API call.
*/
package vision

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/grocify-tech/grocify/core/cache"
	"github.com/grocify-tech/grocify/core/logger"
)

// DefaultModel is used when the configuration names none.
const DefaultModel = "gpt-4o-mini"

const defaultBaseURL = "https://api.openai.com/v1"

// Config configures the vision client.
type Config struct {
	// BaseURL of the OpenAI-compatible API; defaults to the OpenAI endpoint
	BaseURL string
	APIKey  string
	// Model defaults to DefaultModel
	Model        string
	Organization string
}

// Message is one chat message of a completion choice.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Completion is the chat-completions response.
type Completion struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type requestMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type completionRequest struct {
	Model    string           `json:"model"`
	Messages []requestMessage `json:"messages"`
}

// Client calls the chat-completions endpoint.
type Client struct {
	config     Config
	httpClient *http.Client
	cache      *cache.Cache
}

// NewClient returns a vision client. The cache may be nil to disable
// response caching.
func NewClient(config Config, responseCache *cache.Cache) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cache:      responseCache,
	}
}

// ProcessGroceryList submits the image, given as a data URL, and returns the
// completion. Identical images are answered from the cache.
func (c *Client) ProcessGroceryList(ctx context.Context, image string) (*Completion, error) {
	if image == "" {
		return nil, fmt.Errorf("no image given")
	}
	hash := sha256.Sum256([]byte(image))
	cacheKey := hex.EncodeToString(hash[:])
	if c.cache != nil {
		if cached, ok := c.cache.Get(cacheKey); ok {
			logger.FromContext(ctx).Debugln("grocery list served from vision cache")
			return cached.(*Completion), nil
		}
	}

	body, err := json.Marshal(completionRequest{
		Model: c.config.Model,
		Messages: []requestMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: "Process the list."},
				{Type: "image_url", ImageURL: &imageURL{URL: image}},
			},
		}},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	if c.config.Organization != "" {
		req.Header.Set("OpenAI-Organization", c.config.Organization)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("vision request failed with status %d: %s", res.StatusCode, string(data))
	}

	var completion Completion
	if err := json.NewDecoder(res.Body).Decode(&completion); err != nil {
		return nil, fmt.Errorf("cannot decode vision response: %w", err)
	}
	if c.cache != nil {
		c.cache.Set(cacheKey, &completion)
	}
	return &completion, nil
}
