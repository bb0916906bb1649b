package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const chatCompletionsAPI = "/v1/chat/completions"

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)
	httpURLRe       = regexp.MustCompile(`https?://[^\s"')]+`)
	dataImageRe     = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[0-9a-zA-Z+/=]+`)
)

type ChatConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// ChatClient talks to an OpenAI compatible chat completions endpoint that
// answers image edit prompts with image links or inline image data.
type ChatClient struct {
	restyClient    *resty.Client
	// downloads go to arbitrary hosts and must not carry the API key
	downloadClient *resty.Client
	logger         *zap.Logger
}

func NewChatClient(cfg ChatConfig, logger *zap.Logger) *ChatClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout)

	return &ChatClient{
		restyClient:    client,
		downloadClient: resty.New().SetTimeout(cfg.Timeout),
		logger:         logger,
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ChatClient) Edit(ctx context.Context, req EditRequest) (*Result, error) {
	mime := req.MimeType
	if mime == "" {
		mime = http.DetectContentType(req.Image)
	}

	parts := []contentPart{
		{Type: "text", Text: req.Prompt},
		{Type: "image_url", ImageURL: &imageURL{
			URL: "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(req.Image),
		}},
	}
	content, err := json.Marshal(parts)
	if err != nil {
		return nil, terminal(0, "failed to encode request", err)
	}

	c.logger.Info("Calling generation backend",
		zap.String("model", req.Model),
		zap.Int("image_bytes", len(req.Image)),
	)

	var (
		body    chatResponse
		errBody apiError
	)
	start := time.Now()
	resp, err := c.restyClient.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:    req.Model,
			Messages: []chatMessage{{Role: "user", Content: content}},
		}).
		SetResult(&body).
		SetError(&errBody).
		Post(chatCompletionsAPI)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transient(0, "generation backend unreachable", err)
	}

	if resp.IsError() {
		return nil, classifyStatus(resp.StatusCode(), errBody.Error.Message)
	}

	urls := extractImageURLs(body)
	if len(urls) == 0 {
		return nil, transient(resp.StatusCode(), "no image in backend response", nil)
	}

	c.logger.Info("Generation backend answered",
		zap.String("model", req.Model),
		zap.Int("images", len(urls)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return c.fetch(ctx, urls[0])
}

// fetch resolves an image link from a backend answer into bytes.
func (c *ChatClient) fetch(ctx context.Context, link string) (*Result, error) {
	if strings.HasPrefix(link, "data:") {
		return decodeDataURL(link)
	}

	resp, err := c.downloadClient.R().
		SetContext(ctx).
		Get(link)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, transient(0, "failed to download generated image", err)
	}
	if resp.IsError() {
		return nil, transient(resp.StatusCode(), "failed to download generated image", nil)
	}

	data := resp.Body()
	contentType := resp.Header().Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(data)
	}
	return &Result{Data: data, ContentType: contentType, SourceURL: link}, nil
}

func classifyStatus(status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("request failed (%d)", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return terminal(status, "authentication failed", errors.New(message))
	case status == http.StatusTooManyRequests:
		return transient(status, "rate limited", errors.New(message))
	case status >= 500:
		return transient(status, message, nil)
	case status == http.StatusBadRequest, status == http.StatusPaymentRequired,
		status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return terminal(status, message, nil)
	}
	return transient(status, message, nil)
}

func extractImageURLs(resp chatResponse) []string {
	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	for _, choice := range resp.Choices {
		raw := bytes.TrimSpace(choice.Message.Content)
		if len(raw) == 0 {
			continue
		}

		if raw[0] == '"' {
			var text string
			if err := json.Unmarshal(raw, &text); err == nil {
				for _, u := range urlsFromText(text) {
					add(u)
				}
			}
			continue
		}

		var parts []contentPart
		if err := json.Unmarshal(raw, &parts); err != nil {
			continue
		}
		for _, part := range parts {
			switch {
			case part.Type == "image_url" && part.ImageURL != nil:
				add(part.ImageURL.URL)
			case part.Type == "text":
				for _, u := range urlsFromText(part.Text) {
					add(u)
				}
			}
		}
	}
	return urls
}

func urlsFromText(text string) []string {
	var urls []string
	for _, m := range markdownImageRe.FindAllStringSubmatch(text, -1) {
		urls = append(urls, m[1])
	}
	urls = append(urls, httpURLRe.FindAllString(text, -1)...)
	urls = append(urls, dataImageRe.FindAllString(text, -1)...)
	return urls
}

func decodeDataURL(link string) (*Result, error) {
	header, payload, ok := strings.Cut(link, ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, terminal(0, "malformed inline image", nil)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, terminal(0, "malformed inline image", err)
	}

	contentType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	return &Result{Data: data, ContentType: contentType}, nil
}
