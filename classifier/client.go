// Package classifier calls the external ML prediction service that assigns
// Bloom's taxonomy levels to the questions found in an uploaded document.
// The model itself is opaque; this package owns the wire contract, timeouts
// and response validation.
package classifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"bloomers/domain"
)

const defaultTimeout = 2 * time.Minute

// Client talks to the prediction service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the service at baseURL. A non-positive timeout
// falls back to the default.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RejectedError reports that the service refused the document itself
// (unsupported format, no questions found). Retrying the same document will
// not help.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("document rejected by classifier (%d): %s", e.Status, e.Reason)
}

type predictedQuestion struct {
	Number     int     `json:"number"`
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type predictResponse struct {
	Questions []predictedQuestion `json:"questions"`
}

// Classify submits the document and returns the extracted questions with
// their predicted levels, in document order. Each question gets a fresh
// persistent ID; display position lives in Number only.
func (c *Client) Classify(ctx context.Context, filename string, document io.Reader) ([]domain.Question, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, document); err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/classify", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &RejectedError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(reason))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var predicted predictResponse
	dec := sonic.ConfigStd.NewDecoder(resp.Body)
	if err := dec.Decode(&predicted); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}

	questions := make([]domain.Question, 0, len(predicted.Questions))
	for i, p := range predicted.Questions {
		category := domain.Category(p.Category)
		if !category.Valid() {
			return nil, fmt.Errorf("classifier returned unknown category %q for question %d", p.Category, i+1)
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("classifier returned empty text for question %d", i+1)
		}
		number := p.Number
		if number <= 0 {
			number = i + 1
		}
		confidence := p.Confidence
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		questions = append(questions, domain.Question{
			ID:         uuid.NewString(),
			Number:     number,
			Text:       p.Text,
			Category:   category,
			Confidence: confidence,
		})
	}
	return questions, nil
}
