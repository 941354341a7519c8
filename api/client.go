// Package api is the REST client for the marketplace CMS: message
// persistence, thread fetches, read-state updates, and file uploads. It is a
// thin collaborator wrapper; conversation semantics live in package messaging.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketchat/models"
	"marketchat/session"
)

const (
	// DefaultRequestTimeout bounds each REST call.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultPageSize is used when callers pass a non-positive page size.
	DefaultPageSize = 50
)

var (
	// ErrUnauthorized indicates the CMS rejected the bearer credential.
	ErrUnauthorized = errors.New("api: unauthorized")
)

// StatusError reports a non-2xx CMS response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: unexpected status %d: %s", e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Session session.Source

	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// Client issues authenticated requests against the CMS REST API.
type Client struct {
	baseURL string
	session session.Source
	http    *http.Client
}

// NewClient creates a REST client with validated configuration.
func NewClient(options Options) (*Client, error) {
	if options.BaseURL == "" {
		return nil, errors.New("api: base URL is required")
	}
	if options.Session == nil {
		return nil, errors.New("api: session source is required")
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		timeout := options.RequestTimeout
		if timeout <= 0 {
			timeout = DefaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(options.BaseURL, "/"),
		session: options.Session,
		http:    httpClient,
	}, nil
}

// Pagination mirrors the CMS pagination meta block.
type Pagination struct {
	Page      int `json:"page"`
	PageSize  int `json:"pageSize"`
	PageCount int `json:"pageCount"`
	Total     int `json:"total"`
}

// MessagePage is one page of messages plus its pagination meta.
type MessagePage struct {
	Messages   []models.Message
	Pagination Pagination
}

type messageListEnvelope struct {
	Data []models.Message `json:"data"`
	Meta struct {
		Pagination Pagination `json:"pagination"`
	} `json:"meta"`
}

type messageEnvelope struct {
	Data models.Message `json:"data"`
}

// FetchMessages returns one page of all messages involving the current user,
// newest first.
func (c *Client) FetchMessages(ctx context.Context, page, pageSize int) (MessagePage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(normalizePage(page)))
	query.Set("pageSize", strconv.Itoa(normalizePageSize(pageSize)))

	var envelope messageListEnvelope
	if err := c.getJSON(ctx, "/api/messages/mine?"+query.Encode(), &envelope); err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: envelope.Data, Pagination: envelope.Meta.Pagination}, nil
}

// FetchThread returns one page of the conversation with a counterpart,
// optionally scoped to a listing context, oldest first.
func (c *Client) FetchThread(ctx context.Context, key models.ConversationKey, page, pageSize int) (MessagePage, error) {
	if key.CounterpartID <= 0 {
		return MessagePage{}, errors.New("api: counterpart ID is required")
	}

	query := url.Values{}
	query.Set("counterpart", strconv.Itoa(key.CounterpartID))
	if key.ListingContextID != "" {
		query.Set("listing", key.ListingContextID)
	}
	query.Set("page", strconv.Itoa(normalizePage(page)))
	query.Set("pageSize", strconv.Itoa(normalizePageSize(pageSize)))

	var envelope messageListEnvelope
	if err := c.getJSON(ctx, "/api/messages/thread?"+query.Encode(), &envelope); err != nil {
		return MessagePage{}, err
	}
	return MessagePage{Messages: envelope.Data, Pagination: envelope.Meta.Pagination}, nil
}

// CreateMessageInput is the payload for the authoritative create call.
type CreateMessageInput struct {
	ReceiverID       int    `json:"receiver"`
	Body             string `json:"body"`
	ListingContextID string `json:"listingContextId,omitempty"`
	AttachmentIDs    []int  `json:"attachments,omitempty"`
}

// CreateMessage persists a message and returns the authoritative record.
func (c *Client) CreateMessage(ctx context.Context, input CreateMessageInput) (models.Message, error) {
	if input.ReceiverID <= 0 {
		return models.Message{}, errors.New("api: receiver ID is required")
	}
	if input.Body == "" && len(input.AttachmentIDs) == 0 {
		return models.Message{}, errors.New("api: body or attachments required")
	}

	payload, err := json.Marshal(map[string]CreateMessageInput{"data": input})
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal create message: %w", err)
	}

	var envelope messageEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/api/messages", payload, &envelope); err != nil {
		return models.Message{}, err
	}
	return envelope.Data, nil
}

// MarkMessageRead sets the read timestamp on a message. The id may be a
// documentId or a numeric id rendered as text; the CMS resolves both.
func (c *Client) MarkMessageRead(ctx context.Context, messageID string, readAt time.Time) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, errors.New("api: message ID is required")
	}

	payload, err := json.Marshal(map[string]map[string]string{
		"data": {"readAt": readAt.UTC().Format(time.RFC3339Nano)},
	})
	if err != nil {
		return models.Message{}, fmt.Errorf("marshal mark read: %w", err)
	}

	var envelope messageEnvelope
	if err := c.doJSON(ctx, http.MethodPut, "/api/messages/"+url.PathEscape(messageID), payload, &envelope); err != nil {
		return models.Message{}, err
	}
	return envelope.Data, nil
}

// Upload is one raw file queued for upload before a send.
type Upload struct {
	Name    string
	Mime    string
	Content io.Reader
}

// UploadFiles uploads raw files and returns their attachment references.
// The whole upload fails atomically; callers abort the send on error.
func (c *Client) UploadFiles(ctx context.Context, uploads []Upload) ([]models.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for _, upload := range uploads {
		if upload.Name == "" {
			return nil, errors.New("api: upload name is required")
		}
		part, err := writer.CreateFormFile("files", upload.Name)
		if err != nil {
			return nil, fmt.Errorf("build upload form: %w", err)
		}
		if _, err := io.Copy(part, upload.Content); err != nil {
			return nil, fmt.Errorf("read upload %q: %w", upload.Name, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finish upload form: %w", err)
	}

	request, err := c.newRequest(ctx, http.MethodPost, "/api/upload", &body)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	var attachments []models.Attachment
	if err := c.execute(request, &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	request, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.execute(request, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload []byte, out any) error {
	request, err := c.newRequest(ctx, method, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	return c.execute(request, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.session.Credential()
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	return request, nil
}

func (c *Client) execute(request *http.Request, out any) error {
	response, err := c.http.Do(request)
	if err != nil {
		return fmt.Errorf("%s %s: %w", request.Method, request.URL.Path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return &StatusError{Status: response.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", request.Method, request.URL.Path, err)
	}
	return nil
}

func normalizePage(page int) int {
	if page <= 0 {
		return 1
	}
	return page
}

func normalizePageSize(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return pageSize
}
