// Package identity предоставляет клиент внешнего сервиса идентификации.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrAccountUnknown возвращается, если сервис идентификации не знает учётную запись.
var ErrAccountUnknown = errors.New("account unknown to identity service")

// Client инкапсулирует HTTP-взаимодействие с сервисом идентификации.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// AccountRecord описывает учётную запись в каталоге сервиса идентификации.
type AccountRecord struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewClient создаёт HTTP-клиент для обращения к сервису идентификации по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

func (c *Client) base() string {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base
}

// Account запрашивает одну учётную запись по идентификатору.
func (c *Client) Account(ctx context.Context, id string) (*AccountRecord, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("identity client not configured")
	}

	u := fmt.Sprintf("%s/api/accounts/%s", c.base(), url.PathEscape(id))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAccountUnknown
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var rec AccountRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &rec, nil
}

// Changes возвращает учётные записи, изменённые после указанного момента:
// новые регистрации, смены имени и ролей.
func (c *Client) Changes(ctx context.Context, since time.Time) ([]AccountRecord, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("identity client not configured")
	}

	u := fmt.Sprintf("%s/api/accounts/changes?since=%s", c.base(), url.QueryEscape(since.Format(time.RFC3339)))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var recs []AccountRecord
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return recs, nil
}
