package djen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/djen/config"
)

// maxBodyBytes bounds how much of an upstream response is read.
const maxBodyBytes = 10 * 1024 * 1024

// Source fetches gazette communications.
type Source interface {
	Fetch(ctx context.Context, q Query) (*Response, error)
}

// Client calls the gazette either directly or through the relay proxy.
type Client struct {
	mode        string
	baseURL     string
	proxyURL    string
	userAgent   string
	maxPageSize int
	http        *http.Client
	log         *slog.Logger
}

var _ Source = (*Client)(nil)

// NewClient builds a Client from normalized upstream settings.
func NewClient(cfg config.UpstreamConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		mode:        cfg.Mode,
		baseURL:     cfg.BaseURL,
		proxyURL:    cfg.ProxyURL,
		userAgent:   cfg.UserAgent,
		maxPageSize: cfg.MaxPageSize,
		http:        &http.Client{Timeout: timeout},
		log:         logger.With("component", "djen"),
	}
}

// Fetch runs one query. It performs a single attempt; any failure is an *UpstreamError.
func (c *Client) Fetch(ctx context.Context, q Query) (*Response, error) {
	if err := q.Validate(c.maxPageSize); err != nil {
		return nil, err
	}
	if q.Page <= 0 {
		q.Page = 1
	}
	if strings.TrimSpace(q.Channel) == "" {
		q.Channel = "D"
	}

	var endpoint string
	switch c.mode {
	case config.UpstreamModeProxy:
		endpoint = c.proxyURL + "/djen?" + proxyParams(q).Encode()
	default:
		endpoint = c.baseURL + "?" + UpstreamParams(q).Encode()
	}

	start := time.Now()
	status, body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, &UpstreamError{StatusCode: status, Body: string(body), Err: err}
	}
	c.log.Debug("upstream response", "mode", c.mode, "status", status, "bytes", len(body), "elapsed", time.Since(start))

	if c.mode == config.UpstreamModeProxy {
		body, err = unwrapEnvelope(status, body)
		if err != nil {
			return nil, err
		}
	}
	return decodeResponse(status, body)
}

func (c *Client) get(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, body, fmt.Errorf("http %d", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

// UpstreamParams renders q as the gazette API query string. OAB queries
// replace the attorney name.
func UpstreamParams(q Query) url.Values {
	v := url.Values{}
	if q.ByOAB() {
		v.Set("numeroOab", strings.TrimSpace(q.OABNumber))
		v.Set("ufOab", strings.ToUpper(strings.TrimSpace(q.OABState)))
	} else {
		v.Set("nomeAdvogado", strings.TrimSpace(q.SubjectName))
	}
	v.Set("dataDisponibilizacaoInicio", FormatDate(q.DateFrom))
	v.Set("dataDisponibilizacaoFim", FormatDate(q.DateTo))
	v.Set("itensPorPagina", strconv.Itoa(q.PageSize))
	v.Set("meio", q.Channel)
	v.Set("pagina", strconv.Itoa(q.Page))
	return v
}

func proxyParams(q Query) url.Values {
	v := url.Values{}
	if q.ByOAB() {
		v.Set("oabNumber", strings.TrimSpace(q.OABNumber))
		v.Set("oabState", strings.ToUpper(strings.TrimSpace(q.OABState)))
	} else {
		v.Set("subjectName", strings.TrimSpace(q.SubjectName))
	}
	v.Set("dateFrom", FormatDate(q.DateFrom))
	v.Set("dateTo", FormatDate(q.DateTo))
	v.Set("pageSize", strconv.Itoa(q.PageSize))
	v.Set("channel", q.Channel)
	v.Set("page", strconv.Itoa(q.Page))
	return v
}

// Envelope is the relay proxy's response wrapper.
type Envelope struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"status_code"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	Details    string          `json:"details,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
}

func unwrapEnvelope(status int, body []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &UpstreamError{StatusCode: status, Body: string(body), Err: fmt.Errorf("decode proxy envelope: %w", err)}
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "proxy reported failure"
		}
		return nil, &UpstreamError{StatusCode: env.StatusCode, Body: env.Details, Err: errors.New(msg)}
	}
	if len(env.Data) == 0 {
		return nil, &UpstreamError{StatusCode: env.StatusCode, Err: errors.New("proxy envelope without data")}
	}
	return env.Data, nil
}

func decodeResponse(status int, body []byte) (*Response, error) {
	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &UpstreamError{StatusCode: status, Body: string(body), Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Status != StatusSuccess {
		return nil, &UpstreamError{StatusCode: status, Body: out.Message, Err: fmt.Errorf("upstream status %q", out.Status)}
	}
	return &out, nil
}
