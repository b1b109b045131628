package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Config identifies one provider endpoint pair and its credentials.
type Config struct {
	Name       string
	BaseURL    string
	BalanceURL string
	User       string
	Password   string
	// Timeout bounds every call; a provider that does not answer in time is
	// ambiguous and surfaces as a retriable error.
	Timeout time.Duration
	// CallsPerMinute throttles recharge calls to keep the provider's rate
	// limit surface predictable. Zero disables throttling.
	CallsPerMinute int
}

// HTTPClient talks to one recharge provider over HTTP.
type HTTPClient struct {
	cfg     Config
	httpc   *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewHTTPClient builds a client for one provider.
func NewHTTPClient(cfg Config, log *logrus.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.CallsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.CallsPerMinute)/60.0), 1)
	}
	return &HTTPClient{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		log:     log.WithField("provider", cfg.Name),
	}
}

func (c *HTTPClient) Name() string { return c.cfg.Name }

type balanceResponse struct {
	Balance float64 `json:"saldo"`
	Error   string  `json:"error,omitempty"`
}

// Balance queries the provider's spendable balance.
func (c *HTTPClient) Balance(ctx context.Context) (float64, error) {
	body, _, err := c.do(ctx, http.MethodGet, c.cfg.BalanceURL, nil)
	if err != nil {
		return 0, err
	}
	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("provider %s: decode balance: %w", c.cfg.Name, err)
	}
	if resp.Error != "" {
		return 0, &BusinessError{Provider: c.cfg.Name, Code: "balance_error", Message: resp.Error}
	}
	return resp.Balance, nil
}

type rechargeResponse struct {
	Success      bool            `json:"exito"`
	Folio        string          `json:"folio"`
	TransID      string          `json:"transId"`
	FinalBalance float64         `json:"saldoFinal"`
	Carrier      string          `json:"carrier"`
	IP           string          `json:"ip"`
	ErrorCode    string          `json:"codigoError,omitempty"`
	ErrorMsg     string          `json:"mensajeError,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// Recharge executes one purchase. Every Success=true return is a committed
// charge; timeouts surface as transport errors and must not be read as
// success.
func (c *HTTPClient) Recharge(ctx context.Context, sim string, productCode string) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	form := url.Values{}
	form.Set("telefono", sim)
	form.Set("producto", productCode)

	start := time.Now()
	body, ip, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL, strings.NewReader(form.Encode()))
	elapsed := time.Since(start)
	if err != nil {
		return Result{}, err
	}

	var resp rechargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("provider %s: decode recharge: %w", c.cfg.Name, err)
	}

	res := Result{
		Success:         resp.Success,
		Folio:           resp.Folio,
		TransID:         resp.TransID,
		FinalBalance:    resp.FinalBalance,
		Carrier:         resp.Carrier,
		TimeoutObserved: elapsed,
		IP:              resp.IP,
		Raw:             json.RawMessage(body),
	}
	if res.IP == "" {
		res.IP = ip
	}
	if !resp.Success {
		if isRateLimitCode(resp.ErrorCode, resp.ErrorMsg) {
			return res, &RateLimitError{Provider: c.cfg.Name, Message: resp.ErrorMsg}
		}
		return res, &BusinessError{Provider: c.cfg.Name, Code: resp.ErrorCode, Message: resp.ErrorMsg}
	}
	return res, nil
}

func isRateLimitCode(code, msg string) bool {
	if code == "429" {
		return true
	}
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") || strings.Contains(m, "demasiadas solicitudes")
}

// do runs one HTTP exchange and returns the body and the remote host.
func (c *HTTPClient) do(ctx context.Context, method, rawurl string, payload io.Reader) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, payload)
	if err != nil {
		return nil, "", err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: read body: %w", c.cfg.Name, err)
	}

	host := ""
	if u, uerr := url.Parse(rawurl); uerr == nil {
		host = u.Host
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, host, &RateLimitError{Provider: c.cfg.Name, Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, host, &StatusError{Provider: c.cfg.Name, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, host, nil
}
