package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"topshot-backend/internal/domain"
)

const (
	oauthPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	// refresh this long before the token's stated expiry
	tokenSafetyMargin = 30 * time.Second
)

// Gateway is everything the rest of the system needs from the payment
// gateway. Retry policy belongs to callers; the client never retries a push.
type Gateway interface {
	InitiatePayment(ctx context.Context, phone string, amount float64, accountRef string) (*StkPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*StkQueryResult, error)
}

type StkPushResult struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	Raw                 json.RawMessage
}

type StkQueryResult struct {
	ResultCode int
	ResultDesc string
	Raw        json.RawMessage
}

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		now:  time.Now,
	}
}

// acquireToken returns a cached bearer token, exchanging the configured
// credentials for a fresh one when the cache is empty or near expiry.
func (c *Client) acquireToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenSafetyMargin)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+oauthPath, nil)
	if err != nil {
		return "", &domain.GatewayAuthError{Op: "token request", Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &domain.GatewayAuthError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &domain.GatewayAuthError{Op: "token exchange", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &domain.GatewayAuthError{Op: "token decode", Err: err}
	}
	if body.AccessToken == "" {
		return "", &domain.GatewayAuthError{Op: "token decode", Err: fmt.Errorf("response missing access_token")}
	}

	ttl := 3600
	if n, err := strconv.Atoi(body.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}
	c.token = body.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl) * time.Second)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// password is base64(shortcode + passkey + timestamp), timestamp being the
// gateway's YYYYMMDDHHMMSS convention.
func (c *Client) password(ts time.Time) (password, timestamp string) {
	timestamp = ts.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
	return password, timestamp
}

// InitiatePayment normalizes the phone, builds a signed STK push request and
// submits it once. The gateway's correlation ids are required in the
// response; anything else is a GatewayRequestError.
func (c *Client) InitiatePayment(ctx context.Context, phone string, amount float64, accountRef string) (*StkPushResult, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.password(c.now())
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            int64(math.Round(amount)),
		"PartyA":            normalized,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       normalized,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   fmt.Sprintf("Topshot Order %s", accountRef),
	}

	raw, err := c.postJSON(ctx, stkPushPath, payload)
	if err != nil {
		return nil, err
	}

	var body struct {
		MerchantRequestID   string `json:"MerchantRequestID"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &domain.GatewayRequestError{Op: "stk push", Err: err}
	}
	if body.MerchantRequestID == "" || body.CheckoutRequestID == "" {
		return nil, &domain.GatewayRequestError{Op: "stk push", Detail: "response missing correlation ids"}
	}

	return &StkPushResult{
		MerchantRequestID:   body.MerchantRequestID,
		CheckoutRequestID:   body.CheckoutRequestID,
		ResponseCode:        body.ResponseCode,
		ResponseDescription: body.ResponseDescription,
		Raw:                 raw,
	}, nil
}

// QueryStatus asks the gateway for the settlement outcome of an earlier STK
// push. Used by the reconciliation sweep for stuck orders.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StkQueryResult, error) {
	password, timestamp := c.password(c.now())
	payload := map[string]any{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	raw, err := c.postJSON(ctx, stkQueryPath, payload)
	if err != nil {
		return nil, err
	}

	var body struct {
		ResultCode json.RawMessage `json:"ResultCode"`
		ResultDesc string          `json:"ResultDesc"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &domain.GatewayRequestError{Op: "stk query", Err: err}
	}
	code, ok := asInt(body.ResultCode)
	if !ok {
		return nil, &domain.GatewayRequestError{Op: "stk query", Detail: "response missing result code"}
	}

	return &StkQueryResult{ResultCode: code, ResultDesc: body.ResultDesc, Raw: raw}, nil
}

// postJSON submits an authorized request, refreshing the token once on a
// 401-class response.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &domain.GatewayRequestError{Op: path, Err: err}
	}

	for attempt := 0; ; attempt++ {
		token, err := c.acquireToken(ctx)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, &domain.GatewayRequestError{Op: path, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &domain.GatewayRequestError{Op: path, Err: err}
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if err != nil {
			return nil, &domain.GatewayRequestError{Op: path, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.invalidateToken()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &domain.GatewayRequestError{Op: path, Detail: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))}
		}
		return raw, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
