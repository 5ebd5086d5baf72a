package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
)

// Client talks to a ledger gateway.
type Client struct {
	baseURL    *url.URL
	wallet     Wallet
	httpClient *http.Client
}

func NewClient(baseURL string, wallet Wallet) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad gateway url %q: %w", baseURL, err)
	}
	return &Client{
		baseURL:    u,
		wallet:     wallet,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Put signs data with the wallet and stores it. It returns the transaction id.
func (c *Client) Put(ctx context.Context, data []byte, tags []Tag) (string, error) {
	if c.wallet == nil {
		return "", ErrNotConnected
	}
	tx := NewTransaction(data, tags)
	if err := c.wallet.Sign(tx); err != nil {
		return "", err
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.JoinPath("tx").String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to post transaction: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError(resp)
	}
	glog.Infof("[ledger]stored %s (%d bytes)", tx.ID, len(data))
	return tx.ID, nil
}

// Get fetches a transaction including its data.
func (c *Client) Get(ctx context.Context, id string) (*Transaction, error) {
	var tx Transaction
	if err := c.getJSON(ctx, c.baseURL.JoinPath("tx", id).String(), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Data fetches only the stored bytes.
func (c *Client) Data(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.get(ctx, c.baseURL.JoinPath(id).String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Query lists transactions by owner carrying every given tag. Data is
// not included.
func (c *Client) Query(ctx context.Context, owner string, tags []Tag) ([]Transaction, error) {
	u := c.baseURL.JoinPath("tx")
	q := url.Values{}
	if owner != "" {
		q.Set("owner", owner)
	}
	for _, tag := range tags {
		q.Add("tag", tag.Name+":"+tag.Value)
	}
	u.RawQuery = q.Encode()

	txs := []Transaction{}
	if err := c.getJSON(ctx, u.String(), &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach gateway: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
