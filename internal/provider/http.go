package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	transferPath    = "/developer/transactions/transfer"
	transactionPath = "/transactions/"
	walletPath      = "/wallets/"
)

// HTTPOptions parameterise the custody REST provider.
type HTTPOptions struct {
	BaseURL   string
	APIKey    string
	TokenID   string
	FeeLevel  string
	Timeout   time.Duration
	UserAgent string
	// Symbol selects the balance entry; defaults to USDC.
	Symbol string
}

// HTTPTransferer submits transfers to a custody provider's REST API.
type HTTPTransferer struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPTransferer constructs the REST provider.
func NewHTTPTransferer(opts HTTPOptions, logger zerolog.Logger) *HTTPTransferer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if opts.Symbol == "" {
		opts.Symbol = "USDC"
	}

	return &HTTPTransferer{
		opts:    opts,
		logger:  logger.With().Str("component", "http_provider").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Transfer implements Transferer.
func (h *HTTPTransferer) Transfer(ctx context.Context, t Transfer) (TransferResult, error) {
	if h.baseURL == "" {
		return TransferResult{}, errors.New("provider base url not configured")
	}
	if t.WalletID == "" || t.Recipient == "" {
		return TransferResult{}, errors.New("wallet and recipient required")
	}
	if !t.Amount.IsPositive() {
		return TransferResult{}, errors.New("transfer amount must be greater than zero")
	}

	reqPayload := transferRequest{
		IdempotencyKey:     t.IdempotencyKey,
		WalletID:           t.WalletID,
		DestinationAddress: t.Recipient,
		Amounts:            []string{t.Amount.String()},
		TokenID:            h.opts.TokenID,
		FeeLevel:           h.opts.FeeLevel,
	}

	var envelope struct {
		Data struct {
			ID     string `json:"id"`
			State  string `json:"state"`
			TxHash string `json:"txHash"`
		} `json:"data"`
	}
	if err := h.do(ctx, http.MethodPost, transferPath, reqPayload, &envelope); err != nil {
		return TransferResult{}, err
	}
	if envelope.Data.ID == "" {
		return TransferResult{}, errors.New("provider returned no transfer id")
	}

	res := TransferResult{
		ID:     envelope.Data.ID,
		TxHash: envelope.Data.TxHash,
		State:  normalizeState(envelope.Data.State),
	}
	h.logger.Info().
		Str("wallet", t.WalletID).
		Str("transfer", res.ID).
		Str("state", res.State).
		Msg("transfer submitted")
	return res, nil
}

// Status polls a previously submitted transfer.
func (h *HTTPTransferer) Status(ctx context.Context, id string) (TransferResult, error) {
	var envelope struct {
		Data struct {
			Transaction struct {
				ID     string `json:"id"`
				State  string `json:"state"`
				TxHash string `json:"txHash"`
			} `json:"transaction"`
		} `json:"data"`
	}
	if err := h.do(ctx, http.MethodGet, transactionPath+url.PathEscape(id), nil, &envelope); err != nil {
		return TransferResult{}, err
	}
	tx := envelope.Data.Transaction
	return TransferResult{ID: tx.ID, TxHash: tx.TxHash, State: normalizeState(tx.State)}, nil
}

// Balance implements BalanceReader from the wallet's token balances.
func (h *HTTPTransferer) Balance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	var envelope struct {
		Data struct {
			TokenBalances []struct {
				Amount string `json:"amount"`
				Token  struct {
					ID     string `json:"id"`
					Symbol string `json:"symbol"`
				} `json:"token"`
			} `json:"tokenBalances"`
		} `json:"data"`
	}
	if err := h.do(ctx, http.MethodGet, walletPath+url.PathEscape(walletID)+"/balances", nil, &envelope); err != nil {
		return decimal.Decimal{}, err
	}
	for _, tb := range envelope.Data.TokenBalances {
		if (h.opts.TokenID != "" && tb.Token.ID == h.opts.TokenID) || strings.EqualFold(tb.Token.Symbol, h.opts.Symbol) {
			amount, err := decimal.NewFromString(tb.Amount)
			if err != nil {
				return decimal.Decimal{}, fmt.Errorf("parse balance: %w", err)
			}
			return amount, nil
		}
	}
	return decimal.Zero, nil
}

func (h *HTTPTransferer) do(ctx context.Context, method, path string, payload, out any) error {
	if h.baseURL == "" {
		return errors.New("provider base url not configured")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if h.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.opts.APIKey)
	}
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "spendguard/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(resp.StatusCode, payloadBytes)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payloadBytes, out)
}

func normalizeState(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONFIRMED":
		return StateConfirmed
	case "COMPLETE", "COMPLETED":
		return StateComplete
	case "FAILED", "DENIED":
		return StateFailed
	case "CANCELLED", "CANCELED":
		return StateCancelled
	default:
		return StatePending
	}
}

type transferRequest struct {
	IdempotencyKey     string   `json:"idempotencyKey,omitempty"`
	WalletID           string   `json:"walletId"`
	DestinationAddress string   `json:"destinationAddress"`
	Amounts            []string `json:"amounts"`
	TokenID            string   `json:"tokenId,omitempty"`
	FeeLevel           string   `json:"feeLevel,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("provider api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("provider api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("provider api error (%d)", status)
}

var (
	_ Transferer    = (*HTTPTransferer)(nil)
	_ BalanceReader = (*HTTPTransferer)(nil)
)
