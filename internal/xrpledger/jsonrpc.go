package xrpledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dmitrijs2005/xrpkeeper/internal/common"
	"github.com/dmitrijs2005/xrpkeeper/internal/logging"
)

// standardFeeDrops is attached to every payment (0.00001 XRP).
const standardFeeDrops = "10"

// JSONRPCClient talks to a rippled-compatible server over HTTP JSON-RPC.
// An inner token-bucket limiter keeps a hard floor on the request rate
// regardless of what the budget layer above allows.
type JSONRPCClient struct {
	url       string
	faucetURL string
	network   string
	http      *http.Client
	limiter   *rate.Limiter
	log       logging.Logger
}

func NewJSONRPCClient(url, faucetURL, network string, log logging.Logger) *JSONRPCClient {
	return &JSONRPCClient{
		url:       url,
		faucetURL: faucetURL,
		network:   network,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(20), 40),
		log:       log.With("module", "xrpledger"),
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// call performs one JSON-RPC request and decodes result into out.
// The returned rpcStatus is valid even when the server reports an error.
func (c *JSONRPCClient) call(ctx context.Context, method string, params any, out any) (*rpcStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ledger rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("ledger rpc %s: decode: %w", method, err)
	}

	status := &rpcStatus{}
	if err := json.Unmarshal(env.Result, status); err != nil {
		return nil, fmt.Errorf("ledger rpc %s: decode status: %w", method, err)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return nil, fmt.Errorf("ledger rpc %s: decode result: %w", method, err)
		}
	}
	return status, nil
}

// AccountBalance implements Client. Accounts the ledger does not know yet
// (never funded) report a zero balance rather than an error.
func (c *JSONRPCClient) AccountBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	params := map[string]any{
		"account":      address,
		"ledger_index": "validated",
	}
	var res struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	status, err := c.call(ctx, "account_info", params, &res)
	if err != nil {
		return decimal.Zero, err
	}
	if status.Status != "success" {
		if status.Error == "actNotFound" {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("account_info %s: %s", address, status.Error)
	}
	return XRPFromDrops(res.AccountData.Balance)
}

// Sign implements Client using the server-side sign method.
func (c *JSONRPCClient) Sign(ctx context.Context, secret string, p Payment) (*SignedIntent, error) {
	txJSON := map[string]any{
		"TransactionType": "Payment",
		"Account":         p.Account,
		"Destination":     p.Destination,
		"Amount":          DropsFromXRP(p.Amount),
		"Fee":             standardFeeDrops,
	}
	if p.Memo != "" {
		txJSON["Memos"] = []map[string]any{
			{"Memo": map[string]any{"MemoData": fmt.Sprintf("%x", p.Memo)}},
		}
	}
	params := map[string]any{
		"secret":  secret,
		"tx_json": txJSON,
	}

	var res struct {
		TxBlob string `json:"tx_blob"`
		TxJSON struct {
			Hash     string `json:"hash"`
			Sequence uint32 `json:"Sequence"`
		} `json:"tx_json"`
	}
	status, err := c.call(ctx, "sign", params, &res)
	if err != nil {
		return nil, err
	}
	if status.Status != "success" {
		return nil, fmt.Errorf("sign: %s (%s)", status.Error, status.ErrorMessage)
	}

	return &SignedIntent{
		Account:     p.Account,
		Destination: p.Destination,
		Amount:      p.Amount,
		Blob:        res.TxBlob,
		Hash:        res.TxJSON.Hash,
		Sequence:    res.TxJSON.Sequence,
	}, nil
}

// Submit implements Client. Transport failures return an error (outcome
// unknown); engine rejections come back as a result with a non-tes code.
func (c *JSONRPCClient) Submit(ctx context.Context, intent *SignedIntent) (*SubmitResult, error) {
	params := map[string]any{"tx_blob": intent.Blob}

	var res struct {
		EngineResult        string `json:"engine_result"`
		EngineResultMessage string `json:"engine_result_message"`
		ValidatedLedger     int64  `json:"validated_ledger_index"`
		TxJSON              struct {
			Hash string `json:"hash"`
			Fee  string `json:"Fee"`
		} `json:"tx_json"`
	}
	status, err := c.call(ctx, "submit", params, &res)
	if err != nil {
		return nil, err
	}
	if status.Status != "success" {
		return nil, fmt.Errorf("submit: %s (%s)", status.Error, status.ErrorMessage)
	}

	fee := common.StandardFee
	if res.TxJSON.Fee != "" {
		if f, ferr := XRPFromDrops(res.TxJSON.Fee); ferr == nil {
			fee = f
		}
	}

	hash := res.TxJSON.Hash
	if hash == "" {
		hash = intent.Hash
	}

	return &SubmitResult{
		Hash:        hash,
		LedgerIndex: res.ValidatedLedger,
		ResultCode:  res.EngineResult,
		Message:     res.EngineResultMessage,
		Fee:         fee,
	}, nil
}

// Transaction implements Client.
func (c *JSONRPCClient) Transaction(ctx context.Context, hash string) (*Transaction, error) {
	params := map[string]any{"transaction": hash}

	var res struct {
		Validated   bool   `json:"validated"`
		LedgerIndex int64  `json:"ledger_index"`
		Hash        string `json:"hash"`
		TxJSON      struct {
			TransactionType string          `json:"TransactionType"`
			Account         string          `json:"Account"`
			Destination     string          `json:"Destination"`
			Amount          json.RawMessage `json:"Amount"`
			Fee             string          `json:"Fee"`
		} `json:"tx_json"`
		Meta struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	status, err := c.call(ctx, "tx", params, &res)
	if err != nil {
		return nil, err
	}
	if status.Status != "success" {
		if status.Error == "txnNotFound" {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("tx %s: %s", hash, status.Error)
	}

	tx := &Transaction{
		Hash:        res.Hash,
		Type:        res.TxJSON.TransactionType,
		Sender:      res.TxJSON.Account,
		Destination: res.TxJSON.Destination,
		ResultCode:  res.Meta.TransactionResult,
		LedgerIndex: res.LedgerIndex,
		Validated:   res.Validated,
	}
	if tx.Hash == "" {
		tx.Hash = hash
	}
	var drops string
	if err := json.Unmarshal(res.TxJSON.Amount, &drops); err == nil {
		if amt, aerr := XRPFromDrops(drops); aerr == nil {
			tx.Amount = amt
		}
	}
	if res.TxJSON.Fee != "" {
		if fee, ferr := XRPFromDrops(res.TxJSON.Fee); ferr == nil {
			tx.Fee = fee
		}
	}
	return tx, nil
}

// AccountTransactions implements Client.
func (c *JSONRPCClient) AccountTransactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	params := map[string]any{"account": address, "limit": limit}

	var res struct {
		Transactions []struct {
			Tx struct {
				Hash            string          `json:"hash"`
				TransactionType string          `json:"TransactionType"`
				Account         string          `json:"Account"`
				Destination     string          `json:"Destination"`
				Amount          json.RawMessage `json:"Amount"`
				Fee             string          `json:"Fee"`
				LedgerIndex     int64           `json:"ledger_index"`
			} `json:"tx"`
			Meta struct {
				TransactionResult string `json:"TransactionResult"`
			} `json:"meta"`
			Validated bool `json:"validated"`
		} `json:"transactions"`
	}
	status, err := c.call(ctx, "account_tx", params, &res)
	if err != nil {
		return nil, err
	}
	if status.Status != "success" {
		return nil, fmt.Errorf("account_tx %s: %s", address, status.Error)
	}

	out := make([]Transaction, 0, len(res.Transactions))
	for _, item := range res.Transactions {
		tx := Transaction{
			Hash:        item.Tx.Hash,
			Type:        item.Tx.TransactionType,
			Sender:      item.Tx.Account,
			Destination: item.Tx.Destination,
			ResultCode:  item.Meta.TransactionResult,
			LedgerIndex: item.Tx.LedgerIndex,
			Validated:   item.Validated,
		}
		var drops string
		if err := json.Unmarshal(item.Tx.Amount, &drops); err == nil {
			if amt, aerr := XRPFromDrops(drops); aerr == nil {
				tx.Amount = amt
			}
		}
		if item.Tx.Fee != "" {
			if fee, ferr := XRPFromDrops(item.Tx.Fee); ferr == nil {
				tx.Fee = fee
			}
		}
		out = append(out, tx)
	}
	return out, nil
}

// WalletPropose generates a fresh keypair on the connected server and
// returns the address with its master seed. The seed must be sealed before
// it touches storage.
func (c *JSONRPCClient) WalletPropose(ctx context.Context) (address, seed string, err error) {
	var res struct {
		AccountID  string `json:"account_id"`
		MasterSeed string `json:"master_seed"`
	}
	status, err := c.call(ctx, "wallet_propose", map[string]any{}, &res)
	if err != nil {
		return "", "", err
	}
	if status.Status != "success" {
		return "", "", fmt.Errorf("wallet_propose: %s (%s)", status.Error, status.ErrorMessage)
	}
	return res.AccountID, res.MasterSeed, nil
}

// FundFromFaucet asks the testnet faucet to fund an address. It is a no-op
// failure on any other network.
func (c *JSONRPCClient) FundFromFaucet(ctx context.Context, address string, amount int) error {
	if c.network != "testnet" {
		return fmt.Errorf("faucet funding is only available on testnet")
	}

	body, err := json.Marshal(map[string]string{
		"destination": address,
		"amount":      fmt.Sprintf("%d", amount),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.faucetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("faucet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("faucet: unexpected status %d", resp.StatusCode)
	}
	c.log.Info(ctx, "funded account from faucet", "address", address, "amount", amount)
	return nil
}

var _ Client = (*JSONRPCClient)(nil)
