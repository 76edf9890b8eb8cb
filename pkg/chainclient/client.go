/**
 * @description
 * This package provides the single, injectable chain RPC client used by every
 * component of the escrow-service. It wraps the solana-go RPC client with one
 * shared retry/backoff policy and a cached client handle with a bounded TTL
 * that is invalidated on any transport error, so no component holds its own
 * connection or hand-rolls its own retry loop.
 *
 * Broadcasts are never retried by the policy: re-sending a transaction whose
 * outcome is unknown risks a double transfer. Only read calls go through the
 * retry loop.
 *
 * @dependencies
 * - context, errors, sync, time: Standard Go libraries.
 * - github.com/gagliardetto/solana-go, /rpc: Chain types and RPC transport.
 */

package chainclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var (
	// ErrAccountNotFound reports that the queried account does not exist
	// on-chain. Callers distinguish this from transport failure.
	ErrAccountNotFound = errors.New("account not found on chain")
	// ErrSignatureNotFound reports that the queried signature is unknown to
	// the cluster (within the searched history window).
	ErrSignatureNotFound = errors.New("signature not found on chain")
	// ErrChainUnavailable wraps transport-level RPC failures after retries
	// are exhausted.
	ErrChainUnavailable = errors.New("chain rpc unavailable")
)

// RetryPolicy is the single retry/backoff policy applied to read calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		Retryable:   IsRetryable,
	}
}

// IsRetryable reports whether an RPC error is worth another attempt.
// Not-found results are definitive answers, not failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrSignatureNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// SignatureStatus is the subset of a signature status lookup the service needs.
type SignatureStatus struct {
	Slot               uint64
	Confirmations      *uint64
	ConfirmationStatus string
	Err                interface{}
}

// Finalized reports whether the transaction reached at least confirmed
// commitment and did not fail.
func (s *SignatureStatus) Finalized() bool {
	if s == nil || s.Err != nil {
		return false
	}
	return s.ConfirmationStatus == string(rpc.ConfirmationStatusFinalized) ||
		s.ConfirmationStatus == string(rpc.ConfirmationStatusConfirmed)
}

// Pool is the shared chain client. The underlying RPC handle is cached for a
// bounded TTL and rebuilt after expiry or any transport error.
type Pool struct {
	endpoint    string
	commitment  rpc.CommitmentType
	handleTTL   time.Duration
	callTimeout time.Duration
	retry       RetryPolicy

	// RetryObserver, when set, is invoked once per retried attempt. Used to
	// feed the retry counter metric.
	RetryObserver func(method string)

	mu      sync.Mutex
	handle  *rpc.Client
	expires time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(p *Pool) { p.retry = policy }
}

// WithHandleTTL bounds how long a cached RPC handle is reused.
func WithHandleTTL(ttl time.Duration) Option {
	return func(p *Pool) {
		if ttl > 0 {
			p.handleTTL = ttl
		}
	}
}

// WithCommitment sets the commitment level for read calls.
func WithCommitment(commitment rpc.CommitmentType) Option {
	return func(p *Pool) {
		if commitment != "" {
			p.commitment = commitment
		}
	}
}

// WithCallTimeout bounds each individual RPC call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		if timeout > 0 {
			p.callTimeout = timeout
		}
	}
}

// NewPool creates a chain client pool for the given RPC endpoint.
func NewPool(endpoint string, opts ...Option) *Pool {
	p := &Pool{
		endpoint:    endpoint,
		commitment:  rpc.CommitmentConfirmed,
		handleTTL:   5 * time.Minute,
		callTimeout: 30 * time.Second,
		retry:       DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) client() *rpc.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.handle == nil || now.After(p.expires) {
		p.handle = rpc.New(p.endpoint)
		p.expires = now.Add(p.handleTTL)
	}
	return p.handle
}

func (p *Pool) invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handle = nil
}

// withRetry runs fn under the pool's retry policy. Each attempt gets its own
// bounded timeout; transport errors invalidate the cached handle.
func (p *Pool) withRetry(ctx context.Context, method string, fn func(ctx context.Context, client *rpc.Client) error) error {
	attempts := p.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		err := fn(callCtx, p.client())
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.retry.Retryable(err) {
			return err
		}
		p.invalidate()
		if attempt == attempts {
			break
		}
		if p.RetryObserver != nil {
			p.RetryObserver(method)
		}
		delay := p.retry.BaseDelay * time.Duration(attempt)
		log.Printf("level=warn component=chain_client method=%s attempt=%d msg=\"rpc call failed; retrying\" delay=%s err=%v", method, attempt, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrChainUnavailable, method, lastErr)
}

// LatestBlockhash fetches a fresh blockhash and its expiry height.
func (p *Pool) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	var blockhash solana.Hash
	var lastValid uint64
	err := p.withRetry(ctx, "get_latest_blockhash", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetLatestBlockhash(ctx, p.commitment)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return errors.New("empty blockhash response")
		}
		blockhash = out.Value.Blockhash
		lastValid = out.Value.LastValidBlockHeight
		return nil
	})
	if err != nil {
		return solana.Hash{}, 0, err
	}
	return blockhash, lastValid, nil
}

// AccountExists reports whether an account exists on-chain.
func (p *Pool) AccountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	exists := false
	err := p.withRetry(ctx, "get_account_info", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetAccountInfo(ctx, account)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		exists = out != nil && out.Value != nil
		return nil
	})
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return exists, nil
}

// TokenAccountBalance returns the raw token balance of a token account.
// Returns ErrAccountNotFound when the account does not exist.
func (p *Pool) TokenAccountBalance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var balance uint64
	err := p.withRetry(ctx, "get_token_account_balance", func(ctx context.Context, client *rpc.Client) error {
		info, err := client.GetAccountInfo(ctx, account)
		if err != nil {
			if errors.Is(err, rpc.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if info == nil || info.Value == nil {
			return ErrAccountNotFound
		}

		out, err := client.GetTokenAccountBalance(ctx, account, p.commitment)
		if err != nil {
			return err
		}
		if out == nil || out.Value == nil {
			return errors.New("empty token balance response")
		}
		parsed, err := strconv.ParseUint(out.Value.Amount, 10, 64)
		if err != nil {
			return fmt.Errorf("decode token balance %q: %w", out.Value.Amount, err)
		}
		balance = parsed
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SendTransaction broadcasts a fully or partially signed transaction. It is
// deliberately excluded from the retry loop.
func (p *Pool) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	sig, err := p.client().SendTransactionWithOpts(callCtx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: p.commitment,
	})
	if err != nil {
		p.invalidate()
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// SignatureStatus looks up a transaction signature's finalization state.
// searchHistory widens the lookup beyond the recent status cache.
func (p *Pool) SignatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (*SignatureStatus, error) {
	var status *SignatureStatus
	err := p.withRetry(ctx, "get_signature_statuses", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetSignatureStatuses(ctx, searchHistory, sig)
		if err != nil {
			return err
		}
		if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
			return ErrSignatureNotFound
		}
		entry := out.Value[0]
		status = &SignatureStatus{
			Slot:               entry.Slot,
			Confirmations:      entry.Confirmations,
			ConfirmationStatus: string(entry.ConfirmationStatus),
			Err:                entry.Err,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return status, nil
}
