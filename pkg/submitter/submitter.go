/**
 * @description
 * This package drives a prepared escrow transaction through signing,
 * broadcast, and confirmation on the client side. A submission walks a small
 * state machine: Built -> Signed -> Broadcast -> {Confirmed, Failed, Unknown}.
 *
 * The primary signing path delegates to a wallet provider that signs and
 * sends in one step; when none is wired a local signer plus the shared chain
 * client are used. Broadcast happens at most once per Submit call: a
 * transaction whose outcome could not be determined resolves Unknown, and
 * resending is always an explicit caller decision.
 *
 * Confirmation polls the signature a bounded number of times. When polling
 * ends without an answer, one wider history lookup decides the outcome, so a
 * transaction that landed while our polls timed out still resolves Confirmed.
 *
 * @dependencies
 * - github.com/gagliardetto/solana-go: Transaction decoding and signatures.
 * - pkg/chainclient: Broadcast, signature status, sentinel errors.
 */

package submitter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/ultimart/escrow-service/pkg/chainclient"
)

// State is a submission lifecycle state.
type State string

const (
	StateBuilt     State = "built"
	StateSigned    State = "signed"
	StateBroadcast State = "broadcast"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// ErrNoSigningPath reports a submitter with neither a wallet provider nor a
// local signer.
var ErrNoSigningPath = errors.New("no wallet provider or signer configured")

// WalletProvider signs and broadcasts a base64 transaction in one step, the
// way browser wallet integrations work.
type WalletProvider interface {
	SignAndSend(ctx context.Context, txBase64 string) (solana.Signature, error)
}

// Signer applies local signatures to a decoded transaction. Used only when
// no wallet provider is wired.
type Signer interface {
	Sign(ctx context.Context, tx *solana.Transaction) error
}

// Chain is the subset of the chain client the submitter consumes.
type Chain interface {
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (*chainclient.SignatureStatus, error)
}

// Outcome is the terminal result of one submission.
type Outcome struct {
	State     State
	Signature solana.Signature
	// Err carries the chain-reported failure for StateFailed and the last
	// transport error for StateUnknown.
	Err error
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithWalletProvider sets the primary signing path.
func WithWalletProvider(wallet WalletProvider) Option {
	return func(s *Submitter) { s.wallet = wallet }
}

// WithSigner sets the fallback local signing path.
func WithSigner(signer Signer) Option {
	return func(s *Submitter) { s.signer = signer }
}

// WithConfirmation overrides the confirmation poll schedule.
func WithConfirmation(polls int, interval, attemptTimeout time.Duration) Option {
	return func(s *Submitter) {
		if polls > 0 {
			s.polls = polls
		}
		if interval >= 0 {
			s.pollInterval = interval
		}
		if attemptTimeout > 0 {
			s.attemptTimeout = attemptTimeout
		}
	}
}

// Submitter submits prepared transactions and resolves their outcome.
type Submitter struct {
	chain  Chain
	wallet WalletProvider
	signer Signer

	polls          int
	pollInterval   time.Duration
	attemptTimeout time.Duration
}

// New creates a submitter over the given chain client.
func New(chain Chain, opts ...Option) *Submitter {
	s := &Submitter{
		chain:          chain,
		polls:          5,
		pollInterval:   2 * time.Second,
		attemptTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit signs, broadcasts, and confirms one prepared base64 transaction.
// The returned outcome is always meaningful; the error covers failures
// before broadcast, where retrying the whole call is safe.
func (s *Submitter) Submit(ctx context.Context, txBase64 string) (Outcome, error) {
	if txBase64 == "" {
		return Outcome{State: StateBuilt}, errors.New("empty transaction")
	}

	sig, err := s.signAndBroadcast(ctx, txBase64)
	if err != nil {
		return Outcome{State: StateSigned}, err
	}
	log.Printf("level=info component=submitter signature=%s msg=\"transaction broadcast\"", sig)

	return s.confirm(ctx, sig), nil
}

func (s *Submitter) signAndBroadcast(ctx context.Context, txBase64 string) (solana.Signature, error) {
	if s.wallet != nil {
		sig, err := s.wallet.SignAndSend(ctx, txBase64)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("wallet sign and send: %w", err)
		}
		return sig, nil
	}

	if s.signer == nil {
		return solana.Signature{}, ErrNoSigningPath
	}

	tx, err := solana.TransactionFromBase64(txBase64)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("decode transaction: %w", err)
	}
	if err := s.signer.Sign(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := s.chain.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("broadcast: %w", err)
	}
	return sig, nil
}

// confirm polls the signature status, then settles the outcome with one
// wider history lookup when polling did not produce an answer.
func (s *Submitter) confirm(ctx context.Context, sig solana.Signature) Outcome {
	var lastErr error
	for attempt := 1; attempt <= s.polls; attempt++ {
		pollCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		status, err := s.chain.SignatureStatus(pollCtx, sig, false)
		cancel()

		if err == nil {
			if outcome, done := resolveStatus(sig, status); done {
				return outcome
			}
		} else if !errors.Is(err, chainclient.ErrSignatureNotFound) {
			lastErr = err
			break
		}

		if attempt < s.polls && s.pollInterval > 0 {
			select {
			case <-ctx.Done():
				return Outcome{State: StateUnknown, Signature: sig, Err: ctx.Err()}
			case <-time.After(s.pollInterval):
			}
		}
	}

	// Last word: a single lookup that also searches transaction history, so
	// a landed transaction is not misreported just because polling raced it.
	finalCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	defer cancel()
	status, err := s.chain.SignatureStatus(finalCtx, sig, true)
	if err != nil {
		if errors.Is(err, chainclient.ErrSignatureNotFound) {
			log.Printf("level=warn component=submitter signature=%s msg=\"signature unknown to cluster; outcome unresolved\"", sig)
			return Outcome{State: StateUnknown, Signature: sig, Err: lastErr}
		}
		log.Printf("level=warn component=submitter signature=%s msg=\"confirmation lookup failed; outcome unresolved\" err=%v", sig, err)
		return Outcome{State: StateUnknown, Signature: sig, Err: err}
	}
	if outcome, done := resolveStatus(sig, status); done {
		return outcome
	}
	return Outcome{State: StateUnknown, Signature: sig, Err: lastErr}
}

func resolveStatus(sig solana.Signature, status *chainclient.SignatureStatus) (Outcome, bool) {
	if status == nil {
		return Outcome{}, false
	}
	if status.Err != nil {
		return Outcome{
			State:     StateFailed,
			Signature: sig,
			Err:       fmt.Errorf("transaction failed on chain: %v", status.Err),
		}, true
	}
	if status.Finalized() {
		return Outcome{State: StateConfirmed, Signature: sig}, true
	}
	return Outcome{}, false
}
