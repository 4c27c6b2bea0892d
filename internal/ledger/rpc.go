// rpc.go - JSON-RPC transport for the pool ledger.
//
// The service is registered under the "pool" namespace, so its methods are
// called as pool_submit, pool_getStatus, pool_queryNullifier,
// pool_streamPoolEvents, pool_root, pool_balance and pool_faucet.

package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/token"
)

// Namespace is the RPC namespace of the pool service.
const Namespace = "pool"

// ErrRateLimited is returned when a sender exceeds its submission rate.
var ErrRateLimited = errors.New("rate limit exceeded")

// Admission decides whether a sender may submit now.
type Admission interface {
	Allow(sender common.Address) bool
}

// Service exposes a MemoryLedger over JSON-RPC.
type Service struct {
	ledger    *MemoryLedger
	admission Admission
	faucet    bool
}

// NewService wraps l. A nil admission admits everything; faucet enables
// pool_faucet.
func NewService(l *MemoryLedger, admission Admission, faucet bool) *Service {
	return &Service{ledger: l, admission: admission, faucet: faucet}
}

// NewServer returns an rpc.Server with the service registered.
func NewServer(svc *Service) (*rpc.Server, error) {
	srv := rpc.NewServer()
	if err := srv.RegisterName(Namespace, svc); err != nil {
		return nil, fmt.Errorf("register pool service: %w", err)
	}
	return srv, nil
}

func (s *Service) Submit(ctx context.Context, tx *SignedTx) (TxID, error) {
	if tx == nil {
		return TxID{}, errors.New("missing transaction")
	}
	if s.admission != nil {
		sender, err := tx.Sender()
		if err != nil {
			return TxID{}, err
		}
		if !s.admission.Allow(sender) {
			return TxID{}, fmt.Errorf("%w: %s", ErrRateLimited, sender.Hex())
		}
	}
	return s.ledger.Submit(ctx, tx)
}

func (s *Service) GetStatus(ctx context.Context, id TxID) (*Receipt, error) {
	return s.ledger.GetStatus(ctx, id)
}

func (s *Service) QueryNullifier(ctx context.Context, nf common.Hash) (bool, error) {
	return s.ledger.QueryNullifier(ctx, nf)
}

func (s *Service) StreamPoolEvents(ctx context.Context, from hexutil.Uint64) ([]PoolEvent, error) {
	return s.ledger.StreamPoolEvents(ctx, uint64(from))
}

func (s *Service) Root(ctx context.Context) (common.Hash, error) {
	return s.ledger.Root(ctx)
}

func (s *Service) Balance(ctx context.Context, account common.Address, tok token.ID) (hexutil.Uint64, error) {
	b, err := s.ledger.Balance(ctx, account, tok)
	return hexutil.Uint64(b), err
}

func (s *Service) Faucet(ctx context.Context, account common.Address, tok token.ID, amount hexutil.Uint64) (hexutil.Uint64, error) {
	if !s.faucet {
		return 0, errors.New("faucet disabled")
	}
	b, err := s.ledger.Faucet(ctx, account, tok, uint64(amount))
	return hexutil.Uint64(b), err
}

// Client talks to a pool service. It satisfies the ledger interface the
// wallet depends on.
type Client struct {
	c *rpc.Client
}

// Dial connects to a pool RPC endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial pool rpc %s: %w", url, err)
	}
	return &Client{c: c}, nil
}

// NewClient wraps an existing rpc client, such as an in-process one.
func NewClient(c *rpc.Client) *Client { return &Client{c: c} }

func (c *Client) Close() { c.c.Close() }

func (c *Client) Submit(ctx context.Context, tx *SignedTx) (TxID, error) {
	var id TxID
	err := c.c.CallContext(ctx, &id, Namespace+"_submit", tx)
	return id, err
}

func (c *Client) GetStatus(ctx context.Context, id TxID) (*Receipt, error) {
	var r Receipt
	if err := c.c.CallContext(ctx, &r, Namespace+"_getStatus", id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) QueryNullifier(ctx context.Context, nf note.Nullifier) (bool, error) {
	var spent bool
	err := c.c.CallContext(ctx, &spent, Namespace+"_queryNullifier", nf)
	return spent, err
}

func (c *Client) StreamPoolEvents(ctx context.Context, from uint64) ([]PoolEvent, error) {
	var evs []PoolEvent
	err := c.c.CallContext(ctx, &evs, Namespace+"_streamPoolEvents", hexutil.Uint64(from))
	return evs, err
}

func (c *Client) Root(ctx context.Context) (common.Hash, error) {
	var root common.Hash
	err := c.c.CallContext(ctx, &root, Namespace+"_root")
	return root, err
}

func (c *Client) Balance(ctx context.Context, account common.Address, tok token.ID) (uint64, error) {
	var b hexutil.Uint64
	err := c.c.CallContext(ctx, &b, Namespace+"_balance", account, tok)
	return uint64(b), err
}

func (c *Client) Faucet(ctx context.Context, account common.Address, tok token.ID, amount uint64) (uint64, error) {
	var b hexutil.Uint64
	err := c.c.CallContext(ctx, &b, Namespace+"_faucet", account, tok, hexutil.Uint64(amount))
	return uint64(b), err
}
