// Package gatewayfake provides an in-memory gateway with call counters for tests.
package gatewayfake

import (
	"context"
	"fmt"
	"sync"

	"github.com/godzika/sferocoinapi/pkg/gatewayclient"
	"github.com/shopspring/decimal"
)

// Gateway is an in-memory stand-in for the Web3 gateway.
type Gateway struct {
	mu sync.Mutex

	// InvalidAddresses are rejected by ValidateAddress; everything else is valid.
	InvalidAddresses map[string]bool
	Balances         map[string]decimal.Decimal
	BalanceErr       error
	SubmitErr        error
	WalletErr        error
	// NextInternalID is returned by the next SubmitTransfer; a counter-based id is used when empty.
	NextInternalID string
	NextWallet     string

	ValidateCalls  int
	BalanceCalls   int
	SubmitCalls    int
	ProvisionCalls int
	Submitted      []gatewayclient.SubmitTransferRequest
}

// New returns a gateway where every address is valid and every balance is zero.
func New() *Gateway {
	return &Gateway{
		InvalidAddresses: map[string]bool{},
		Balances:         map[string]decimal.Decimal{},
	}
}

// TotalCalls is the number of gateway operations invoked so far.
func (g *Gateway) TotalCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ValidateCalls + g.BalanceCalls + g.SubmitCalls + g.ProvisionCalls
}

func (g *Gateway) ValidateAddress(ctx context.Context, address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ValidateCalls++
	return !g.InvalidAddresses[address]
}

func (g *Gateway) GetBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.BalanceCalls++
	if g.BalanceErr != nil {
		return decimal.Zero, g.BalanceErr
	}
	return g.Balances[address], nil
}

func (g *Gateway) SubmitTransfer(ctx context.Context, req gatewayclient.SubmitTransferRequest) (*gatewayclient.SubmitTransferResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.SubmitCalls++
	g.Submitted = append(g.Submitted, req)
	if g.SubmitErr != nil {
		return nil, g.SubmitErr
	}
	internalID := g.NextInternalID
	if internalID == "" {
		internalID = fmt.Sprintf("fake-tx-%d", g.SubmitCalls)
	}
	g.NextInternalID = ""
	return &gatewayclient.SubmitTransferResponse{Status: "WAITING", InternalID: internalID}, nil
}

func (g *Gateway) ProvisionWallet(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ProvisionCalls++
	if g.WalletErr != nil {
		return "", g.WalletErr
	}
	if g.NextWallet != "" {
		return g.NextWallet, nil
	}
	return fmt.Sprintf("0x%040d", g.ProvisionCalls), nil
}
