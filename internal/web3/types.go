package web3

import (
	"context"
)

// ChainStatus summarises what a probe learnt about a chain endpoint.
type ChainStatus struct {
	Name        string
	ChainID     string
	BlockNumber string
	Notes       string
}

// Client defines the read-only chain access ChainHost needs. Implementations
// must be safe for concurrent use.
type Client interface {
	Status(ctx context.Context) (ChainStatus, error)
	Balance(ctx context.Context, address string) (string, error)
	Nonce(ctx context.Context, address string) (uint64, error)
	Close()
}
