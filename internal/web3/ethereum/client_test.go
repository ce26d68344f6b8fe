package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
)

func TestClientAgainstSimulatedBackend(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	funds := big.NewInt(1_000_000_000_000_000_000)
	backend := simulated.NewBackend(types.GenesisAlloc{from: {Balance: funds}})
	t.Cleanup(func() { _ = backend.Close() })
	backend.Commit()

	client := NewClientWithBackend("simulated", backend.Client(), "simulated backend")
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	chainID, err := backend.Client().ChainID(ctx)
	if err != nil {
		t.Fatalf("chain id: %v", err)
	}
	if status.ChainID != "0x"+chainID.Text(16) || status.Name != "simulated" {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.BlockNumber == "0x0" {
		t.Fatalf("expected block number to advance after commit")
	}

	balance, err := client.Balance(ctx, from.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != "0x"+funds.Text(16) {
		t.Fatalf("unexpected balance %s", balance)
	}
	nonce, err := client.Nonce(ctx, from.Hex())
	if err != nil || nonce != 0 {
		t.Fatalf("unexpected nonce %d (%v)", nonce, err)
	}

	if _, err := client.Balance(ctx, "not-an-address"); err == nil {
		t.Fatalf("expected invalid address error")
	}

	client.Close()
	if _, err := client.Status(ctx); err == nil {
		t.Fatalf("expected closed client to fail")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(context.Background(), Config{Name: "empty"}); err == nil {
		t.Fatalf("expected missing RPC url to fail")
	}
}
