package token

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	aliceAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bobAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestTransferFromRequiresAllowance(t *testing.T) {
	t.Parallel()

	l := NewMemoryLedger(engineAddr)
	l.Mint(aliceAddr, 500)

	err := l.TransferFrom(context.Background(), aliceAddr, engineAddr, 100)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}

	l.ApproveFor(aliceAddr, engineAddr, 100)
	if err := l.TransferFrom(context.Background(), aliceAddr, engineAddr, 100); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}

	// Allowance is consumed.
	err = l.TransferFrom(context.Background(), aliceAddr, engineAddr, 1)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance after spend, got %v", err)
	}

	bal, err := l.BalanceOf(context.Background(), engineAddr)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if bal != 100 {
		t.Fatalf("engine balance: got %d want 100", bal)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	t.Parallel()

	l := NewMemoryLedger(engineAddr)
	l.Mint(engineAddr, 50)

	if err := l.Transfer(context.Background(), bobAddr, 51); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := l.Transfer(context.Background(), bobAddr, 50); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	bal, _ := l.BalanceOf(context.Background(), bobAddr)
	if bal != 50 {
		t.Fatalf("bob balance: got %d want 50", bal)
	}
}
