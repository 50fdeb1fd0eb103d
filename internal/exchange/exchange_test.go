package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

type mintRecorder struct {
	to     common.Address
	amount uint64
	calls  int
}

func (m *mintRecorder) Mint(owner common.Address, amount uint64) {
	m.to = owner
	m.amount = amount
	m.calls++
}

func TestFixedRateHonorsMinOutput(t *testing.T) {
	t.Parallel()

	rec := &mintRecorder{}
	f, err := NewFixedRate(rec, 1, 100)
	if err != nil {
		t.Fatalf("NewFixedRate: %v", err)
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	err = f.Execute(context.Background(), Swap{
		InputAmount: 1_000,
		MinOutput:   11,
		Recipient:   recipient,
	})
	if !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected ErrSwapFailed, got %v", err)
	}
	if rec.calls != 0 {
		t.Fatalf("minted despite failed swap")
	}

	if err := f.Execute(context.Background(), Swap{
		InputAmount: 1_000,
		MinOutput:   10,
		Recipient:   recipient,
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rec.amount != 10 || rec.to != recipient {
		t.Fatalf("mint: got %d to %s", rec.amount, rec.to.Hex())
	}
}

func TestExecAdapterResponses(t *testing.T) {
	t.Parallel()

	a, err := NewExecAdapter("swap-bin", 1<<20)
	if err != nil {
		t.Fatalf("NewExecAdapter: %v", err)
	}

	swap := Swap{
		InputAmount: 100,
		MinOutput:   1,
		Recipient:   common.HexToAddress("0x00000000000000000000000000000000000000e1"),
	}

	a.execCommand = func(_ context.Context, _ string, stdin []byte) ([]byte, []byte, error) {
		var req map[string]any
		if err := json.Unmarshal(stdin, &req); err != nil {
			t.Fatalf("request not json: %v", err)
		}
		if req["version"] != execSwapRequestVersion {
			t.Fatalf("request version: got %v", req["version"])
		}
		return []byte(fmt.Sprintf(`{"version":%q,"ok":true}`, execSwapResponseVersion)), nil, nil
	}
	if err := a.Execute(context.Background(), swap); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	a.execCommand = func(context.Context, string, []byte) ([]byte, []byte, error) {
		return []byte(fmt.Sprintf(`{"version":%q,"ok":false,"error":"no route"}`, execSwapResponseVersion)), nil, nil
	}
	if err := a.Execute(context.Background(), swap); !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected ErrSwapFailed, got %v", err)
	}

	a.execCommand = func(context.Context, string, []byte) ([]byte, []byte, error) {
		return nil, []byte("boom"), errors.New("exit status 1")
	}
	if err := a.Execute(context.Background(), swap); !errors.Is(err, ErrSwapFailed) {
		t.Fatalf("expected ErrSwapFailed on exec error, got %v", err)
	}
}
