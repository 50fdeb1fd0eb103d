package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

const (
	execSwapRequestVersion  = "exchange.swap.request.v1"
	execSwapResponseVersion = "exchange.swap.response.v1"
)

type execCommandFn func(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error)

// ExecAdapter shells out to an external swap planner binary. The binary reads
// a versioned JSON request on stdin, performs the venue interaction, and
// reports success or an error on stdout. Output measurement still happens in
// the engine via balance deltas, so a lying binary cannot inflate a batch.
type ExecAdapter struct {
	bin string

	maxResponseBytes int
	execCommand      execCommandFn
}

func NewExecAdapter(bin string, maxResponseBytes int) (*ExecAdapter, error) {
	if strings.TrimSpace(bin) == "" {
		return nil, fmt.Errorf("%w: missing swap binary", ErrInvalidConfig)
	}
	if maxResponseBytes <= 0 {
		return nil, fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
	}
	return &ExecAdapter{
		bin:              bin,
		maxResponseBytes: maxResponseBytes,
		execCommand:      runExecCommand,
	}, nil
}

func (a *ExecAdapter) Execute(ctx context.Context, s Swap) error {
	if a == nil || a.execCommand == nil {
		return fmt.Errorf("%w: nil adapter", ErrInvalidConfig)
	}
	if err := s.Validate(); err != nil {
		return err
	}

	reqBody, err := json.Marshal(map[string]any{
		"version":     execSwapRequestVersion,
		"inputToken":  s.InputToken.Hex(),
		"outputToken": s.OutputToken.Hex(),
		"inputAmount": s.InputAmount,
		"minOutput":   s.MinOutput,
		"recipient":   s.Recipient.Hex(),
		"route":       s.Route,
	})
	if err != nil {
		return fmt.Errorf("exchange: marshal swap request: %w", err)
	}

	stdout, stderr, err := a.execCommand(ctx, a.bin, reqBody)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		if msg == "" {
			return fmt.Errorf("%w: execute swap binary: %v", ErrSwapFailed, err)
		}
		return fmt.Errorf("%w: execute swap binary: %v: %s", ErrSwapFailed, err, msg)
	}
	if len(stdout) > a.maxResponseBytes {
		return fmt.Errorf("%w: response too large", ErrSwapFailed)
	}

	var resp struct {
		Version string `json:"version"`
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrSwapFailed, err)
	}
	if resp.Version != execSwapResponseVersion {
		return fmt.Errorf("%w: unexpected response version %q", ErrSwapFailed, resp.Version)
	}
	if strings.TrimSpace(resp.Error) != "" {
		return fmt.Errorf("%w: %s", ErrSwapFailed, strings.TrimSpace(resp.Error))
	}
	if !resp.OK {
		return fmt.Errorf("%w: binary reported failure", ErrSwapFailed)
	}
	return nil
}

func runExecCommand(ctx context.Context, bin string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

var _ Adapter = (*ExecAdapter)(nil)
