// Package bot holds the CometBFT plumbing shared by nodebot and validatorbot.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	chttp "github.com/cometbft/cometbft/rpc/client/http"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	tmtypes "github.com/cometbft/cometbft/types"
)

// Client is the subset of the CometBFT RPC client the bots rely on.
// *chttp.HTTP satisfies it.
type Client interface {
	Status(ctx context.Context) (*ctypes.ResultStatus, error)
	Block(ctx context.Context, height *int64) (*ctypes.ResultBlock, error)
}

// NewRPCClient builds an HTTP-only client; the websocket side is never
// started because the bots poll.
func NewRPCClient(rpcEndpoint string, timeout time.Duration) (*chttp.HTTP, error) {
	seconds := uint(timeout / time.Second)
	if seconds == 0 {
		seconds = 1
	}
	rpcClient, err := chttp.NewWithTimeout(rpcEndpoint, "/websocket", seconds)
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC client for %s: %w", rpcEndpoint, err)
	}
	return rpcClient, nil
}

// Signers lists the validator addresses found in a block's last commit.
// Absent votes carry an empty address and are skipped.
func Signers(block *tmtypes.Block) []string {
	if block == nil || block.LastCommit == nil {
		return nil
	}
	signers := make([]string, 0, len(block.LastCommit.Signatures))
	for _, sig := range block.LastCommit.Signatures {
		if len(sig.ValidatorAddress) == 0 {
			continue
		}
		signers = append(signers, sig.ValidatorAddress.String())
	}
	return signers
}

func IsValidatorSigned(block *tmtypes.Block, validatorAddress string) bool {
	for _, signer := range Signers(block) {
		if strings.EqualFold(signer, validatorAddress) {
			return true
		}
	}
	return false
}
