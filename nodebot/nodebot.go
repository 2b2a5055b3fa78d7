package nodebot

import (
	"context"
	"errors"
	"fmt"

	"github.com/cometbft/cometbft/libs/log"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
)

var (
	ErrCatchingUp   = errors.New("node is catching up")
	ErrWrongNetwork = errors.New("node reports a different network")
)

type StatusClient interface {
	Status(ctx context.Context) (*ctypes.ResultStatus, error)
}

// NodeBot checks once, before monitoring starts, that the RPC node is usable.
type NodeBot struct {
	client  StatusClient
	chainID string
	logger  log.Logger
}

func NewNodeBot(client StatusClient, chainID string, logger log.Logger) *NodeBot {
	return &NodeBot{client: client, chainID: chainID, logger: logger}
}

// CheckNetwork fails when the node is still syncing or serves another chain.
func (nb *NodeBot) CheckNetwork(ctx context.Context) (*ctypes.ResultStatus, error) {
	status, err := nb.client.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query node status: %w", err)
	}

	latestHeight := status.SyncInfo.LatestBlockHeight
	if status.SyncInfo.CatchingUp {
		return nil, fmt.Errorf("%w: latest height %d", ErrCatchingUp, latestHeight)
	}
	nb.logger.Info("Node is synced", "height", latestHeight)

	network := status.NodeInfo.Network
	if network != nb.chainID {
		return nil, fmt.Errorf("%w: expected %s from config, got %s from RPC", ErrWrongNetwork, nb.chainID, network)
	}
	nb.logger.Info("RPC network is correct", "network", network)

	return status, nil
}
