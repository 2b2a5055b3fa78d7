package validatorbot

import (
	"context"
	"fmt"
	"time"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/neulerxyz/NamadaMissBot/bot"
	"github.com/neulerxyz/NamadaMissBot/config"
	"github.com/neulerxyz/NamadaMissBot/metrics"
)

// ValidatorState lives only in memory and starts from scratch on every run.
type ValidatorState struct {
	MissedBlocks  int64
	MissedHeights []int64
	LastHeight    int64
}

type ValidatorBot struct {
	client          bot.Client
	operator        string
	tendermintKey   string
	missedThreshold int64
	backfillWindow  int64
	pollInterval    time.Duration
	missedBlocksCh  chan<- config.MissedBlocksEvent
	metrics         *metrics.Metrics
	logger          log.Logger
	state           ValidatorState
}

func NewValidatorBot(cfg config.Config,
	client bot.Client,
	tendermintKey string,
	missedBlocksCh chan<- config.MissedBlocksEvent,
	m *metrics.Metrics,
	logger log.Logger) *ValidatorBot {
	return &ValidatorBot{
		client:          client,
		operator:        cfg.Operator,
		tendermintKey:   tendermintKey,
		missedThreshold: cfg.MissNotification,
		backfillWindow:  cfg.BackfillWindow,
		pollInterval:    cfg.PollIntervalDuration(),
		missedBlocksCh:  missedBlocksCh,
		metrics:         m,
		logger:          logger,
	}
}

// State returns a copy of the loop state.
func (b *ValidatorBot) State() ValidatorState {
	s := b.state
	s.MissedHeights = append([]int64(nil), b.state.MissedHeights...)
	return s
}

// Run backfills once and then follows the chain head until an RPC call
// fails or ctx is done. There are no retries.
func (b *ValidatorBot) Run(ctx context.Context) error {
	b.logger.Info("ValidatorBot process started", "operator", b.operator, "key", b.tendermintKey,
		"threshold", b.missedThreshold)

	for {
		height, err := b.waitForNewHeight(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if b.state.LastHeight == 0 {
			if err := b.backfill(ctx, height); err != nil {
				return err
			}
			continue
		}

		// Every height between two observations is evaluated, once.
		for h := b.state.LastHeight + 1; h <= height; h++ {
			if err := b.handleNewHeight(ctx, h); err != nil {
				return err
			}
		}
	}
}

func (b *ValidatorBot) latestHeight(ctx context.Context) (int64, error) {
	status, err := b.client.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to query node status: %w", err)
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// waitForNewHeight polls /status every pollInterval until the node reports a
// height above the last processed one. The first poll happens immediately.
func (b *ValidatorBot) waitForNewHeight(ctx context.Context) (int64, error) {
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}

		height, err := b.latestHeight(ctx)
		if err != nil {
			return 0, err
		}
		if height > b.state.LastHeight {
			return height, nil
		}
		if height < b.state.LastHeight {
			b.logger.Error("Node reported a lower height than already processed", "reported", height,
				"last", b.state.LastHeight)
		}

		b.logger.Debug("Waiting for new block", "height", b.state.LastHeight,
			"elapsed", time.Since(start).Round(100*time.Millisecond))
		timer.Reset(b.pollInterval)
	}
}

func (b *ValidatorBot) backfill(ctx context.Context, latest int64) error {
	from := latest - b.backfillWindow
	if from < 1 {
		from = 1
	}
	b.logger.Info("Start check", "from", from, "latest", latest)

	var missed []int64
	for h := from; h <= latest; h++ {
		signed, err := b.isValidatorSigned(ctx, h)
		if err != nil {
			return err
		}
		b.recordBlock(h, signed)
		if !signed {
			missed = append(missed, h)
		}
	}

	b.state.LastHeight = latest
	b.state.MissedBlocks = int64(len(missed))
	b.state.MissedHeights = missed
	b.logger.Info("Backfill finished", "window", latest-from, "missed", len(missed),
		"heights", fmt.Sprint(missed))

	if b.state.MissedBlocks >= b.missedThreshold {
		b.sendMissedBlocksAlert(config.PhaseBackfill, latest)
	}
	b.metrics.MissCounter.Set(float64(b.state.MissedBlocks))
	return nil
}

func (b *ValidatorBot) handleNewHeight(ctx context.Context, height int64) error {
	signed, err := b.isValidatorSigned(ctx, height)
	if err != nil {
		return err
	}
	b.recordBlock(height, signed)

	if signed {
		b.handleValidatorSigned(height)
	} else {
		b.handleValidatorMissedBlock(height)
	}
	b.state.LastHeight = height

	b.logger.Info("New block", "height", height, "signed", signed, "miss_counter", b.state.MissedBlocks)
	b.metrics.MissCounter.Set(float64(b.state.MissedBlocks))
	return nil
}

func (b *ValidatorBot) handleValidatorSigned(height int64) {
	if b.state.MissedBlocks > 0 {
		b.logger.Info("Validator signed again", "height", height, "after_missed", b.state.MissedBlocks)
	}
	b.state.MissedBlocks = 0
	b.state.MissedHeights = nil
}

func (b *ValidatorBot) handleValidatorMissedBlock(height int64) {
	b.state.MissedBlocks++
	b.state.MissedHeights = append(b.state.MissedHeights, height)
	b.logger.Info("Validator did not sign the block", "operator", b.operator, "height", height)

	if b.state.MissedBlocks >= b.missedThreshold {
		b.sendMissedBlocksAlert(config.PhaseLive, height)
	}
}

// sendMissedBlocksAlert hands the event to the notifier without waiting and
// resets the counter, in both phases.
func (b *ValidatorBot) sendMissedBlocksAlert(phase config.Phase, height int64) {
	event := config.MissedBlocksEvent{
		ValidatorAddress: b.operator,
		MissedCount:      b.state.MissedBlocks,
		MissedHeights:    append([]int64(nil), b.state.MissedHeights...),
		Height:           height,
		Phase:            phase,
	}

	select {
	case b.missedBlocksCh <- event:
		b.metrics.Alerts.WithLabelValues(string(phase)).Inc()
	default:
		b.metrics.AlertsDropped.Inc()
		b.logger.Error("Alert queue full, dropping alert", "phase", phase, "missed", event.MissedCount)
	}

	b.state.MissedBlocks = 0
	b.state.MissedHeights = nil
}

func (b *ValidatorBot) isValidatorSigned(ctx context.Context, height int64) (bool, error) {
	h := height
	res, err := b.client.Block(ctx, &h)
	if err != nil {
		return false, fmt.Errorf("failed to fetch block %d: %w", height, err)
	}
	if res == nil || res.Block == nil {
		return false, fmt.Errorf("empty block response for height %d", height)
	}
	return bot.IsValidatorSigned(res.Block, b.tendermintKey), nil
}

func (b *ValidatorBot) recordBlock(height int64, signed bool) {
	b.metrics.Height.Set(float64(height))
	if signed {
		b.metrics.SignedBlocks.Inc()
	} else {
		b.metrics.MissedBlocks.Inc()
	}
}
