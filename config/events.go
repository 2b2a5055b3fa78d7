package config

type Phase string

const (
	PhaseBackfill Phase = "backfill"
	PhaseLive     Phase = "live"
)

// MissedBlocksEvent is emitted once the miss counter reaches miss_notification.
type MissedBlocksEvent struct {
	ValidatorAddress string
	MissedCount      int64
	MissedHeights    []int64
	Height           int64
	Phase            Phase
}
