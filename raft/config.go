package raft

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/kestrelraft/raft/storage"
)

// Config configures a Node. Grounded on the teacher's core/conf.Config
// (member-spec parsing, base/jitter tick counts), extended with the
// directories and snapshot-retention knobs the teacher hardcodes or leaves
// to its simu/env harness.
type Config struct {
	// SelfID is this node's id, which must appear in Members.
	SelfID uint64
	// Members lists every cluster member as "id@host:port", self included.
	Members []string

	// WalDir is the directory the write-ahead log is created in or opened
	// from. Unused when StorageType is storage.Memory.
	WalDir string
	// StorageType selects the log's persistence strategy: DISK (default
	// zero value), MEMORY, or COMBINATION.
	StorageType storage.Type
	// RingBufferSize is the bounded recency-window size COMBINATION storage
	// keeps on top of its Wal; required (positive) only for COMBINATION.
	RingBufferSize int

	// SnapshotDir is the directory snapshots are saved to and loaded from.
	SnapshotDir string
	// SnapshotRetention is the minimum number of most-recent snapshots kept
	// on disk; must be positive.
	SnapshotRetention int
	// SnapshotTriggerInterval is the appliedIndex delta since the last
	// snapshot that triggers the apply loop to build a new one. Zero
	// disables self-triggered snapshotting (a caller-driven SnapshotBuilder
	// is then optional).
	SnapshotTriggerInterval uint64
	// SnapshotReadOnly controls whether the apply loop may expose an
	// installed snapshot's body bytes read-only (true) or must hand the
	// state machine its own copy (false, the default/zero value).
	SnapshotReadOnly bool
	// BackgroundThreadsNum sizes the worker pool the apply loop dispatches
	// snapshot builds to, so a build never blocks the apply loop's own
	// cycle. Zero defaults to 1.
	BackgroundThreadsNum int

	// TickInterval is the wall-clock period of one logical tick.
	TickInterval time.Duration
	// ElectionTicks/ElectionJitterTicks set the randomized election
	// timeout: base + [0, jitter) ticks.
	ElectionTicks       int
	ElectionJitterTicks int
	// HeartbeatTicks is the leader's heartbeat period, in ticks.
	HeartbeatTicks int
	// LeaseTicks is the lease-window evaluation period, in ticks.
	LeaseTicks int

	// MaxBytesPerMessage bounds how many entry bytes a single
	// AppendEntries batches. Zero uses the package default.
	MaxBytesPerMessage uint64
}

// Validate checks Config for the invariants the teacher's constructor
// enforces inline (positive self id, non-empty members, positive tick
// counts) plus the additional directory/retention fields this rework adds.
// Whether SelfID appears in Members is checked later, by cluster.New.
func (c *Config) Validate() error {
	if c.SelfID == 0 {
		return fmt.Errorf("raft: config: SelfID must be positive")
	}
	if len(c.Members) == 0 {
		return fmt.Errorf("raft: config: Members must not be empty")
	}
	if c.WalDir == "" {
		return fmt.Errorf("raft: config: WalDir must be set")
	}
	if c.SnapshotDir == "" {
		return fmt.Errorf("raft: config: SnapshotDir must be set")
	}
	if c.SnapshotRetention <= 0 {
		return fmt.Errorf("raft: config: SnapshotRetention must be positive")
	}
	if c.StorageType == storage.Combination && c.RingBufferSize <= 0 {
		return fmt.Errorf("raft: config: RingBufferSize must be positive for COMBINATION storage")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("raft: config: TickInterval must be positive")
	}
	if c.ElectionTicks <= 0 {
		return fmt.Errorf("raft: config: ElectionTicks must be positive")
	}
	if c.HeartbeatTicks <= 0 {
		return fmt.Errorf("raft: config: HeartbeatTicks must be positive")
	}
	if c.LeaseTicks <= 0 {
		return fmt.Errorf("raft: config: LeaseTicks must be positive")
	}
	return nil
}

// jitter is the default randomize func fed to clock.NewCountdownTick,
// matching the teacher's rand.Intn-based election jitter.
func jitter(base, spread int) int {
	if spread <= 0 {
		return base
	}
	return base + rand.Intn(spread)
}
