package registry

import (
	"strings"
	"time"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/feed"
)

// Node is the current telemetry snapshot of one node.
//
// Every update refreshes LastSeen except the stale marker, which is a signal
// from the feed itself and says nothing about whether the node reported.
type Node struct {
	ID              feed.NodeID
	Name            string
	SortableName    string
	Implementation  string
	Version         string
	SortableVersion int
	Validator       bool
	NetworkID       string
	StartupTime     time.Time

	Peers uint64
	Txs   uint64

	StateCacheSize []float64
	Upload         []float64
	Download       []float64
	Chartstamps    []float64

	Height          uint64
	Hash            string
	BlockTime       uint64
	BlockTimestamp  uint64
	PropagationTime *uint64
	Stale           bool

	Finalized     uint64
	FinalizedHash string

	Location *feed.Location

	LastSeen time.Time
}

func newNode(p feed.AddedNodePayload, now time.Time) *Node {
	n := &Node{
		ID:              p.ID,
		Name:            p.Details.Name,
		SortableName:    strings.ToLower(p.Details.Name),
		Implementation:  p.Details.Implementation,
		Version:         p.Details.Version,
		SortableVersion: SortableVersion(p.Details.Version),
		Validator:       p.Details.Validator,
		NetworkID:       p.Details.NetworkID,
	}
	if p.StartupTime != nil {
		n.StartupTime = time.UnixMilli(int64(*p.StartupTime))
	}

	n.updateStats(p.Stats, now)
	n.updateIO(p.IO, now)
	n.updateHardware(p.Hardware, now)
	n.updateBlock(p.Block, now)
	if p.Location != nil {
		n.updateLocation(*p.Location, now)
	}
	return n
}

// IsAlive reports whether the node reported within threshold of now. A node
// whose silence equals the threshold exactly is still alive.
func (n *Node) IsAlive(now time.Time, threshold time.Duration) bool {
	return now.Sub(n.LastSeen) <= threshold
}

func (n *Node) touch(now time.Time) {
	n.LastSeen = now
}

func (n *Node) updateStats(s feed.Stats, now time.Time) {
	n.Peers = s.Peers
	n.Txs = s.Txs
	n.touch(now)
}

func (n *Node) updateIO(io feed.IO, now time.Time) {
	n.StateCacheSize = io.StateCacheSize
	n.touch(now)
}

func (n *Node) updateHardware(h feed.Hardware, now time.Time) {
	n.Upload = h.Upload
	n.Download = h.Download
	n.Chartstamps = h.Chartstamps
	n.touch(now)
}

func (n *Node) updateBlock(b feed.Block, now time.Time) {
	n.Height = b.Height
	n.Hash = b.Hash
	n.BlockTime = b.BlockTime
	n.BlockTimestamp = b.BlockTimestamp
	n.PropagationTime = b.PropagationTime
	n.Stale = false
	n.touch(now)
}

func (n *Node) updateFinalized(height uint64, hash string, now time.Time) {
	n.Finalized = height
	n.FinalizedHash = hash
	n.touch(now)
}

func (n *Node) updateLocation(loc feed.Location, now time.Time) {
	n.Location = &loc
	n.touch(now)
}

func (n *Node) markStale() {
	n.Stale = true
}

// SortableVersion folds a dotted version into major*1000 + minor*100 + patch.
// Each component contributes its leading digits only; missing parts are 0.
func SortableVersion(version string) int {
	if version == "" {
		version = "0.0.0"
	}
	parts := strings.SplitN(version, ".", 3)
	var nums [3]int
	for i, part := range parts {
		nums[i] = leadingInt(part)
	}
	return nums[0]*1000 + nums[1]*100 + nums[2]
}

func leadingInt(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		n = n*10 + int(r-'0')
	}
	return n
}
