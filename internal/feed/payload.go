package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
)

// NodeID identifies a node within one chain's roster.
type NodeID uint64

// NodeDetails is the identity tuple of a node.
type NodeDetails struct {
	Name           string
	Implementation string
	Version        string
	Validator      bool
	NetworkID      string
}

// Stats is the [peers, txs] tuple.
type Stats struct {
	Peers uint64
	Txs   uint64
}

// IO is the [stateCacheSize] tuple.
type IO struct {
	StateCacheSize []float64
}

// Hardware is the [upload, download, chartstamps] tuple.
type Hardware struct {
	Upload      []float64
	Download    []float64
	Chartstamps []float64
}

// Block is the [height, hash, blockTime, blockTimestamp, propagationTime] tuple.
type Block struct {
	Height          uint64
	Hash            string
	BlockTime       uint64
	BlockTimestamp  uint64
	PropagationTime *uint64
}

// Location is the [lat, lon, city] tuple.
type Location struct {
	Lat  float64
	Lon  float64
	City string
}

// AddedNodePayload carries the full initial snapshot of a node.
type AddedNodePayload struct {
	ID          NodeID
	Details     NodeDetails
	Stats       Stats
	IO          IO
	Hardware    Hardware
	Block       Block
	Location    *Location
	StartupTime *uint64
}

// LocatedNodePayload is [id, lat, lon, city].
type LocatedNodePayload struct {
	ID       NodeID
	Location Location
}

// ImportedBlockPayload carries a node's new best block.
type ImportedBlockPayload struct {
	ID    NodeID
	Block Block
}

// FinalizedBlockPayload is [id, height, hash].
type FinalizedBlockPayload struct {
	ID     NodeID
	Height uint64
	Hash   string
}

// NodeStatsPayload carries peer and transaction counts.
type NodeStatsPayload struct {
	ID    NodeID
	Stats Stats
}

// NodeHardwarePayload carries bandwidth samples.
type NodeHardwarePayload struct {
	ID       NodeID
	Hardware Hardware
}

// NodeIOPayload carries state cache samples.
type NodeIOPayload struct {
	ID NodeID
	IO IO
}

// AddedChainPayload describes a chain announced on the feed. Older feeds send
// [label, nodeCount], newer ones put the genesis hash in between; the label is
// always first and the node count always last.
type AddedChainPayload struct {
	Label     string
	NodeCount uint64
}

// ParseNodeID decodes the bare id payload of RemovedNode and StaleNode.
func ParseNodeID(raw json.RawMessage) (NodeID, error) {
	var id NodeID
	if err := strict(raw, &id); err != nil {
		return 0, invalid("node id", err)
	}
	return id, nil
}

// ParseLabel decodes the bare chain label of SubscribedTo and RemovedChain.
func ParseLabel(raw json.RawMessage) (string, error) {
	var label string
	if err := strict(raw, &label); err != nil {
		return "", invalid("chain label", err)
	}
	return label, nil
}

// ParseAddedNode decodes an AddedNode payload.
func ParseAddedNode(raw json.RawMessage) (AddedNodePayload, error) {
	var p AddedNodePayload
	t, err := tuple(raw, 6)
	if err != nil {
		return p, invalid("AddedNode", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("AddedNode id", err)
	}
	if p.Details, err = parseDetails(t[1]); err != nil {
		return p, invalid("AddedNode details", err)
	}
	if p.Stats, err = parseStats(t[2]); err != nil {
		return p, invalid("AddedNode stats", err)
	}
	if p.IO, err = parseIO(t[3]); err != nil {
		return p, invalid("AddedNode io", err)
	}
	if p.Hardware, err = parseHardware(t[4]); err != nil {
		return p, invalid("AddedNode hardware", err)
	}
	if p.Block, err = parseBlock(t[5]); err != nil {
		return p, invalid("AddedNode block", err)
	}
	if len(t) > 6 && !isNull(t[6]) {
		loc, err := parseLocation(t[6])
		if err != nil {
			return p, invalid("AddedNode location", err)
		}
		p.Location = &loc
	}
	if len(t) > 7 && !isNull(t[7]) {
		var startup uint64
		if err := strict(t[7], &startup); err != nil {
			return p, invalid("AddedNode startup time", err)
		}
		p.StartupTime = &startup
	}
	return p, nil
}

// ParseLocatedNode decodes [id, lat, lon, city].
func ParseLocatedNode(raw json.RawMessage) (LocatedNodePayload, error) {
	var p LocatedNodePayload
	t, err := tuple(raw, 3)
	if err != nil {
		return p, invalid("LocatedNode", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("LocatedNode id", err)
	}
	if p.Location, err = parseLocationFields(t[1:]); err != nil {
		return p, invalid("LocatedNode location", err)
	}
	return p, nil
}

// ParseImportedBlock decodes [id, block].
func ParseImportedBlock(raw json.RawMessage) (ImportedBlockPayload, error) {
	var p ImportedBlockPayload
	t, err := tuple(raw, 2)
	if err != nil {
		return p, invalid("ImportedBlock", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("ImportedBlock id", err)
	}
	if p.Block, err = parseBlock(t[1]); err != nil {
		return p, invalid("ImportedBlock block", err)
	}
	return p, nil
}

// ParseFinalizedBlock decodes [id, height, hash].
func ParseFinalizedBlock(raw json.RawMessage) (FinalizedBlockPayload, error) {
	var p FinalizedBlockPayload
	t, err := tuple(raw, 2)
	if err != nil {
		return p, invalid("FinalizedBlock", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("FinalizedBlock id", err)
	}
	if err := lenient(t[1], &p.Height); err != nil {
		return p, invalid("FinalizedBlock height", err)
	}
	if len(t) > 2 {
		if p.Hash, err = optString(t[2]); err != nil {
			return p, invalid("FinalizedBlock hash", err)
		}
	}
	return p, nil
}

// ParseNodeStats decodes [id, [peers, txs]].
func ParseNodeStats(raw json.RawMessage) (NodeStatsPayload, error) {
	var p NodeStatsPayload
	t, err := tuple(raw, 2)
	if err != nil {
		return p, invalid("NodeStats", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("NodeStats id", err)
	}
	if p.Stats, err = parseStats(t[1]); err != nil {
		return p, invalid("NodeStats stats", err)
	}
	return p, nil
}

// ParseNodeHardware decodes [id, [upload, download, chartstamps]].
func ParseNodeHardware(raw json.RawMessage) (NodeHardwarePayload, error) {
	var p NodeHardwarePayload
	t, err := tuple(raw, 2)
	if err != nil {
		return p, invalid("NodeHardware", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("NodeHardware id", err)
	}
	if p.Hardware, err = parseHardware(t[1]); err != nil {
		return p, invalid("NodeHardware hardware", err)
	}
	return p, nil
}

// ParseNodeIO decodes [id, [stateCacheSize]].
func ParseNodeIO(raw json.RawMessage) (NodeIOPayload, error) {
	var p NodeIOPayload
	t, err := tuple(raw, 2)
	if err != nil {
		return p, invalid("NodeIO", err)
	}
	if err := strict(t[0], &p.ID); err != nil {
		return p, invalid("NodeIO id", err)
	}
	if p.IO, err = parseIO(t[1]); err != nil {
		return p, invalid("NodeIO io", err)
	}
	return p, nil
}

// ParseAddedChain decodes [label, ..., nodeCount].
func ParseAddedChain(raw json.RawMessage) (AddedChainPayload, error) {
	var p AddedChainPayload
	t, err := tuple(raw, 2)
	if err != nil {
		return p, invalid("AddedChain", err)
	}
	if err := strict(t[0], &p.Label); err != nil {
		return p, invalid("AddedChain label", err)
	}
	if err := lenient(t[len(t)-1], &p.NodeCount); err != nil {
		return p, invalid("AddedChain node count", err)
	}
	return p, nil
}

/* ------------------------------------------------------------------ *
|  tuple helpers                                                      |
* -------------------------------------------------------------------*/

func parseDetails(raw json.RawMessage) (NodeDetails, error) {
	var d NodeDetails
	t, err := tuple(raw, 1)
	if err != nil {
		return d, err
	}
	if err := strict(t[0], &d.Name); err != nil {
		return d, fmt.Errorf("name: %w", err)
	}
	fields := []*string{&d.Implementation, &d.Version}
	for i, dst := range fields {
		if len(t) <= i+1 {
			break
		}
		if *dst, err = optString(t[i+1]); err != nil {
			return d, err
		}
	}
	if len(t) > 3 {
		d.Validator = truthy(t[3])
	}
	if len(t) > 4 {
		if d.NetworkID, err = optString(t[4]); err != nil {
			return d, err
		}
	}
	return d, nil
}

func parseStats(raw json.RawMessage) (Stats, error) {
	var s Stats
	t, err := tuple(raw, 2)
	if err != nil {
		return s, err
	}
	if err := lenient(t[0], &s.Peers); err != nil {
		return s, fmt.Errorf("peers: %w", err)
	}
	if err := lenient(t[1], &s.Txs); err != nil {
		return s, fmt.Errorf("txs: %w", err)
	}
	return s, nil
}

func parseIO(raw json.RawMessage) (IO, error) {
	var io IO
	t, err := tuple(raw, 1)
	if err != nil {
		return io, err
	}
	io.StateCacheSize, err = series(t[0])
	return io, err
}

func parseHardware(raw json.RawMessage) (Hardware, error) {
	var h Hardware
	t, err := tuple(raw, 2)
	if err != nil {
		return h, err
	}
	if h.Upload, err = series(t[0]); err != nil {
		return h, fmt.Errorf("upload: %w", err)
	}
	if h.Download, err = series(t[1]); err != nil {
		return h, fmt.Errorf("download: %w", err)
	}
	if len(t) > 2 {
		if h.Chartstamps, err = series(t[2]); err != nil {
			return h, fmt.Errorf("chartstamps: %w", err)
		}
	}
	return h, nil
}

func parseBlock(raw json.RawMessage) (Block, error) {
	var b Block
	t, err := tuple(raw, 2)
	if err != nil {
		return b, err
	}
	if err := lenient(t[0], &b.Height); err != nil {
		return b, fmt.Errorf("height: %w", err)
	}
	if b.Hash, err = optString(t[1]); err != nil {
		return b, fmt.Errorf("hash: %w", err)
	}
	if len(t) > 2 {
		if err := lenient(t[2], &b.BlockTime); err != nil {
			return b, fmt.Errorf("block time: %w", err)
		}
	}
	if len(t) > 3 {
		if err := lenient(t[3], &b.BlockTimestamp); err != nil {
			return b, fmt.Errorf("block timestamp: %w", err)
		}
	}
	if len(t) > 4 && !isNull(t[4]) {
		var prop uint64
		if err := lenient(t[4], &prop); err != nil {
			return b, fmt.Errorf("propagation time: %w", err)
		}
		b.PropagationTime = &prop
	}
	return b, nil
}

func parseLocation(raw json.RawMessage) (Location, error) {
	t, err := tuple(raw, 2)
	if err != nil {
		return Location{}, err
	}
	return parseLocationFields(t)
}

func parseLocationFields(t []json.RawMessage) (Location, error) {
	var loc Location
	if len(t) < 2 {
		return loc, fmt.Errorf("expected lat and lon, got %d elements", len(t))
	}
	if err := lenient(t[0], &loc.Lat); err != nil {
		return loc, fmt.Errorf("lat: %w", err)
	}
	if err := lenient(t[1], &loc.Lon); err != nil {
		return loc, fmt.Errorf("lon: %w", err)
	}
	if len(t) > 2 {
		var err error
		if loc.City, err = optString(t[2]); err != nil {
			return loc, fmt.Errorf("city: %w", err)
		}
	}
	return loc, nil
}

// tuple splits a JSON array payload and checks its minimum arity.
func tuple(raw json.RawMessage, min int) ([]json.RawMessage, error) {
	var t []json.RawMessage
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("expected an array, got null")
	}
	if len(t) < min {
		return nil, fmt.Errorf("expected at least %d elements, got %d", min, len(t))
	}
	return t, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// strict decodes a required value; null is rejected.
func strict(raw json.RawMessage, v interface{}) error {
	if isNull(raw) {
		return fmt.Errorf("unexpected null")
	}
	return json.Unmarshal(raw, v)
}

// lenient decodes an optional value; null leaves v untouched.
func lenient(raw json.RawMessage, v interface{}) error {
	if isNull(raw) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// optString accepts a string, a number (kept verbatim) or null.
func optString(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("expected string, got %s", string(raw))
	}
	return n.String(), nil
}

// truthy interprets the validator slot, which the feed sends either as a
// boolean or as the validator's address (null when not validating).
func truthy(raw json.RawMessage) bool {
	if isNull(raw) {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s != ""
	}
	return true
}

// series accepts a number, an array of numbers (nulls read as zero) or null.
func series(raw json.RawMessage) ([]float64, error) {
	if isNull(raw) {
		return nil, nil
	}
	var single float64
	if err := json.Unmarshal(raw, &single); err == nil {
		return []float64{single}, nil
	}
	var items []*float64
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected number series, got %s", string(raw))
	}
	out := make([]float64, len(items))
	for i, v := range items {
		if v != nil {
			out[i] = *v
		}
	}
	return out, nil
}

func invalid(what string, err error) error {
	return errors.ProtocolDecodeError("malformed "+what+" payload", err)
}
