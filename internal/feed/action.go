// Package feed decodes frames of the substrate telemetry feed protocol.
//
// A frame is a JSON array that alternates action codes and payloads:
//
//	[3, [...added node...], 8, [7, [12, 0]], 20, 7]
//
// Decode turns a frame into an ordered list of Messages; the Parse* functions
// turn a Message payload into the typed value for its action.
package feed

import "strconv"

// Action is a feed protocol action code.
type Action uint8

const (
	FeedVersion Action = iota
	BestBlock
	BestFinalized
	AddedNode
	RemovedNode
	LocatedNode
	ImportedBlock
	FinalizedBlock
	NodeStats
	NodeHardware
	TimeSync
	AddedChain
	RemovedChain
	SubscribedTo
	UnsubscribedFrom
	Pong
	AfgFinalized
	AfgReceivedPrevote
	AfgReceivedPrecommit
	AfgAuthoritySet
	StaleNode
	NodeIO

	maxAction = NodeIO
)

var actionNames = [...]string{
	FeedVersion:          "FeedVersion",
	BestBlock:            "BestBlock",
	BestFinalized:        "BestFinalized",
	AddedNode:            "AddedNode",
	RemovedNode:          "RemovedNode",
	LocatedNode:          "LocatedNode",
	ImportedBlock:        "ImportedBlock",
	FinalizedBlock:       "FinalizedBlock",
	NodeStats:            "NodeStats",
	NodeHardware:         "NodeHardware",
	TimeSync:             "TimeSync",
	AddedChain:           "AddedChain",
	RemovedChain:         "RemovedChain",
	SubscribedTo:         "SubscribedTo",
	UnsubscribedFrom:     "UnsubscribedFrom",
	Pong:                 "Pong",
	AfgFinalized:         "AfgFinalized",
	AfgReceivedPrevote:   "AfgReceivedPrevote",
	AfgReceivedPrecommit: "AfgReceivedPrecommit",
	AfgAuthoritySet:      "AfgAuthoritySet",
	StaleNode:            "StaleNode",
	NodeIO:               "NodeIO",
}

// Valid reports whether a is a code defined by the protocol.
func (a Action) Valid() bool {
	return a <= maxAction
}

func (a Action) String() string {
	if !a.Valid() {
		return "Action(" + strconv.Itoa(int(a)) + ")"
	}
	return actionNames[a]
}

// ReferencesNode reports whether the action addresses a node that must
// already be in the roster.
func (a Action) ReferencesNode() bool {
	switch a {
	case RemovedNode, StaleNode, LocatedNode, ImportedBlock, FinalizedBlock, NodeStats, NodeHardware, NodeIO:
		return true
	}
	return false
}

// Actions returns every protocol action in code order.
func Actions() []Action {
	out := make([]Action, 0, int(maxAction)+1)
	for a := FeedVersion; a <= maxAction; a++ {
		out = append(out, a)
	}
	return out
}
