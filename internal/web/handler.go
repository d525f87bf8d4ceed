// Package web serves the exporter's HTTP endpoints.
package web

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/registry"
)

// ChainView is the read side of a chain registry.
type ChainView interface {
	Name() string
	SubscribedTo() string
	FeedVersion() string
	LastEvent() time.Time
	Chains() []registry.ChainInfo
	Census() registry.Census
}

// ClassCount counts the nodes of one classification.
type ClassCount struct {
	Total int `json:"total"`
	Alive int `json:"alive"`
	Stale int `json:"stale"`
}

// AnnouncedChain is a chain the feed advertised.
type AnnouncedChain struct {
	Label     string `json:"label"`
	NodeCount uint64 `json:"node_count"`
}

// ChainSummary is the JSON shape of one chain in /api/chains.
type ChainSummary struct {
	Chain        string                                  `json:"chain"`
	SubscribedTo string                                  `json:"subscribed_to"`
	FeedVersion  string                                  `json:"feed_version,omitempty"`
	LastEvent    *time.Time                              `json:"last_event,omitempty"`
	Nodes        map[registry.Classification]*ClassCount `json:"nodes"`
	Announced    []AnnouncedChain                        `json:"announced_chains"`
}

// Handler serves the chain status API.
type Handler struct {
	chains map[string]ChainView
	order  []string
	logger *zap.Logger
}

// NewHandler creates a handler over the given chains.
func NewHandler(chains []ChainView, logger *zap.Logger) *Handler {
	h := &Handler{chains: make(map[string]ChainView, len(chains)), logger: logger}
	for _, c := range chains {
		h.chains[c.Name()] = c
		h.order = append(h.order, c.Name())
	}
	return h
}

// HandleChainsAPI writes a summary of every chain, or of the one named by the
// chain query parameter.
func (h *Handler) HandleChainsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := h.order
	if only := r.URL.Query().Get("chain"); only != "" {
		if _, ok := h.chains[only]; !ok {
			http.Error(w, "Unknown chain", http.StatusNotFound)
			return
		}
		names = []string{only}
	}

	out := make([]ChainSummary, 0, len(names))
	for _, name := range names {
		out = append(out, summarize(h.chains[name]))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.logger.Error("Failed to encode chains response", zap.Error(err))
	}
}

func summarize(c ChainView) ChainSummary {
	s := ChainSummary{
		Chain:        c.Name(),
		SubscribedTo: c.SubscribedTo(),
		FeedVersion:  c.FeedVersion(),
		Nodes:        make(map[registry.Classification]*ClassCount, 3),
		Announced:    []AnnouncedChain{},
	}
	if last := c.LastEvent(); !last.IsZero() {
		s.LastEvent = &last
	}

	for _, class := range registry.Classifications() {
		s.Nodes[class] = &ClassCount{}
	}
	for _, n := range c.Census().Nodes {
		cc := s.Nodes[n.Class]
		cc.Total++
		if n.Alive {
			cc.Alive++
		}
		if n.Stale {
			cc.Stale++
		}
	}

	for _, info := range c.Chains() {
		s.Announced = append(s.Announced, AnnouncedChain{Label: info.Label, NodeCount: info.NodeCount})
	}
	return s
}
