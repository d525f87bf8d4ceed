package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/luguslabs/substrate-telemetry-exporter/internal/errors"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/logger"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/metrics"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/registry"
	"github.com/luguslabs/substrate-telemetry-exporter/internal/transport"
)

// replayTransport plays canned frames through a handler on a single
// connection and then returns err.
type replayTransport struct {
	frames []string
	after  func(i int)
	sent   []string
	err    error
}

func (r *replayTransport) Run(ctx context.Context, h transport.Handler) error {
	if err := h.OnOpen(ctx, r); err != nil {
		return err
	}
	for i, f := range r.frames {
		h.OnMessage(ctx, []byte(f))
		if r.after != nil {
			r.after(i)
		}
	}
	h.OnClose(nil)
	return r.err
}

func (r *replayTransport) Send(_ context.Context, msg string) error {
	r.sent = append(r.sent, msg)
	return nil
}

type gapRecorder struct {
	gaps []time.Duration
}

func (g *gapRecorder) SetTimeFromLastEvent(_ string, gap time.Duration) {
	g.gaps = append(g.gaps, gap)
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

const addedVal01 = `[7,["val-01","Parity Polkadot","0.9.12",null,"net"],[10,0],[[]],[[],[],[]],[100,"0x64",6000,0,null],null,null]`

type fixture struct {
	chain    *registry.Chain
	exporter *metrics.Exporter
	clock    *fakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_600_000_000, 0)}
	return fixture{
		chain: registry.NewChain("Kusama", registry.Classifier{Active: "val", Passive: "rpc"}, time.Minute,
			registry.WithClock(clock.Now), registry.WithLogger(zap.NewNop())),
		exporter: metrics.NewExporter(prometheus.NewRegistry()),
		clock:    clock,
	}
}

func (f fixture) dispatcher(tr transport.Transport, opts ...Option) *Dispatcher {
	opts = append([]Option{WithStats(f.exporter), WithLogger(zap.NewNop())}, opts...)
	return New(f.chain, tr, opts...)
}

func TestDispatcher_subscribes_and_applies(t *testing.T) {
	f := newFixture(t)
	tr := &replayTransport{frames: []string{
		`[13,"Kusama",3,` + addedVal01 + `]`,
		`[8,[999,[1,1]],8,[7,[30,2]]]`,
	}}
	d := f.dispatcher(tr)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0] != "subscribe:Kusama" {
		t.Fatalf("sent = %v, want [subscribe:Kusama]", tr.sent)
	}
	n, ok := f.chain.Node(7)
	if !ok {
		t.Fatalf("node 7 not registered")
	}
	if n.Peers != 30 {
		t.Fatalf("update after unknown-node anomaly not applied: peers=%d", n.Peers)
	}
	if f.chain.Len() != 1 {
		t.Fatalf("Len = %d, want 1", f.chain.Len())
	}
	if v := testutil.ToFloat64(f.exporter.Anomalies.WithLabelValues("Kusama", errors.CodeUnknownNode)); v != 1 {
		t.Fatalf("unknown node anomalies = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.exporter.MessagesApplied.WithLabelValues("Kusama", "NodeStats")); v != 1 {
		t.Fatalf("applied NodeStats = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.exporter.FramesReceived.WithLabelValues("Kusama")); v != 2 {
		t.Fatalf("frames received = %v, want 2", v)
	}
}

func TestDispatcher_malformed_frame_is_dropped(t *testing.T) {
	f := newFixture(t)
	tr := &replayTransport{frames: []string{
		`[3,` + addedVal01 + `]`,
		`{"not":"a frame"}`,
		`[4,7,"x",1]`,
		`[8,[7,"bad"],8,[7,[11,0]]]`,
	}}
	events := &gapRecorder{}
	d := f.dispatcher(tr, WithEventRecorder(events))

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.chain.Len() != 1 {
		t.Fatalf("invalid frame mutated the registry: Len=%d", f.chain.Len())
	}
	n, _ := f.chain.Node(7)
	if n.Peers != 11 {
		t.Fatalf("message after malformed payload not applied: peers=%d", n.Peers)
	}
	if v := testutil.ToFloat64(f.exporter.Anomalies.WithLabelValues("Kusama", errors.CodeProtocolDecode)); v != 3 {
		t.Fatalf("protocol anomalies = %v, want 3", v)
	}
	if len(events.gaps) != 2 {
		t.Fatalf("dropped frames must not count as events: %d gaps recorded", len(events.gaps))
	}
}

func TestDispatcher_removed_node_end_to_end(t *testing.T) {
	f := newFixture(t)
	agg := metrics.NewAggregator()
	if err := agg.AddChain(f.chain); err != nil {
		t.Fatalf("AddChain: %v", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(agg)

	validators := func() float64 {
		families, err := reg.Gather()
		if err != nil {
			t.Fatalf("Gather: %v", err)
		}
		for _, mf := range families {
			if mf.GetName() == "kusama_validator_nodes" {
				return mf.GetMetric()[0].GetGauge().GetValue()
			}
		}
		t.Fatalf("kusama_validator_nodes not exported")
		return 0
	}

	var observed []float64
	tr := &replayTransport{
		frames: []string{`[3,` + addedVal01 + `]`, `[4,7]`},
		after:  func(int) { observed = append(observed, validators()) },
	}
	d := f.dispatcher(tr, WithEventRecorder(agg))
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(observed) != 2 || observed[0] != 1 || observed[1] != 0 {
		t.Fatalf("validator gauge over time = %v, want [1 0]", observed)
	}
}

func TestDispatcher_AddedChain_resubscribes_own_chain(t *testing.T) {
	f := newFixture(t)
	tr := &replayTransport{frames: []string{
		`[11,["Polkadot","0x91b1",300],11,["Kusama","0xb0a8",400]]`,
	}}
	d := f.dispatcher(tr)

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"subscribe:Kusama", "subscribe:Kusama"}
	if len(tr.sent) != len(want) {
		t.Fatalf("sent = %v, want %v", tr.sent, want)
	}
	if chains := f.chain.Chains(); len(chains) != 2 {
		t.Fatalf("chain metadata not recorded: %+v", chains)
	}
}

func TestDispatcher_time_from_last_event(t *testing.T) {
	f := newFixture(t)
	events := &gapRecorder{}
	tr := &replayTransport{
		frames: []string{`[15,0]`, `[15,0]`, `[15,0]`},
		after:  func(i int) { f.clock.Advance(time.Duration(i+1) * time.Second) },
	}
	d := f.dispatcher(tr, WithEventRecorder(events))

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Duration{0, time.Second, 2 * time.Second}
	if len(events.gaps) != len(want) {
		t.Fatalf("gaps = %v, want %v", events.gaps, want)
	}
	for i := range want {
		if events.gaps[i] != want[i] {
			t.Fatalf("gap %d = %v, want %v", i, events.gaps[i], want[i])
		}
	}
}

func TestDispatcher_Run_errors(t *testing.T) {
	rejected := errors.HandshakeRejected("ws://feed", 404, fmt.Errorf("bad handshake"))
	tests := []struct {
		name    string
		err     error
		cancel  bool
		wantNil bool
		want    error
	}{
		{name: "transport ends cleanly", err: nil, wantNil: true},
		{name: "context cancelled", err: context.Canceled, cancel: true, wantNil: true},
		{name: "transport gave up", err: errors.ConnectionFailure("ws://feed", 10, fmt.Errorf("refused")), want: errors.ErrConnectionFailure},
		{name: "unclassified transport error", err: fmt.Errorf("boom"), want: errors.ErrConnectionFailure},
		{name: "unrecoverable error kept", err: rejected, want: errors.ErrHandshakeRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.cancel {
				cancel()
			}

			d := f.dispatcher(&replayTransport{err: tc.err})
			err := d.Run(ctx)
			if tc.wantNil {
				if err != nil {
					t.Fatalf("Run = %v, want nil", err)
				}
				return
			}
			if !stderrors.Is(err, tc.want) {
				t.Fatalf("Run = %v, want %v", err, tc.want)
			}
			appErr, ok := errors.As(err)
			if !ok || appErr.Chain != "Kusama" {
				t.Fatalf("error not tagged with chain: %v", err)
			}
			if st := d.Status(); st.LastError == "" || !st.Stopped {
				t.Fatalf("status does not report the stopped transport: %+v", st)
			}
		})
	}
}

func TestDispatcher_Status(t *testing.T) {
	f := newFixture(t)
	var during Status
	tr := &replayTransport{frames: []string{`[13,"Kusama",3,` + addedVal01 + `]`}}
	d := f.dispatcher(tr)
	tr.after = func(int) { during = d.Status() }

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !during.Connected || during.Nodes != 1 || during.SubscribedTo != "Kusama" || during.Connections != 1 {
		t.Fatalf("unexpected status while connected: %+v", during)
	}
	if after := d.Status(); after.Connected || after.Stopped {
		t.Fatalf("status still connected after close: %+v", after)
	}
	if v := testutil.ToFloat64(f.exporter.Connections.WithLabelValues("Kusama", metrics.ConnectionOpen)); v != 1 {
		t.Fatalf("open connections = %v, want 1", v)
	}
	if v := testutil.ToFloat64(f.exporter.Connections.WithLabelValues("Kusama", metrics.ConnectionClosed)); v != 1 {
		t.Fatalf("closed connections = %v, want 1", v)
	}
}

func TestDispatcher_logs_through_session_logger(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.DebugLevel)
	session := zap.New(core).With(zap.String("session_id", "abc"))

	tr := &replayTransport{frames: []string{`[0,32,13]`}}
	d := f.dispatcher(tr)
	if err := d.Run(logger.WithLogger(context.Background(), session)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, msg := range []string{"Subscribing to chain", "Frame has an unpaired trailing element"} {
		entries := logs.FilterMessage(msg).All()
		if len(entries) != 1 {
			t.Fatalf("%q logged %d times on the session logger, want 1", msg, len(entries))
		}
		if entries[0].ContextMap()["session_id"] != "abc" {
			t.Fatalf("%q missing session_id: %v", msg, entries[0].ContextMap())
		}
	}
}
