package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentfi/chatpool/internal/agent"
	"github.com/agentfi/chatpool/internal/bridge"
	"github.com/agentfi/chatpool/internal/gateway"
	"github.com/agentfi/chatpool/internal/pool"
)

// --- mocks ---

// journal records the order of externally visible effects.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(e string) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type sentText struct{ number, text string }

type mockSender struct {
	j         *journal
	mu        sync.Mutex
	texts     []sentText
	presences []string
}

func (m *mockSender) SendText(_ context.Context, number, text string) error {
	m.mu.Lock()
	m.texts = append(m.texts, sentText{number, text})
	m.mu.Unlock()
	m.j.add("send:" + number)
	return nil
}

func (m *mockSender) SendPresence(_ context.Context, number, presence string, _ time.Duration) error {
	m.mu.Lock()
	m.presences = append(m.presences, number+":"+presence)
	m.mu.Unlock()
	return nil
}

func (m *mockSender) sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.texts...)
}

type mockRecorder struct {
	j       *journal
	delay   time.Duration
	slow    map[string]time.Duration // extra delay keyed by user text
	err     error
	records atomic.Int32
}

func (m *mockRecorder) Record(_ context.Context, phone, _, userText, botText string) error {
	time.Sleep(m.delay + m.slow[userText])
	m.j.add(fmt.Sprintf("record:%s:%s:%s", phone, userText, botText))
	m.records.Add(1)
	return m.err
}

type scriptedAgent struct {
	id    string
	reply func(ctx context.Context, text string) (string, error)

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	mu       sync.Mutex
	queries  []string
}

func (a *scriptedAgent) ID() string { return a.id }

func (a *scriptedAgent) Query(ctx context.Context, text string) (string, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		seen := a.maxSeen.Load()
		if n <= seen || a.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	a.mu.Lock()
	a.queries = append(a.queries, text)
	a.mu.Unlock()
	if a.reply != nil {
		return a.reply(ctx, text)
	}
	return "re: " + text, nil
}

func (a *scriptedAgent) Reset(context.Context) error { return nil }
func (a *scriptedAgent) Close(context.Context) error { return nil }

type mockFactory struct {
	mu      sync.Mutex
	created []*scriptedAgent
	reply   func(ctx context.Context, text string) (string, error)
}

func (f *mockFactory) Create(context.Context, string) (agent.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := &scriptedAgent{id: fmt.Sprintf("agent-%d", len(f.created)+1), reply: f.reply}
	f.created = append(f.created, a)
	return a, nil
}

func (f *mockFactory) agent(i int) *scriptedAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

// --- harness ---

type harness struct {
	router   *Router
	sched    *pool.Scheduler
	factory  *mockFactory
	sender   *mockSender
	recorder *mockRecorder
	bridge   *bridge.Bridge
	journal  *journal
}

func newHarness(t *testing.T, opts Options, reply func(context.Context, string) (string, error)) *harness {
	t.Helper()
	j := &journal{}
	f := &mockFactory{reply: reply}
	b := bridge.New(bridge.Config{Workers: 4, QueueSize: 32}, nil)
	b.Start()

	sched := pool.NewScheduler(pool.NewRegistry(), f, b, pool.Options{
		Floor:         3,
		CloseAbove:    10,
		IdleThreshold: time.Minute,
		SweepInterval: time.Second,
	}, nil)
	if err := sched.Fill(context.Background()); err != nil {
		t.Fatalf("fill: %v", err)
	}

	h := &harness{
		sched:    sched,
		factory:  f,
		sender:   &mockSender{j: j},
		recorder: &mockRecorder{j: j},
		bridge:   b,
		journal:  j,
	}
	h.router = New(sched, h.sender, h.recorder, b, opts, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.router.Close(ctx)
		b.Stop(ctx)
	})
	return h
}

func (h *harness) send(ev gateway.Event) {
	h.router.HandleEvent(context.Background(), ev)
}

// settle waits until every queued event has been processed.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	waitFor(t, "lanes to drain", func() bool {
		return h.router.events.idle() && h.router.records.idle()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ---

func TestFirstMessageDrawsOldestPoolAgent(t *testing.T) {
	h := newHarness(t, Options{TypingIndicator: true}, nil)
	h.recorder.delay = 50 * time.Millisecond

	h.send(gateway.Event{Identity: "555", Body: "hola", PushName: "Ana"})
	waitFor(t, "bookkeeping", func() bool { return h.recorder.records.Load() == 1 })

	slot, ok := h.sched.Lookup("555")
	if !ok {
		t.Fatal("555 should hold a caller slot")
	}
	if slot.Agent.ID() != "agent-1" {
		t.Errorf("expected pool-1's agent, got %s", slot.Agent.ID())
	}
	reg := h.sched.Registry()
	if _, ok := reg.Get(pool.PoolKey(1)); ok {
		t.Error("pool-1 should have left the pool")
	}
	waitFor(t, "pool-4 replenished", func() bool {
		_, ok := reg.Get(pool.PoolKey(4))
		return ok
	})

	got := h.journal.list()
	want := []string{"send:555", "record:555:hola:re: hola"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected reply before persistence %v, got %v", want, got)
	}
	h.sender.mu.Lock()
	presences := append([]string(nil), h.sender.presences...)
	h.sender.mu.Unlock()
	if len(presences) != 1 || presences[0] != "555:composing" {
		t.Errorf("expected one composing presence, got %v", presences)
	}
}

func TestSecondCallerGetsNextPoolAgent(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	h.send(gateway.Event{Identity: "555", Body: "a"})
	h.settle(t)
	h.send(gateway.Event{Identity: "777", Body: "b"})
	h.settle(t)
	h.send(gateway.Event{Identity: "555", Body: "c"})
	h.settle(t)

	first, _ := h.sched.Lookup("555")
	second, _ := h.sched.Lookup("777")
	if first.Agent.ID() != "agent-1" || second.Agent.ID() != "agent-2" {
		t.Errorf("expected agent-1/agent-2, got %s/%s", first.Agent.ID(), second.Agent.ID())
	}
	a := h.factory.agent(0)
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queries) != 2 {
		t.Errorf("repeat caller must keep its agent, queries=%v", a.queries)
	}
}

func TestSameCallerProcessedInOrder(t *testing.T) {
	h := newHarness(t, Options{}, func(_ context.Context, text string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "re: " + text, nil
	})

	for i := 0; i < 8; i++ {
		h.send(gateway.Event{Identity: "555", Body: fmt.Sprintf("m%d", i)})
	}
	h.settle(t)

	a := h.factory.agent(0)
	if a.maxSeen.Load() != 1 {
		t.Errorf("agent saw %d concurrent queries", a.maxSeen.Load())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, q := range a.queries {
		if q != fmt.Sprintf("m%d", i) {
			t.Fatalf("out of order at %d: %v", i, a.queries)
		}
	}
	sent := h.sender.sent()
	if len(sent) != 8 || sent[7].text != "re: m7" {
		t.Errorf("unexpected replies %v", sent)
	}
}

func TestDeactivationSuppressesReplies(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	h.send(gateway.Event{Identity: "555", Body: "hola"})
	h.settle(t)
	before, _ := h.sched.Lookup("555")

	h.send(gateway.Event{Identity: "555", FromSelf: true, Body: "Hola, te atiendo yo"})
	h.settle(t)
	h.send(gateway.Event{Identity: "555", Body: "¿sigues ahí?"})
	h.settle(t)

	paused, _ := h.sched.Lookup("555")
	if paused.Active {
		t.Fatal("self-sent text should pause the caller")
	}
	if !paused.LastActivity.Equal(before.LastActivity) {
		t.Error("paused caller's slot must not be touched")
	}
	if n := len(h.sender.sent()); n != 1 {
		t.Fatalf("expected only the first reply, got %d", n)
	}

	h.send(gateway.Event{Identity: "555", FromSelf: true, Body: " /start "})
	h.settle(t)
	resumed, _ := h.sched.Lookup("555")
	if !resumed.Active {
		t.Fatal("/start should reactivate the caller")
	}
	sent := h.sender.sent()
	if sent[len(sent)-1].text != DefaultReactivatedText {
		t.Errorf("expected reactivation notice, got %q", sent[len(sent)-1].text)
	}

	h.send(gateway.Event{Identity: "555", Body: "gracias"})
	h.settle(t)
	sent = h.sender.sent()
	if sent[len(sent)-1].text != "re: gracias" {
		t.Errorf("expected reply after reactivation, got %q", sent[len(sent)-1].text)
	}
}

func TestSelfMessageForUnknownCallerIgnored(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	h.send(gateway.Event{Identity: "999", FromSelf: true, Body: "/start"})
	h.send(gateway.Event{Identity: "999", FromSelf: true, Body: "hola"})
	h.settle(t)

	if _, ok := h.sched.Lookup("999"); ok {
		t.Error("operator messages must not create slots")
	}
	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
	if c := h.sched.Registry().Counts(); c.Pool != 3 {
		t.Errorf("pool should be untouched, counts=%+v", c)
	}
}

func TestQueryFailureIsSilent(t *testing.T) {
	h := newHarness(t, Options{}, func(context.Context, string) (string, error) {
		return "", errors.New("provider down")
	})

	h.send(gateway.Event{Identity: "555", Body: "hola"})
	h.settle(t)

	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("failed query must not reply, got %d messages", n)
	}
	if h.recorder.records.Load() != 0 {
		t.Error("failed query must not be recorded")
	}
}

func TestQueryTimeout(t *testing.T) {
	h := newHarness(t, Options{QueryTimeout: 20 * time.Millisecond}, func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	h.send(gateway.Event{Identity: "555", Body: "hola"})
	h.settle(t)

	if n := len(h.sender.sent()); n != 0 {
		t.Errorf("timed out query must not reply, got %d messages", n)
	}
}

func TestPersistenceFailureDoesNotAffectReply(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.recorder.err = errors.New("db down")

	h.send(gateway.Event{Identity: "555", Body: "hola"})
	waitFor(t, "bookkeeping attempt", func() bool { return h.recorder.records.Load() == 1 })

	sent := h.sender.sent()
	if len(sent) != 1 || sent[0].text != "re: hola" {
		t.Errorf("expected reply despite db failure, got %v", sent)
	}
}

func TestUnusableIdentityDropped(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	h.send(gateway.Event{Identity: "  ", Body: "x"})
	h.send(gateway.Event{Identity: pool.PoolKey(2), Body: "x"})
	h.settle(t)

	if c := h.sched.Registry().Counts(); c.Callers() != 0 {
		t.Errorf("expected no caller slots, got %+v", c)
	}
}

func TestCloseRejectsLateEvents(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	h.send(gateway.Event{Identity: "555", Body: "hola"})
	if err := h.router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := len(h.sender.sent()); n != 1 {
		t.Errorf("queued event should finish before close returns, got %d replies", n)
	}

	h.send(gateway.Event{Identity: "777", Body: "tarde"})
	if _, ok := h.sched.Lookup("777"); ok {
		t.Error("closed router must not assign slots")
	}
	if err := h.router.Close(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed on second close, got %v", err)
	}
}

// sweepingPool fires an idle sweep far in the future right after every
// acquisition, the worst moment for the monitor to run.
type sweepingPool struct {
	*pool.Scheduler
	monitor *pool.Monitor
	ahead   time.Duration
	sweeps  atomic.Int32
}

func (p *sweepingPool) Acquire(ctx context.Context, caller string) (pool.Slot, func(), error) {
	slot, release, err := p.Scheduler.Acquire(ctx, caller)
	p.monitor.Sweep(ctx, time.Now().Add(p.ahead))
	p.sweeps.Add(1)
	return slot, release, err
}

func TestSweepDuringMessageKeepsAgentWithCaller(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	sp := &sweepingPool{Scheduler: h.sched, monitor: pool.NewMonitor(h.sched), ahead: 2 * time.Minute}
	rt := New(sp, h.sender, h.recorder, h.bridge, Options{}, nil)

	rt.HandleEvent(context.Background(), gateway.Event{Identity: "555", Body: "hola"})
	rt.HandleEvent(context.Background(), gateway.Event{Identity: "555", Body: "again"})
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sp.sweeps.Load() != 2 {
		t.Fatalf("expected a sweep per message, got %d", sp.sweeps.Load())
	}

	held, ok := h.sched.Lookup("555")
	if !ok || held.Agent.ID() != "agent-1" {
		t.Fatalf("555 must keep agent-1 while its messages are handled, got %+v ok=%v", held, ok)
	}
	for _, sl := range h.sched.Registry().Snapshot() {
		if pool.IsPoolKey(sl.Key) && sl.Agent.ID() == "agent-1" {
			t.Fatalf("agent-1 was recycled into %s while in use", sl.Key)
		}
	}
	a := h.factory.agent(0)
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queries) != 2 || a.queries[1] != "again" {
		t.Errorf("unexpected queries on agent-1: %v", a.queries)
	}
}

func TestBookkeepingKeepsArrivalOrder(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.recorder.slow = map[string]time.Duration{"m1": 80 * time.Millisecond}

	for i := 1; i <= 3; i++ {
		h.send(gateway.Event{Identity: "555", Body: fmt.Sprintf("m%d", i)})
	}
	waitFor(t, "bookkeeping", func() bool { return h.recorder.records.Load() == 3 })

	var records []string
	for _, e := range h.journal.list() {
		if strings.HasPrefix(e, "record:") {
			records = append(records, e)
		}
	}
	want := []string{"record:555:m1:re: m1", "record:555:m2:re: m2", "record:555:m3:re: m3"}
	if len(records) != len(want) {
		t.Fatalf("expected %d records, got %v", len(want), records)
	}
	for i := range want {
		if records[i] != want[i] {
			t.Fatalf("records out of arrival order: %v", records)
		}
	}
	if n := len(h.sender.sent()); n != 3 {
		t.Errorf("replies must not wait on bookkeeping, got %d", n)
	}
}
