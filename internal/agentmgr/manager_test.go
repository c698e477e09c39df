package agentmgr

import (
	"context"
	"testing"
	"time"

	"github.com/loomwork/loom/internal/agent"
	"github.com/loomwork/loom/internal/config"
	"github.com/loomwork/loom/internal/llm"
	"github.com/loomwork/loom/internal/sink"
)

// scriptedCompleter streams the same scripted body on every call.
type scriptedCompleter struct {
	body  string
	calls int
}

func (c *scriptedCompleter) Complete(ctx context.Context, req llm.Request, onChunk func(llm.Chunk)) error {
	c.calls++
	onChunk(llm.Chunk{Delta: c.body})
	onChunk(llm.Chunk{Done: true})
	return nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.MaxConcurrentAgents = 1
	return cfg
}

func factoryFor(bodies map[config.AgentRole]string) ClientFactory {
	return func(profile *config.AgentProfile) agent.Completer {
		return &scriptedCompleter{body: bodies[profile.Role]}
	}
}

func TestSpawnMainRegistersIdleAgent(t *testing.T) {
	m := New(Options{Config: testConfig(), ClientFactory: factoryFor(nil)})
	id, err := m.SpawnMain(context.Background())
	if err != nil {
		t.Fatalf("SpawnMain: %v", err)
	}
	if id != MainAgentID {
		t.Fatalf("id = %q, want %q", id, MainAgentID)
	}

	list := m.List()
	if len(list) != 1 || list[0].Status != StatusIdle {
		t.Fatalf("List() = %+v", list)
	}
}

func TestSpawnRejectsOverCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 1
	m := New(Options{Config: cfg, ClientFactory: factoryFor(map[config.AgentRole]string{
		config.RoleResearcher: "[SUMMARY] done [/SUMMARY]",
	})})

	// Exhaust capacity with a long-lived fake: spawn once, then immediately
	// attempt a second spawn before the first's goroutine can decrement the
	// active count. Since runSubAgent's fake completer returns synchronously
	// the race is inherent to any async runtime; we assert on the documented
	// contract (capacity is enforced at spawn time) using a manager whose
	// count we inflate directly.
	m.activeCount = int64(cfg.MaxConcurrentAgents)

	_, err := m.Spawn(context.Background(), config.RoleResearcher, "investigate", MainAgentID)
	var capErr *CapacityError
	if err == nil {
		t.Fatal("expected CapacityError")
	}
	if !isCapacityError(err, &capErr) {
		t.Fatalf("err = %v, want *CapacityError", err)
	}
}

func isCapacityError(err error, target **CapacityError) bool {
	ce, ok := err.(*CapacityError)
	if ok {
		*target = ce
	}
	return ok
}

func TestSpawnDeliversSummaryToParent(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 4
	m := New(Options{Config: cfg, Sink: sink.Nop(), ClientFactory: factoryFor(map[config.AgentRole]string{
		config.RoleMain:       "",
		config.RoleResearcher: "[SUMMARY] found the answer [/SUMMARY]",
	})})

	if _, err := m.SpawnMain(context.Background()); err != nil {
		t.Fatalf("SpawnMain: %v", err)
	}

	id, err := m.Spawn(context.Background(), config.RoleResearcher, "investigate", MainAgentID)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitForStatus(t, m, id, StatusCompleted)

	mainAgent, ok := m.Get(MainAgentID)
	if !ok {
		t.Fatal("main agent missing from registry")
	}
	found := false
	for _, msg := range mainAgent.History() {
		if msg.Content == "[SUMMARY from researcher] found the answer" {
			found = true
		}
	}
	if !found {
		t.Errorf("main history = %+v", mainAgent.History())
	}
}

func TestCheckAndAutoSpawnMatchesKeyword(t *testing.T) {
	cfg := testConfig()
	cfg.AutoSpawnOnKeywords = true
	cfg.MaxConcurrentAgents = 4
	m := New(Options{Config: cfg, ClientFactory: factoryFor(map[config.AgentRole]string{
		config.RoleResearcher: "[SUMMARY] ok [/SUMMARY]",
	})})
	if _, err := m.SpawnMain(context.Background()); err != nil {
		t.Fatalf("SpawnMain: %v", err)
	}

	spawned := m.CheckAndAutoSpawn(context.Background(), "please research the topic")
	if len(spawned) != 1 {
		t.Fatalf("spawned = %+v, want 1 researcher", spawned)
	}
}

func TestTerminateMarksAgentTerminated(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentAgents = 4
	m := New(Options{Config: cfg, ClientFactory: factoryFor(map[config.AgentRole]string{
		config.RoleResearcher: "[SUMMARY] ok [/SUMMARY]",
	})})
	id, err := m.Spawn(context.Background(), config.RoleResearcher, "investigate", MainAgentID)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.Terminate(id); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	for _, info := range m.List() {
		if info.ID == id && info.Status != StatusTerminated {
			t.Errorf("status = %v, want terminated", info.Status)
		}
	}
}

func waitForStatus(t *testing.T, m *Manager, id agent.AgentID, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range m.List() {
			if info.ID == id && info.Status == want {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("agent %q never reached status %v", id, want)
}
