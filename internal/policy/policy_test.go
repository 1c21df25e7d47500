package policy

import (
	"testing"

	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/usage"
)

func TestPolicy_Application(t *testing.T) {
	p, err := Compile(testConfig())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	tests := []struct {
		name      string
		wantApp   string
		accounted bool
	}{
		{"firefox-bin", "firefox", true},
		{"Minecraft", "minecraft", true},
		{"steamwebhelper", "steam", true},
		{"code", "code", true},
		{"bash", "bash", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, accounted := p.Application(tt.name)
			if app != tt.wantApp || accounted != tt.accounted {
				t.Errorf("Application(%q) = (%q, %v), want (%q, %v)", tt.name, app, accounted, tt.wantApp, tt.accounted)
			}
		})
	}
}

func TestPolicy_GroupOfAmbiguous(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.ProcessGroups = map[string][]string{"games": {"steam"}, "social": {"discord"}}

	// "steam-discord" contains both members without either pattern
	// containing the other, so validation cannot catch it.
	p, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	group, ambiguous, ok := p.GroupOf("steam-discord")
	if !ok || !ambiguous || group != "games" {
		t.Errorf("GroupOf = (%q, %v, %v), want (games, true, true)", group, ambiguous, ok)
	}

	group, ambiguous, ok = p.GroupOf("steam")
	if !ok || ambiguous || group != "games" {
		t.Errorf("GroupOf = (%q, %v, %v), want (games, false, true)", group, ambiguous, ok)
	}

	if _, _, ok := p.GroupOf("firefox"); ok {
		t.Error("Expected firefox not to belong to a group")
	}
}

func TestPolicy_Limits(t *testing.T) {
	p, err := Compile(testConfig())
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if got := p.Limit(usage.App("firefox")); got != 30 {
		t.Errorf("Expected 30, got %d", got)
	}
	if got := p.Limit(usage.Group("games")); got != 120 {
		t.Errorf("Expected 120, got %d", got)
	}
	if got := p.Limit(usage.App("code")); got != 0 {
		t.Errorf("Expected unlimited, got %d", got)
	}

	scope, limit := p.LimitForName("games")
	if scope != usage.Group("games") || limit != 120 {
		t.Errorf("Unexpected LimitForName(games) = %v %d", scope, limit)
	}
	scope, limit = p.LimitForName("firefox-esr")
	if scope != usage.App("firefox") || limit != 30 {
		t.Errorf("Unexpected LimitForName(firefox-esr) = %v %d", scope, limit)
	}
}

func TestCompile_InvalidGlob(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.Matching = "glob"
	cfg.Monitor.BlockedProcesses = []string{"[oops"}

	if _, err := Compile(cfg); err == nil {
		t.Error("Expected invalid glob to fail compilation")
	}
}

func TestCompile_ThresholdFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.WarningIntervals = nil
	cfg.Monitor.WarningTime = 300

	p, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(p.Thresholds) != 1 || p.Thresholds[0] != 300 {
		t.Errorf("Expected [300], got %v", p.Thresholds)
	}

	var empty config.Config
	empty.Monitor.CheckInterval = "5s"
	if _, err := Compile(&empty); err != nil {
		t.Errorf("Expected empty config to compile, got %v", err)
	}
}

func TestPolicy_LimitedScopes(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.LimitedProcesses["chrome"] = 0

	p, err := Compile(cfg)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	want := []usage.Scope{usage.App("firefox"), usage.App("minecraft"), usage.Group("games")}
	got := p.LimitedScopes()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Scope %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
