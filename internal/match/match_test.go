package match

import (
	"testing"
)

func TestSubstring(t *testing.T) {
	m := Substring{}
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"firefox", "firefox", true},
		{"firefox", "firefox-bin", true},
		{"Firefox", "FIREFOX-esr", true},
		{"steam", "/usr/lib/steam/steamwebhelper", true},
		{"chrome", "firefox", false},
		{"", "firefox", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			if got := m.Match(tt.pattern, tt.name); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		})
	}
}

func TestExact(t *testing.T) {
	m := Exact{}
	if !m.Match("Steam", "steam") {
		t.Error("Expected case-insensitive exact match")
	}
	if !m.Match("steam", "/usr/bin/steam") {
		t.Error("Expected base name match")
	}
	if m.Match("steam", "steamwebhelper") {
		t.Error("Expected no partial match")
	}
}

func TestGlob(t *testing.T) {
	m, err := NewGlob(8)
	if err != nil {
		t.Fatalf("NewGlob failed: %v", err)
	}

	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"firefox*", "firefox-bin", true},
		{"*craft", "Minecraft", true},
		{"steam?", "steam1", true},
		{"steam?", "steam", false},
		{"firefox", "firefox-bin", false},
		{"[invalid", "anything", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			if got := m.Match(tt.pattern, tt.name); got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
			}
		})
	}

	if err := m.Compile("[invalid"); err == nil {
		t.Error("Expected compile error for invalid pattern")
	}
}

func TestNew(t *testing.T) {
	for _, strategy := range []string{"", StrategySubstring, StrategyExact, StrategyGlob} {
		m, err := New(strategy)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", strategy, err)
		}
		want := strategy
		if want == "" {
			want = StrategySubstring
		}
		if m.Strategy() != want {
			t.Errorf("Expected strategy %s, got %s", want, m.Strategy())
		}
	}

	if _, err := New("regex"); err == nil {
		t.Error("Expected error for unknown strategy")
	}
}

func TestFirst(t *testing.T) {
	pattern, ok := First(Substring{}, []string{"chrome", "fire", "firefox"}, "firefox")
	if !ok || pattern != "fire" {
		t.Errorf("Expected first match 'fire', got %q (%v)", pattern, ok)
	}
	if _, ok := First(Substring{}, nil, "firefox"); ok {
		t.Error("Expected no match for empty list")
	}
}
