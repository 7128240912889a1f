package acl

import "testing"

func TestToolMatcher_DenyOverAllow(t *testing.T) {
	m, err := NewToolMatcher([]string{"**"}, []string{"admin.*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res := m.Check("admin.echo-env")
	if res.Allowed {
		t.Fatalf("expected deny for admin.echo-env despite '**' allow rule")
	}
	if !res.Explicit {
		t.Errorf("expected explicit deny")
	}
	if res.RuleID != "tool_deny_0" {
		t.Errorf("rule id = %q, want tool_deny_0", res.RuleID)
	}
}

func TestToolMatcher_AllowByDefault(t *testing.T) {
	m, err := NewToolMatcher(nil, []string{"admin.*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		subject string
		allowed bool
	}{
		{"calculator.add", true},
		{"anything.at.all", true},
		{"admin.reset", false},
	}
	for _, tt := range tests {
		if got := m.Check(tt.subject); got.Allowed != tt.allowed {
			t.Errorf("Check(%q).Allowed = %v, want %v", tt.subject, got.Allowed, tt.allowed)
		}
	}
}

func TestToolMatcher_SlashNormalization(t *testing.T) {
	m, err := NewToolMatcher([]string{"calculator/*"}, []string{"admin/*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name     string
		subject  string
		allowed  bool
		explicit bool
	}{
		{"allowed tool, dotted form", "calculator.add", true, false},
		{"allowed tool, slashed form", "calculator/add", true, false},
		{"denied tool", "admin.echo-env", false, true},
		{"denied tool, slashed form", "admin/echo-env", false, true},
		{"not on allow list", "filesystem.read", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Check(tt.subject)
			if res.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", res.Allowed, tt.allowed)
			}
			if res.Explicit != tt.explicit {
				t.Errorf("Explicit = %v, want %v", res.Explicit, tt.explicit)
			}
		})
	}
}

func TestToolMatcher_StarStaysInSegment(t *testing.T) {
	m, err := NewToolMatcher([]string{"calculator.*"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Check("calculator.add").Allowed {
		t.Errorf("calculator.add should match calculator.*")
	}
	if m.Check("calculator.add.deep").Allowed {
		t.Errorf("calculator.add.deep should not match calculator.* (single segment)")
	}
}

func TestResourceMatcher_GlobSegments(t *testing.T) {
	m, err := NewResourceMatcher(
		[]string{"file://**/*.md"},
		[]string{"file://**/.env"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		uri     string
		allowed bool
	}{
		{"env file denied", "file://project/.env", false},
		{"nested env file denied", "file://project/sub/dir/.env", false},
		{"readme allowed", "file://project/README.md", true},
		{"nested markdown allowed", "file://project/docs/guide.md", true},
		{"non-markdown not allowed", "file://project/secrets.txt", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Check(tt.uri); got.Allowed != tt.allowed {
				t.Errorf("Check(%q).Allowed = %v, want %v", tt.uri, got.Allowed, tt.allowed)
			}
		})
	}
}

func TestResourceMatcher_FirstMatchingDenyWins(t *testing.T) {
	m, err := NewResourceMatcher(nil, []string{"file://**/.env", "file://**"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := m.Check("file://project/.env")
	if res.RuleID != "resource_deny_0" {
		t.Errorf("rule id = %q, want first matching deny resource_deny_0", res.RuleID)
	}
}

func TestMatcher_RegexPatterns(t *testing.T) {
	m, err := NewToolMatcher(nil, []string{`re:(?i)shell\..*`})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Check("Shell.exec").Allowed {
		t.Errorf("case-insensitive regex deny should match Shell.exec")
	}
	if !m.Check("calculator.add").Allowed {
		t.Errorf("non-matching subject should be allowed")
	}
}

func TestMatcher_RegexAnchored(t *testing.T) {
	m, err := NewResourceMatcher([]string{`re:file://safe/.*`}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Check("prefix-file://safe/x").Allowed {
		t.Errorf("regex must be anchored at both ends")
	}
}

func TestMatcher_BadPatternFailsCompile(t *testing.T) {
	if _, err := NewToolMatcher([]string{`re:([unclosed`}, nil); err == nil {
		t.Fatalf("expected compile error for invalid regex")
	}
	if _, err := NewResourceMatcher(nil, []string{`re:*`}); err == nil {
		t.Fatalf("expected compile error for invalid regex deny pattern")
	}
}

func TestMatcher_QuestionMark(t *testing.T) {
	m, err := NewResourceMatcher([]string{"db://shard-?"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Check("db://shard-1").Allowed {
		t.Errorf("? should match a single rune")
	}
	if m.Check("db://shard-12").Allowed {
		t.Errorf("? should not match two runes")
	}
}
