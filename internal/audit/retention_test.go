package audit

import (
	"context"
	"testing"
	"time"
)

func TestAnonymizeIP(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "192.168.1.100", want: "192.168.1.0"},
		{in: "10.0.0.1", want: "10.0.0.0"},
		{in: "2001:db8:85a3:1234:5678:8a2e:370:7334", want: "2001:db8:85a3::"},
		{in: "::1", want: "::"},
		{in: "", want: ""},
		{in: "not-an-ip", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := AnonymizeIP(tt.in); got != tt.want {
				t.Errorf("AnonymizeIP(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestApplyRetention(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	// Entries at 400, 100 and 1 day(s) old.
	for _, age := range []time.Duration{400, 100, 1} {
		created := auditNow.Add(-age * 24 * time.Hour)
		repo.now = func() time.Time { return created }
		if _, err := repo.Append(ctx, viewEntry("teacher-1", "a1")); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	if err := ApplyRetention(ctx, repo, DefaultRetentionPolicy(), auditNow); err != nil {
		t.Fatalf("ApplyRetention() error = %v", err)
	}

	logs := repo.All()
	if len(logs) != 2 {
		t.Fatalf("kept %d entries, want 2", len(logs))
	}
	if logs[0].IPAddress != "192.168.1.0" {
		t.Errorf("100 day old entry IP = %q, want anonymized", logs[0].IPAddress)
	}
	if logs[1].IPAddress != "192.168.1.23" {
		t.Errorf("recent entry IP = %q, want untouched", logs[1].IPAddress)
	}
	if err := VerifyChain(logs); err != nil {
		t.Errorf("VerifyChain() after retention = %v, want nil", err)
	}

	// New entries keep linking after deletion.
	repo.now = func() time.Time { return auditNow }
	next, err := repo.Append(ctx, viewEntry("teacher-1", "a1"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if next.PreviousHash != logs[1].Hash {
		t.Error("new entry should link to the last retained entry")
	}
}
