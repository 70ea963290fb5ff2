package activity

import (
	"testing"

	"edgefleet-server/internal/model"
)

func TestFeedListNewestFirstPerTenant(t *testing.T) {
	f := NewFeed(10, nil)
	f.Record(model.Activity{TenantID: "acme", Type: model.ActivityDeviceOffline, Message: "a"})
	f.Record(model.Activity{TenantID: "other", Type: model.ActivityDeviceOffline, Message: "b"})
	f.Record(model.Activity{TenantID: "acme", Type: model.ActivityCommandFailed, Message: "c"})

	got := f.List("acme", 0, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Message != "c" || got[1].Message != "a" {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[0].At.IsZero() || got[0].Seq != 3 {
		t.Fatalf("expected stamped entry, got %+v", got[0])
	}

	after := f.List("", 2, 10)
	if len(after) != 1 || after[0].Message != "c" {
		t.Fatalf("unexpected entries after seq 2: %+v", after)
	}
}

func TestFeedDropsOldest(t *testing.T) {
	f := NewFeed(2, nil)
	for _, msg := range []string{"a", "b", "c"} {
		f.Record(model.Activity{TenantID: "acme", Message: msg})
	}
	got := f.List("acme", 0, 10)
	if len(got) != 2 || got[1].Message != "b" {
		t.Fatalf("expected oldest dropped, got %+v", got)
	}
}
