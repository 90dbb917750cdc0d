package hub

import "testing"

func TestRegistryAdmitIsIdempotent(t *testing.T) {
	registry := NewRegistry()
	conn := newConnection(nil, RoleViewer, "sess-1", 4, 0, 0)

	registry.Admit("sess-1", conn)
	registry.Admit("sess-1", conn)
	if got := registry.Len("sess-1"); got != 1 {
		t.Fatalf("Len = %d after duplicate admit", got)
	}

	if empty := registry.Remove("sess-1", conn); !empty {
		t.Fatal("single removal must leave the bucket empty")
	}
}

func TestRegistryRemoveToleratesAbsent(t *testing.T) {
	registry := NewRegistry()
	conn := newConnection(nil, RoleViewer, "sess-1", 4, 0, 0)

	if empty := registry.Remove("sess-1", conn); !empty {
		t.Fatal("removing from an unknown session must report empty")
	}

	other := newConnection(nil, RoleViewer, "sess-1", 4, 0, 0)
	registry.Admit("sess-1", conn)
	registry.Admit("sess-1", other)
	if empty := registry.Remove("sess-1", conn); empty {
		t.Fatal("bucket with a remaining connection must not report empty")
	}
	if empty := registry.Remove("sess-1", conn); empty {
		t.Fatal("duplicate removal must be a no-op")
	}
	if got := registry.Len("sess-1"); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}
}

func TestRegistrySnapshotIsolatedFromMutation(t *testing.T) {
	registry := NewRegistry()
	first := newConnection(nil, RoleViewer, "sess-1", 4, 0, 0)
	second := newConnection(nil, RoleBroadcaster, "sess-1", 4, 0, 0)
	registry.Admit("sess-1", first)
	registry.Admit("sess-1", second)

	snapshot := registry.Snapshot("sess-1")
	registry.Remove("sess-1", first)
	if len(snapshot) != 2 {
		t.Fatalf("snapshot length changed to %d", len(snapshot))
	}
	if got := registry.Len("sess-1"); got != 1 {
		t.Fatalf("Len = %d after removal", got)
	}
}
