package toolsurface

import (
	"context"
	"testing"

	"github.com/op15/bridge/internal/bridge"
	"github.com/op15/bridge/internal/dispatcher"
	"github.com/op15/bridge/internal/wire"
)

func TestFSListFailsFastWhenNotConnected(t *testing.T) {
	m := bridge.NewManager(nil)
	d := dispatcher.New(m)
	s := New(m, d)

	_, err := s.FSList(context.Background(), "nobody", "secret", wire.FSListArgs{Path: "/"})
	werr, ok := err.(*wire.Error)
	if !ok || werr.Kind != wire.ErrAgentNotConnected {
		t.Fatalf("expected agent-not-connected, got %v", err)
	}
}

func TestSortEntriesDirectoriesFirstCaseInsensitive(t *testing.T) {
	entries := []wire.FSEntry{
		{Name: "zebra.txt", Kind: "file"},
		{Name: "Apple", Kind: "directory"},
		{Name: "banana", Kind: "directory"},
		{Name: "a.txt", Kind: "file"},
	}
	SortEntries(entries)

	want := []string{"Apple", "banana", "a.txt", "zebra.txt"}
	for i, name := range want {
		if entries[i].Name != name {
			t.Fatalf("entries[%d] = %q, want %q (full: %+v)", i, entries[i].Name, name, entries)
		}
	}
}

func TestHumanSize(t *testing.T) {
	if got := HumanSize(0); got == "" {
		t.Fatalf("HumanSize(0) returned empty string")
	}
}
