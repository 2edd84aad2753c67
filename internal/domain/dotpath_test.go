package domain

import "testing"

func TestDotPathSetAndGet(t *testing.T) {
	root := map[string]any{}
	DotPathSet(root, "a.b.c", 42)

	v, ok := DotPathGet(root, "a.b.c")
	if !ok || v != 42 {
		t.Fatalf("got (%v, %v), want (42, true)", v, ok)
	}
}

func TestDotPathSetDeletesEmptyParents(t *testing.T) {
	root := map[string]any{}
	DotPathSet(root, "a.b.c", 1)
	DotPathSet(root, "a.b.c", nil)

	if _, ok := root["a"]; ok {
		t.Fatalf("expected empty parent chain to be pruned, got %v", root)
	}
}

func TestDeepMergeIntoUpdatesWin(t *testing.T) {
	dst := map[string]any{
		"status": "running",
		"nested": map[string]any{"x": 1, "y": 2},
	}
	src := map[string]any{
		"status": "completed",
		"nested": map[string]any{"y": nil, "z": 3},
	}
	DeepMergeInto(dst, src)

	if dst["status"] != "completed" {
		t.Fatalf("status = %v, want completed", dst["status"])
	}
	nested := dst["nested"].(map[string]any)
	if _, ok := nested["y"]; ok {
		t.Fatalf("expected y to be deleted, got %v", nested)
	}
	if nested["x"] != 1 || nested["z"] != 3 {
		t.Fatalf("nested = %v", nested)
	}
}

func TestBuildNestedFromPath(t *testing.T) {
	nested := BuildNestedFromPath("order.shipped", 1690000000000)
	order, ok := nested["order"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested order map, got %v", nested)
	}
	if order["shipped"] != int64(1690000000000) && order["shipped"] != 1690000000000 {
		t.Fatalf("order.shipped = %v", order["shipped"])
	}
}

func TestRunMarkTerminalOnceOnly(t *testing.T) {
	r := NewRun("f1-1-abc", "f1", 1000)
	if !r.MarkTerminal(RunCompleted, 2000) {
		t.Fatal("first MarkTerminal should succeed")
	}
	if r.MarkTerminal(RunFailed, 3000) {
		t.Fatal("second MarkTerminal on a terminal run must be a no-op")
	}
	if r.Status != RunCompleted {
		t.Fatalf("status = %v, want completed (unchanged)", r.Status)
	}
}
