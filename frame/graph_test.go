package frame_test

import (
	"errors"
	"math"
	"testing"

	"github.com/horus-robotics/horus/frame"
	"github.com/horus-robotics/horus/horuserr"
)

func almostEqual(a, b, eps float64) bool { return math.Abs(a-b) < eps }

func TestGraphIdentity(t *testing.T) {
	g := frame.NewGraph(frame.Options{})
	if _, err := g.Register("world", ""); err != nil {
		t.Fatalf("Register world: %v", err)
	}
	if _, err := g.Register("base_link", "world"); err != nil {
		t.Fatalf("Register base_link: %v", err)
	}
	if err := g.Update("base_link", frame.Identity(), 0); err != nil {
		t.Fatalf("Update: %v", err)
	}

	tf, err := g.Tf("base_link", "world")
	if err != nil {
		t.Fatalf("Tf: %v", err)
	}
	if !almostEqual(tf.Translation[0], 0, 1e-9) {
		t.Fatalf("identity transform translation: got %v", tf.Translation)
	}
}

func TestGraphInterpolation(t *testing.T) {
	g := frame.NewGraph(frame.Options{})
	if _, err := g.Register("world", ""); err != nil {
		t.Fatalf("Register world: %v", err)
	}
	if _, err := g.Register("robot", "world"); err != nil {
		t.Fatalf("Register robot: %v", err)
	}

	if err := g.Update("robot", frame.FromTranslation(frame.Vec3{0, 0, 0}), 100); err != nil {
		t.Fatalf("Update t=100: %v", err)
	}
	if err := g.Update("robot", frame.FromTranslation(frame.Vec3{10, 0, 0}), 200); err != nil {
		t.Fatalf("Update t=200: %v", err)
	}

	tf, err := g.TfAt("robot", "world", 150)
	if err != nil {
		t.Fatalf("TfAt: %v", err)
	}
	if !almostEqual(tf.Translation[0], 5.0, 1e-6) {
		t.Fatalf("interpolated translation.x: got %v, want 5.0", tf.Translation[0])
	}
}

func TestGraphLowestCommonAncestor(t *testing.T) {
	g := frame.NewGraph(frame.Options{})
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	_, err := g.Register("world", "")
	must(err)
	_, err = g.Register("arm_base", "world")
	must(err)
	_, err = g.Register("camera", "arm_base")
	must(err)
	_, err = g.Register("gripper", "arm_base")
	must(err)

	must(g.Update("arm_base", frame.FromTranslation(frame.Vec3{1, 0, 0}), 0))
	must(g.Update("camera", frame.FromTranslation(frame.Vec3{0, 1, 0}), 0))
	must(g.Update("gripper", frame.FromTranslation(frame.Vec3{0, 0, 1}), 0))

	if !g.CanTransform("camera", "gripper") {
		t.Fatalf("expected camera -> gripper to be connected via arm_base")
	}

	chain, err := g.Chain("camera", "gripper")
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	want := []string{"camera", "arm_base", "gripper"}
	if len(chain) != len(want) {
		t.Fatalf("Chain: got %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Fatalf("Chain[%d]: got %q, want %q", i, chain[i], want[i])
		}
	}

	tf, err := g.Tf("camera", "gripper")
	if err != nil {
		t.Fatalf("Tf camera->gripper: %v", err)
	}
	// camera is at arm_base + (0,1,0); gripper is at arm_base + (0,0,1).
	// Tf(camera, gripper) maps a point in camera's frame into gripper's
	// frame, so camera's own origin lands at camera - gripper = (0,1,-1).
	if !almostEqual(tf.Translation[0], 0, 1e-9) ||
		!almostEqual(tf.Translation[1], 1, 1e-9) ||
		!almostEqual(tf.Translation[2], -1, 1e-9) {
		t.Fatalf("camera->gripper translation: got %v, want [0 1 -1]", tf.Translation)
	}
}

func TestGraphNoConnection(t *testing.T) {
	g := frame.NewGraph(frame.Options{})
	if _, err := g.Register("a_root", ""); err != nil {
		t.Fatalf("Register a_root: %v", err)
	}
	if _, err := g.Register("b_root", ""); err != nil {
		t.Fatalf("Register b_root: %v", err)
	}
	if g.CanTransform("a_root", "b_root") {
		t.Fatalf("disjoint roots should not be connected")
	}
	if _, err := g.Tf("a_root", "b_root"); !errors.Is(err, horuserr.ErrNoConnection) {
		t.Fatalf("Tf across disjoint trees: got %v, want ErrNoConnection", err)
	}
}

func TestGraphDuplicateAndUnregister(t *testing.T) {
	g := frame.NewGraph(frame.Options{})
	if _, err := g.Register("world", ""); err != nil {
		t.Fatalf("Register world: %v", err)
	}
	if _, err := g.Register("world", ""); !errors.Is(err, horuserr.ErrDuplicate) {
		t.Fatalf("duplicate Register: got %v, want ErrDuplicate", err)
	}
	if _, err := g.Register("child", "world"); err != nil {
		t.Fatalf("Register child: %v", err)
	}
	if err := g.Unregister("world"); !errors.Is(err, horuserr.ErrInUse) {
		t.Fatalf("Unregister parent with a child: got %v, want ErrInUse", err)
	}
	if err := g.Unregister("child"); err != nil {
		t.Fatalf("Unregister child: %v", err)
	}
	if err := g.Unregister("world"); err != nil {
		t.Fatalf("Unregister world: %v", err)
	}
}

func TestHistoryPrune(t *testing.T) {
	h := frame.NewHistory(10)
	h.Push(100, frame.Identity())
	h.Push(200, frame.Identity())
	h.Push(300, frame.Identity())
	h.Push(400, frame.Identity())

	h.PruneBefore(250)

	if got := h.Len(); got != 2 {
		t.Fatalf("Len after prune: got %d, want 2", got)
	}
	ts, _, ok := h.Oldest()
	if !ok || ts != 300 {
		t.Fatalf("Oldest after prune: got (%v, %v), want (300, true)", ts, ok)
	}
}
