package levelk

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"

	nfg "github.com/timpalpant/go-nfg"
	"github.com/timpalpant/go-nfg/cpt"
)

// testGame is a weather-conditioned two-player game: Weather feeds
// both D1 (player p1, 2 actions) and D2 (player p2, 2 actions), so
// every decision CPT has shape (2, 2).
func testGame(t *testing.T) *nfg.Game {
	t.Helper()
	dist, err := cpt.NewFromData([]int{2}, []float64{0.6, 0.4})
	if err != nil {
		t.Fatal(err)
	}
	weather, err := nfg.NewChanceNode("Weather", nfg.Space{"sunny", "rainy"}, dist)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := nfg.NewDecisionNode("D1", "p1", nfg.Space{"a", "b"}, weather)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := nfg.NewDecisionNode("D2", "p2", nfg.Space{"x", "y"}, weather)
	if err != nil {
		t.Fatal(err)
	}
	g, err := nfg.NewGame(weather, d1, d2)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func testSpecs(level1, level2 int) Spec {
	return Spec{
		"p1": {
			Level: level1,
			Delta: 1.0,
			Nodes: map[string]NodeSpec{
				"D1": {N: 10, Tol: 1e-3, Beta: 1.0, L0Uniform: true},
			},
		},
		"p2": {
			Level: level2,
			Delta: 1.0,
			Nodes: map[string]NodeSpec{
				"D2": {N: 10, Tol: 1e-3, Beta: 1.0, L0Uniform: true},
			},
		},
	}
}

// fixedEstimator returns the same utility rows for a node at every
// level. Utilities are given per node name as flat row-major data.
func fixedEstimator(utilities map[string][]float64) Estimator {
	return func(ctx context.Context, g *nfg.Game, name string, n int, tol, delta float64) (*cpt.Table, error) {
		node, ok := g.Decision(name)
		if !ok {
			return nil, errors.Errorf("unknown node %s", name)
		}
		return cpt.NewFromData(node.CPT().Shape(), utilities[name])
	}
}

// D1 prefers "b" when sunny and "a" when rainy; D2 always prefers "x".
var testUtilities = map[string][]float64{
	"D1": {0, 1, 2, 1},
	"D2": {3, 1, 2, 0},
}

func TestNewSeedsLevel0Uniform(t *testing.T) {
	br, err := New(testGame(t), testSpecs(1, 1), fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"D1", "D2"} {
		node, _ := br.Game().Decision(name)
		l0, ok := node.LevelPolicy(0)
		if !ok {
			t.Fatalf("%s was not seeded at Level0", name)
		}
		for i := 0; i < l0.NumRows(); i++ {
			for _, p := range l0.Row(i) {
				if p != 0.5 {
					t.Errorf("%s Level0 row %d = %v, expected uniform", name, i, l0.Row(i))
				}
			}
		}
	}
	if br.HighLevel() != 1 {
		t.Errorf("high level = %d, expected 1", br.HighLevel())
	}
}

func TestNewSeedsLevel0Prior(t *testing.T) {
	prior, err := cpt.NewFromData([]int{2, 2}, []float64{1, 0, 0, 1})
	if err != nil {
		t.Fatal(err)
	}
	specs := testSpecs(1, 1)
	ps := specs["p1"]
	ps.Nodes["D1"] = NodeSpec{N: 10, Tol: 1e-3, L0Prior: prior}
	specs["p1"] = ps

	br, err := New(testGame(t), specs, fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	node, _ := br.Game().Decision("D1")
	l0, _ := node.LevelPolicy(0)
	if l0.At(0, 0) != 1 || l0.At(1, 1) != 1 {
		t.Errorf("Level0 = %v, expected the supplied prior", l0)
	}
}

func TestNewSeedsLevel0Fallback(t *testing.T) {
	// No L0 directive: the node's current CPT becomes Level0, with a
	// logged warning.
	g := testGame(t)
	d1, _ := g.Decision("D1")
	d1.RandomCPT(false)
	want := d1.CPT().Clone()

	specs := testSpecs(1, 1)
	ps := specs["p1"]
	ps.Nodes["D1"] = NodeSpec{N: 10, Tol: 1e-3}
	specs["p1"] = ps

	br, err := New(g, specs, fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	node, _ := br.Game().Decision("D1")
	l0, _ := node.LevelPolicy(0)
	for i := 0; i < want.NumRows(); i++ {
		for j := range want.Row(i) {
			if l0.Row(i)[j] != want.Row(i)[j] {
				t.Fatalf("Level0 = %v, expected the node's current CPT %v", l0, want)
			}
		}
	}
}

func TestNewRejectsBadSpecs(t *testing.T) {
	g := testGame(t)
	est := fixedEstimator(testUtilities)

	specs := testSpecs(1, 1)
	delete(specs["p1"].Nodes, "D1")
	if _, err := New(g, specs, est, false); err == nil {
		t.Error("expected error for a player node without a spec")
	}

	specs = testSpecs(1, 1)
	specs["p3"] = PlayerSpec{Level: 1, Nodes: map[string]NodeSpec{}}
	if _, err := New(testGame(t), specs, est, false); err == nil {
		t.Error("expected error for a player with no decision nodes")
	}

	badPrior := cpt.New(3, 3)
	badPrior.FillUniform()
	specs = testSpecs(1, 1)
	ps := specs["p1"]
	ps.Nodes["D1"] = NodeSpec{N: 10, L0Prior: badPrior}
	specs["p1"] = ps
	if _, err := New(testGame(t), specs, est, false); err == nil {
		t.Error("expected error for a prior with the wrong shape")
	}

	specs = testSpecs(1, 1)
	ps = specs["p1"]
	ps.Nodes["D1"] = NodeSpec{N: 10, L0Uniform: true} // Beta unset
	specs["p1"] = ps
	if _, err := New(testGame(t), specs, est, true); err == nil {
		t.Error("expected error for the logit rule without beta")
	}
}

func TestTrainNodeMissingLowerLevel(t *testing.T) {
	br, err := New(testGame(t), testSpecs(2, 2), fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	err = br.TrainNode(context.Background(), "D1", 2, false)
	if err == nil || !strings.Contains(err.Error(), "Level1") {
		t.Errorf("got %v, expected a missing Level1 error", err)
	}
	node, _ := br.Game().Decision("D1")
	if _, ok := node.LevelPolicy(2); ok {
		t.Error("a failed training must not record a policy")
	}
}

func TestTrainNodePureRule(t *testing.T) {
	br, err := New(testGame(t), testSpecs(1, 1), fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.TrainNode(context.Background(), "D1", 1, false); err != nil {
		t.Fatal(err)
	}
	node, _ := br.Game().Decision("D1")
	l1, ok := node.LevelPolicy(1)
	if !ok {
		t.Fatal("Level1 policy not recorded")
	}
	// Utilities {0,1} then {2,1}: best response is "b" when sunny,
	// "a" when rainy.
	if l1.At(0, 1) != 1 || l1.At(1, 0) != 1 {
		t.Errorf("Level1 = %v, expected pure best response to the utilities", l1)
	}
	// The live CPT is untouched without promotion.
	if !node.CPT().IsZero() {
		t.Error("training without setCPT should not modify the live CPT")
	}
}

func TestTrainNodeLogitRule(t *testing.T) {
	br, err := New(testGame(t), testSpecs(1, 1), fixedEstimator(testUtilities), true)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.TrainNode(context.Background(), "D2", 1, true); err != nil {
		t.Fatal(err)
	}
	node, _ := br.Game().Decision("D2")
	l1, _ := node.LevelPolicy(1)
	// Utilities {3,1} with beta=1: p(x)/p(y) = e^2.
	for i := 0; i < l1.NumRows(); i++ {
		sum := l1.Row(i)[0] + l1.Row(i)[1]
		if sum < 1-1e-9 || sum > 1+1e-9 {
			t.Errorf("logit row %d sums to %v", i, sum)
		}
		if l1.Row(i)[0] <= l1.Row(i)[1] {
			t.Errorf("logit row %d does not favor the higher utility: %v", i, l1.Row(i))
		}
	}
	// Promotion applied.
	if node.CPT().IsZero() {
		t.Error("setCPT should promote the trained policy to the live CPT")
	}
}

func TestTrainNodeEstimatorShapeMismatch(t *testing.T) {
	bad := func(ctx context.Context, g *nfg.Game, name string, n int, tol, delta float64) (*cpt.Table, error) {
		return cpt.NewFromData([]int{4}, []float64{1, 2, 3, 4})
	}
	br, err := New(testGame(t), testSpecs(1, 1), bad, false)
	if err != nil {
		t.Fatal(err)
	}
	err = br.TrainNode(context.Background(), "D1", 1, false)
	if err == nil || !strings.Contains(err.Error(), "shape") {
		t.Errorf("got %v, expected a shape-mismatch error", err)
	}
}

func TestTrainNodeEstimatorSeesFrozenPolicies(t *testing.T) {
	var sawUniform bool
	est := func(ctx context.Context, g *nfg.Game, name string, n int, tol, delta float64) (*cpt.Table, error) {
		// Every decision node in the scratch game should be pinned to
		// its Level0 (uniform) policy.
		sawUniform = true
		for _, d := range g.DecisionNodes() {
			if d.CPT().IsZero() {
				return nil, errors.Errorf("%s CPT not pinned", d.Name())
			}
			for i := 0; i < d.CPT().NumRows(); i++ {
				for _, p := range d.CPT().Row(i) {
					if p != 0.5 {
						sawUniform = false
					}
				}
			}
		}
		node, _ := g.Decision(name)
		return cpt.NewFromData(node.CPT().Shape(), testUtilities[name])
	}
	br, err := New(testGame(t), testSpecs(1, 1), est, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.TrainNode(context.Background(), "D1", 1, false); err != nil {
		t.Fatal(err)
	}
	if !sawUniform {
		t.Error("estimator did not observe the frozen Level0 joint policy")
	}
}

func TestSolveGameTargetLevels(t *testing.T) {
	// p1 targets level 1, p2 targets level 2: the level-1 sweep trains
	// both nodes, the final pass trains only D2.
	br, err := New(testGame(t), testSpecs(1, 2), fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.SolveGame(context.Background(), true); err != nil {
		t.Fatal(err)
	}

	d1, _ := br.Game().Decision("D1")
	d2, _ := br.Game().Decision("D2")

	if _, ok := d1.LevelPolicy(1); !ok {
		t.Error("D1 missing its Level1 policy")
	}
	if _, ok := d1.LevelPolicy(2); ok {
		t.Error("D1 targets level 1 and must not receive a Level2 policy")
	}
	for _, level := range []int{1, 2} {
		if _, ok := d2.LevelPolicy(level); !ok {
			t.Errorf("D2 missing its Level%d policy", level)
		}
	}

	// Promotion installs each node's own-target-level policy.
	l1, _ := d1.LevelPolicy(1)
	if d1.CPT().At(0, 1) != l1.At(0, 1) || !d1.CPT().SameShape(l1) {
		t.Error("D1's live CPT is not its Level1 policy")
	}
	l2, _ := d2.LevelPolicy(2)
	if d2.CPT().At(0, 0) != l2.At(0, 0) {
		t.Error("D2's live CPT is not its Level2 policy")
	}
}

func TestSolveGameEstimatorFailureAborts(t *testing.T) {
	failing := func(ctx context.Context, g *nfg.Game, name string, n int, tol, delta float64) (*cpt.Table, error) {
		return nil, errors.New("simulation backend unavailable")
	}
	br, err := New(testGame(t), testSpecs(2, 2), failing, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.SolveGame(context.Background(), false); err == nil {
		t.Fatal("expected the sweep to surface the estimator failure")
	}
	for _, name := range []string{"D1", "D2"} {
		node, _ := br.Game().Decision(name)
		if _, ok := node.LevelPolicy(1); ok {
			t.Errorf("%s recorded a policy from a failed sweep", name)
		}
	}
}

func TestSolveGameCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	est := func(ctx context.Context, g *nfg.Game, name string, n int, tol, delta float64) (*cpt.Table, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	br, err := New(testGame(t), testSpecs(1, 1), est, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.SolveGame(ctx, false); err == nil {
		t.Fatal("expected cancellation to abort the sweep")
	}
	for _, name := range []string{"D1", "D2"} {
		node, _ := br.Game().Decision(name)
		if _, ok := node.LevelPolicy(1); ok {
			t.Errorf("%s recorded a policy after cancellation", name)
		}
	}
}

func TestSolveGameDoesNotMutateCaller(t *testing.T) {
	g := testGame(t)
	br, err := New(g, testSpecs(1, 1), fixedEstimator(testUtilities), false)
	if err != nil {
		t.Fatal(err)
	}
	if err := br.SolveGame(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	for _, node := range g.DecisionNodes() {
		if !node.CPT().IsZero() {
			t.Errorf("solving mutated the caller's node %s", node.Name())
		}
		if _, ok := node.LevelPolicy(0); ok {
			t.Errorf("solving wrote into the caller's node %s", node.Name())
		}
	}
}
