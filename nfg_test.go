package nfg

import (
	"testing"

	"github.com/timpalpant/go-nfg/cpt"
)

func testGame(t *testing.T) *Game {
	t.Helper()
	dist, err := cpt.NewFromData([]int{2}, []float64{0.6, 0.4})
	if err != nil {
		t.Fatal(err)
	}
	weather, err := NewChanceNode("Weather", Space{"sunny", "rainy"}, dist)
	if err != nil {
		t.Fatal(err)
	}
	d1, err := NewDecisionNode("D1", "p1", Space{"a", "b"}, weather)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := NewDecisionNode("D2", "p2", Space{"x", "y", "z"}, weather, d1)
	if err != nil {
		t.Fatal(err)
	}
	g, err := NewGame(weather, d1, d2)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestNewGameValidation(t *testing.T) {
	dist, _ := cpt.NewFromData([]int{2}, []float64{0.5, 0.5})
	c, _ := NewChanceNode("C", Space{1, 2}, dist)
	c2, _ := NewChanceNode("C", Space{1, 2}, dist)
	if _, err := NewGame(c, c2); err == nil {
		t.Error("expected error for duplicate node names")
	}

	orphan, _ := NewDecisionNode("D", "p1", Space{1, 2}, c)
	if _, err := NewGame(orphan); err == nil {
		t.Error("expected error when a parent is not part of the game")
	}
}

func TestGamePartition(t *testing.T) {
	g := testGame(t)
	players := g.Players()
	if len(players) != 2 || players[0] != "p1" || players[1] != "p2" {
		t.Errorf("players = %v, expected [p1 p2]", players)
	}
	p1Nodes := g.Partition("p1")
	if len(p1Nodes) != 1 || p1Nodes[0].Name() != "D1" {
		t.Errorf("p1 partition = %v, expected [D1]", p1Nodes)
	}
	if len(g.DecisionNodes()) != 2 {
		t.Errorf("got %d decision nodes, expected 2", len(g.DecisionNodes()))
	}
	if _, ok := g.Decision("Weather"); ok {
		t.Error("a chance node should not resolve as a decision node")
	}
}

func TestGameCloneIndependence(t *testing.T) {
	g := testGame(t)
	d1, _ := g.Decision("D1")
	d1.UniformCPT()
	if err := d1.SetLevelPolicy(0, d1.CPT()); err != nil {
		t.Fatal(err)
	}

	c := g.Clone()
	cd1, ok := c.Decision("D1")
	if !ok {
		t.Fatal("clone lost node D1")
	}
	if cd1 == d1 {
		t.Fatal("clone shares node pointers with the original")
	}

	// The copied level store and CPT are independent tensors.
	cd1.RandomCPT(false)
	if err := cd1.SetLevelPolicy(1, cd1.CPT()); err != nil {
		t.Fatal(err)
	}
	if _, ok := d1.LevelPolicy(1); ok {
		t.Error("writing a level policy on the clone leaked into the original")
	}
	if !equalTables(d1.CPT(), mustLevel(t, d1, 0)) {
		t.Error("mutating the clone's CPT changed the original's")
	}

	// Parent links point at the clone's own nodes.
	cd2, _ := c.Decision("D2")
	if cd2.Parents()[1] != Node(cd1) {
		t.Error("clone's parent links are not rewired to cloned nodes")
	}
}

func mustLevel(t *testing.T, d *DecisionNode, level int) *cpt.Table {
	t.Helper()
	tbl, ok := d.LevelPolicy(level)
	if !ok {
		t.Fatalf("%s has no Level%d policy", d.Name(), level)
	}
	return tbl
}

func equalTables(a, b *cpt.Table) bool {
	if !a.SameShape(b) {
		return false
	}
	for i := 0; i < a.NumRows(); i++ {
		for j := range a.Row(i) {
			if a.Row(i)[j] != b.Row(i)[j] {
				return false
			}
		}
	}
	return true
}
