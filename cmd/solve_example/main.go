// Binary solve_example solves a small two-player inspection game with
// level-K best response. A chance node sets the weather, a smuggler
// picks a route conditioned on it, and a patrol independently picks a
// route to watch. Expected utilities come from a naive Monte Carlo
// estimator defined below; it stands in for the forward-simulation
// engine that a full game would provide.
package main

import (
	"context"
	"flag"
	"math"
	"math/rand"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	nfg "github.com/timpalpant/go-nfg"
	"github.com/timpalpant/go-nfg/cpt"
	"github.com/timpalpant/go-nfg/levelk"
)

var (
	seed    = flag.Int64("seed", 123, "Random seed")
	level   = flag.Int("level", 2, "Target level for both players")
	samples = flag.Int("samples", 2000, "Monte Carlo samples per (configuration, action) pair")
	logit   = flag.Bool("logit", false, "Use the logit policy rule instead of pure best response")
	beta    = flag.Float64("beta", 2.0, "Softmax inverse temperature for the logit rule")
)

func main() {
	flag.Parse()
	rand.Seed(*seed)

	game, err := buildGame()
	if err != nil {
		glog.Exit(err)
	}

	specs := levelk.Spec{
		"smuggler": {
			Level: *level,
			Delta: 1.0,
			Nodes: map[string]levelk.NodeSpec{
				"Smuggler": {N: *samples, Tol: 1e-3, Beta: *beta, L0Uniform: true},
			},
		},
		"patrol": {
			Level: *level,
			Delta: 1.0,
			Nodes: map[string]levelk.NodeSpec{
				"Patrol": {N: *samples, Tol: 1e-3, Beta: *beta, L0Uniform: true},
			},
		},
	}

	br, err := levelk.New(game, specs, mcEstimator(payoff), *logit)
	if err != nil {
		glog.Exit(err)
	}
	if err := br.SolveGame(context.Background(), true); err != nil {
		glog.Exit(err)
	}

	for _, node := range br.Game().DecisionNodes() {
		glog.Infof("%s level-%d policy: %v", node.Name(), *level, node.CPT())
	}
}

// buildGame wires the inspection game graph: Weather -> {Smuggler, Patrol}.
func buildGame() (*nfg.Game, error) {
	weatherDist, err := cpt.NewFromData([]int{2}, []float64{0.6, 0.4})
	if err != nil {
		return nil, err
	}
	weather, err := nfg.NewChanceNode("Weather", nfg.Space{"sunny", "rainy"}, weatherDist)
	if err != nil {
		return nil, err
	}
	smuggler, err := nfg.NewDecisionNode("Smuggler", "smuggler", nfg.Space{"coast", "inland"}, weather)
	if err != nil {
		return nil, err
	}
	patrol, err := nfg.NewDecisionNode("Patrol", "patrol", nfg.Space{"coast", "inland"}, weather)
	if err != nil {
		return nil, err
	}
	return nfg.NewGame(weather, smuggler, patrol)
}

// payoff is the smuggler's payoff at a fully assigned game; the game
// is zero sum, so the patrol's payoff is its negation. The smuggler
// scores by avoiding the patrolled route; rain grounds the coastal
// patrol, so a rainy coastal run always succeeds.
func payoff(g *nfg.Game, player string) float64 {
	weather, _ := g.Node("Weather")
	smuggler, _ := g.Node("Smuggler")
	patrol, _ := g.Node("Patrol")

	v := 1.0
	if nfg.ValueEqual(smuggler.Value(), patrol.Value()) {
		v = -1.0
		if weather.Value() == "rainy" && smuggler.Value() == "coast" {
			v = 1.0
		}
	}
	if player == "patrol" {
		return -v
	}
	return v
}

// mcEstimator adapts a payoff function into a levelk.Estimator. For
// every (parent configuration, action) pair of the target node it pins
// the parents and the action, redraws every other node from its CPT,
// and averages the target player's payoff. Sampling stops early once
// the running mean moves less than tol between samples. The game here
// is single stage, so the discount factor delta is unused.
func mcEstimator(payoff func(g *nfg.Game, player string) float64) levelk.Estimator {
	return func(ctx context.Context, g *nfg.Game, name string, n int, tol, delta float64) (*cpt.Table, error) {
		node, ok := g.Decision(name)
		if !ok {
			return nil, errors.Errorf("%s is not a decision node of the game", name)
		}
		parents := node.Parents()
		util := cpt.New(node.CPT().Shape()...)

		pinned := map[string]bool{name: true}
		for _, p := range parents {
			pinned[p.Name()] = true
		}

		for row := 0; row < util.NumRows(); row++ {
			coords := util.RowCoords(row)
			for i, p := range parents {
				if err := p.SetValue(p.Space()[coords[i]]); err != nil {
					return nil, err
				}
			}
			for a, v := range node.Space() {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if err := node.SetValue(v); err != nil {
					return nil, err
				}
				mean := 0.0
				for i := 0; i < n; i++ {
					if err := drawUnpinned(g, pinned); err != nil {
						return nil, err
					}
					prev := mean
					mean += (payoff(g, node.Player()) - mean) / float64(i+1)
					if i > 100 && math.Abs(mean-prev) < tol {
						break
					}
				}
				util.Row(row)[a] = mean
			}
		}
		return util, nil
	}
}

// drawUnpinned redraws every node outside the pinned set from its CPT,
// in graph order so parents are assigned before their children.
func drawUnpinned(g *nfg.Game, pinned map[string]bool) error {
	for _, n := range g.Nodes() {
		if pinned[n.Name()] {
			continue
		}
		var err error
		switch node := n.(type) {
		case *nfg.ChanceNode:
			_, err = node.DrawValue(nil, true)
		case *nfg.DecisionNode:
			_, err = node.DrawValue(nil, true, false)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
