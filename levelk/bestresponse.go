// Package levelk implements iterated level-K best response training
// for the decision nodes of a semi-network-form game.
//
// Each decision node accumulates a policy per level in its level
// policy store: Level0 is seeded from the configuration, and the
// Level(n) policy is the best response (pure or logit) to the frozen
// joint Level(n-1) policies of every decision node in the game, with
// expected utilities supplied by an external Monte Carlo estimator.
package levelk

import (
	"context"
	"expvar"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	nfg "github.com/timpalpant/go-nfg"
	"github.com/timpalpant/go-nfg/cpt"
)

var (
	nodesTrained    = expvar.NewInt("levelk/nodes_trained")
	levelsCompleted = expvar.NewInt("levelk/levels_completed")
)

// Estimator estimates expected utility for one decision node of a
// game: given a game whose CPTs are pinned to a frozen joint policy,
// the name of the node to evaluate, a Monte Carlo sample budget n, a
// convergence tolerance, and a discount factor, it returns a table
// shaped exactly like the node's CPT whose entries are the estimated
// expected utility of each (parent configuration, action) pair. The
// estimator may simulate freely against the game it is given; the
// solver hands it a disposable copy. It should return promptly with
// ctx's error when ctx is cancelled.
type Estimator func(ctx context.Context, g *nfg.Game, node string, n int, tol, delta float64) (*cpt.Table, error)

// NodeSpec configures training for a single decision node.
type NodeSpec struct {
	// N is the Monte Carlo sample budget passed to the estimator.
	N int
	// Tol is the convergence tolerance passed to the estimator.
	Tol float64
	// Beta is the softmax inverse temperature. Required when the
	// solver uses the logit policy rule, unused otherwise.
	Beta float64
	// L0Uniform seeds the node's Level0 policy with the uniform
	// policy.
	L0Uniform bool
	// L0Prior, if non-nil, is an explicit Level0 policy; it must match
	// the node's CPT shape and takes precedence over L0Uniform. When
	// neither is set, Level0 falls back to the node's current CPT and
	// a warning is logged.
	L0Prior *cpt.Table
}

// PlayerSpec configures one player for a solving session.
type PlayerSpec struct {
	// Level is the player's target level: the deepest best-response
	// iteration their nodes will be trained to.
	Level int
	// Delta is the player's discount factor, passed to the estimator.
	Delta float64
	// Nodes configures each decision node the player controls, keyed
	// by node name. Every node in the player's partition must have an
	// entry.
	Nodes map[string]NodeSpec
}

// Spec is the per-player configuration table for a solving session,
// keyed by player name.
type Spec map[string]PlayerSpec

type nodeParams struct {
	level int
	delta float64
	tol   float64
	n     int
	beta  float64
}

// BestResponse trains the decision nodes of a game to level-K best
// response policies. It owns a private deep copy of the game, so
// solving never mutates the caller's graph; trained policies are read
// back through Game().
type BestResponse struct {
	g         *nfg.Game
	estimate  Estimator
	logit     bool
	highLevel int
	params    map[string]nodeParams
	// names of configured nodes, in game insertion order.
	configured []string
}

// New prepares a solving session: it deep-copies g, resolves the
// per-node training parameters from specs, computes the highest target
// level, and seeds the Level0 policy of every configured node that
// does not already have one. With logit true, trained policies follow
// the logit (quantal response) rule with each node's Beta; otherwise
// the pure arg-max rule is used.
func New(g *nfg.Game, specs Spec, estimate Estimator, logit bool) (*BestResponse, error) {
	if estimate == nil {
		return nil, errors.New("levelk: estimator must not be nil")
	}
	br := &BestResponse{
		g:        g.Clone(),
		estimate: estimate,
		logit:    logit,
		params:   make(map[string]nodeParams),
	}
	players := maps.Keys(specs)
	slices.Sort(players)
	for _, player := range players {
		ps := specs[player]
		if ps.Level < 0 {
			return nil, errors.Errorf("player %s has negative target level %d", player, ps.Level)
		}
		if ps.Level > br.highLevel {
			br.highLevel = ps.Level
		}
		nodes := br.g.Partition(player)
		if len(nodes) == 0 {
			return nil, errors.Errorf("player %s controls no decision nodes in the game", player)
		}
		for _, node := range nodes {
			ns, ok := ps.Nodes[node.Name()]
			if !ok {
				return nil, errors.Errorf("player %s has no spec for node %s", player, node.Name())
			}
			if logit && ns.Beta == 0 {
				return nil, errors.Errorf("the logit rule requires a nonzero beta for node %s", node.Name())
			}
			br.params[node.Name()] = nodeParams{
				level: ps.Level,
				delta: ps.Delta,
				tol:   ns.Tol,
				n:     ns.N,
				beta:  ns.Beta,
			}
			if err := br.seedLevel0(node, ns); err != nil {
				return nil, err
			}
		}
	}
	for _, node := range br.g.DecisionNodes() {
		if _, ok := br.params[node.Name()]; ok {
			br.configured = append(br.configured, node.Name())
		}
	}
	return br, nil
}

// seedLevel0 establishes the node's Level0 policy from its L0
// directive unless one is already recorded. An unspecified directive
// degrades to copying the node's current CPT; that is deliberate and
// logged, not silent.
func (br *BestResponse) seedLevel0(node *nfg.DecisionNode, ns NodeSpec) error {
	if _, ok := node.LevelPolicy(0); ok {
		return nil
	}
	var l0 *cpt.Table
	switch {
	case ns.L0Prior != nil:
		l0 = ns.L0Prior
	case ns.L0Uniform:
		l0 = cpt.New(node.CPT().Shape()...)
		l0.FillUniform()
	default:
		glog.Warningf("No L0 distribution configured for %s; seeding Level0 with its current CPT", node.Name())
		l0 = node.CPT()
	}
	if err := node.SetLevelPolicy(0, l0); err != nil {
		return errors.Wrapf(err, "seeding Level0 for %s", node.Name())
	}
	return nil
}

// Game returns the solver's owned copy of the game. Trained policies
// are recorded in the level policy stores of its decision nodes.
func (br *BestResponse) Game() *nfg.Game { return br.g }

// HighLevel returns the maximum target level across all configured
// players.
func (br *BestResponse) HighLevel() int { return br.highLevel }

// snapshot deep-copies the owned game and pins every decision node's
// live CPT to its Level(level-1) policy, so the estimator evaluates
// outcomes against the complete frozen joint policy of the previous
// level. It fails if any decision node has not been trained (or
// seeded) at level-1 yet: level sequencing cannot safely continue with
// a partial joint policy.
func (br *BestResponse) snapshot(level int) (*nfg.Game, error) {
	scratch := br.g.Clone()
	for _, node := range scratch.DecisionNodes() {
		prev, ok := node.LevelPolicy(level - 1)
		if !ok {
			return nil, errors.Errorf("%s has no Level%d policy: train lower levels first", node.Name(), level-1)
		}
		if err := node.SetCPT(prev.Clone()); err != nil {
			return nil, err
		}
	}
	return scratch, nil
}

// TrainNode computes the level-k best response policy for the named
// decision node: it snapshots the game at Level(level-1), asks the
// estimator for expected utilities, converts them to a policy with the
// session's rule, and records the result under Level(level) in the
// node's policy store. If setCPT is true the trained policy also
// becomes the node's live CPT.
func (br *BestResponse) TrainNode(ctx context.Context, name string, level int, setCPT bool) error {
	scratch, err := br.snapshot(level)
	if err != nil {
		return err
	}
	return br.trainOn(ctx, scratch, name, level, setCPT)
}

// trainOn runs the estimator against an already-pinned scratch game
// and stores the resulting policy on the owned graph. It never touches
// the policy store on a failed estimation, so cancellation cannot
// corrupt previously recorded levels.
func (br *BestResponse) trainOn(ctx context.Context, scratch *nfg.Game, name string, level int, setCPT bool) error {
	node, ok := br.g.Decision(name)
	if !ok {
		return errors.Errorf("%s is not a decision node of the game", name)
	}
	p, ok := br.params[name]
	if !ok {
		return errors.Errorf("no training spec for node %s", name)
	}
	glog.Infof("Training %s at level %d", name, level)
	util, err := br.estimate(ctx, scratch, name, p.n, p.tol, p.delta)
	if err != nil {
		return errors.Wrapf(err, "estimating expected utility for %s at level %d", name, level)
	}
	if !util.SameShape(node.CPT()) {
		return errors.Errorf("estimator returned shape %v for %s, want %v",
			util.Shape(), name, node.CPT().Shape())
	}
	var policy *cpt.Table
	if br.logit {
		policy = cpt.LogitFromUtility(util, p.beta)
	} else {
		policy = cpt.PureFromUtility(util)
	}
	if err := node.SetLevelPolicy(level, policy); err != nil {
		return err
	}
	if setCPT {
		if err := node.PromoteLevel(level); err != nil {
			return err
		}
	}
	nodesTrained.Add(1)
	return nil
}

// trainLevel trains the named nodes at the given level, running the
// estimator calls concurrently. Snapshots are taken serially up front:
// cloning reads every node's policy store, which the training
// goroutines write into. Each goroutine then owns a private scratch
// game and writes only its own node's store, so no further
// synchronization is needed.
func (br *BestResponse) trainLevel(ctx context.Context, level int, names []string) error {
	scratches := make([]*nfg.Game, len(names))
	for i := range names {
		s, err := br.snapshot(level)
		if err != nil {
			return err
		}
		scratches[i] = s
	}
	grp, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		grp.Go(func() error {
			return br.trainOn(ctx, scratches[i], name, level, false)
		})
	}
	return grp.Wait()
}

// SolveGame trains every configured node level by level. Levels 1
// through highLevel-1 are full synchronous sweeps: every configured
// node receives a fresh Level(n) policy before any node trains at
// level n+1, because any node's estimation may read any other node's
// Level(n) policy. The final pass trains only the nodes whose
// configured target level equals the highest level; players configured
// to stop earlier do not receive a final-level policy. If setCPT is
// true, every configured node's policy at its own target level is then
// promoted to its live CPT. A failed or cancelled training aborts the
// sweep and surfaces the error.
func (br *BestResponse) SolveGame(ctx context.Context, setCPT bool) error {
	for level := 1; level < br.highLevel; level++ {
		if err := br.trainLevel(ctx, level, br.configured); err != nil {
			return err
		}
		levelsCompleted.Add(1)
	}
	if br.highLevel > 0 {
		var final []string
		for _, name := range br.configured {
			if br.params[name].level == br.highLevel {
				final = append(final, name)
			}
		}
		if err := br.trainLevel(ctx, br.highLevel, final); err != nil {
			return err
		}
		levelsCompleted.Add(1)
	}
	if setCPT {
		for _, name := range br.configured {
			node, _ := br.g.Decision(name)
			if err := node.PromoteLevel(br.params[name].level); err != nil {
				return err
			}
		}
	}
	return nil
}
