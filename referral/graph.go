/*
graph.go - Referral forest

PURPOSE:
  Maintains who referred whom. Each user has at most one parent, and no
  user may become its own ancestor, so the structure is always a forest.
  The commission engine walks it upward (Ancestors) and the dashboard
  walks it downward (Children, Descendants).

STORAGE:
  Edges live in the store (referral_edges + users.referrer_id). The Graph
  keeps an index of them in memory: parent[child] and children[parent].
  Load rebuilds the index at startup; SetParent writes through.

CYCLE CHECK:
  SetParent(child, parent) walks up from parent. If the walk reaches child,
  the edge would close a loop and is rejected with *CycleError. The walk is
  O(depth), not O(users).

CONCURRENCY:
  The index is guarded by an RWMutex that is only ever held for map work.
  Edge writers take a separate single slot for the check, the store write
  and the index update, so two racing SetParent calls can never each pass
  the check and together form a cycle. A writer stuck on user locks or the
  store holds the slot, never the index lock, so reads in any tree proceed.

SEE ALSO:
  - directory.go: registration with a referral code
  - commission/engine.go: Ancestors(buyer, 2)
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/ledger"
)

type Graph struct {
	mu       sync.RWMutex
	parent   map[ledger.UserID]ledger.UserID
	children map[ledger.UserID][]ledger.UserID

	// writes admits one edge writer at a time.
	writes chan struct{}

	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewGraph(l *ledger.Ledger) *Graph {
	return &Graph{
		parent:   make(map[ledger.UserID]ledger.UserID),
		children: make(map[ledger.UserID][]ledger.UserID),
		writes:   make(chan struct{}, 1),
		ledger:   l,
		log:      l.Logger().Named("referral"),
	}
}

// Load replaces the index with the edges currently in the store.
func (g *Graph) Load(ctx context.Context) error {
	release, err := g.lockWrites(ctx)
	if err != nil {
		return fmt.Errorf("lock referral graph: %w", err)
	}
	defer release()

	edges, err := g.ledger.Store().ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("load referral edges: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.parent = make(map[ledger.UserID]ledger.UserID, len(edges))
	g.children = make(map[ledger.UserID][]ledger.UserID)
	for _, e := range edges {
		g.link(e.ChildID, e.ParentID)
	}
	g.log.Info("referral graph loaded", zap.Int("edges", len(edges)))
	return nil
}

func (g *Graph) link(child, parent ledger.UserID) {
	g.parent[child] = parent
	g.children[parent] = append(g.children[parent], child)
}

// =============================================================================
// WRITES
// =============================================================================

// SetParent records that parentID referred childID.
func (g *Graph) SetParent(ctx context.Context, childID, parentID ledger.UserID) error {
	return g.attach(ctx, childID, parentID, nil)
}

// attach checks and writes one edge. prepare, when set, runs first inside
// the same transaction (Register uses it to create the child).
//
// Edge writers are serialized by g.writes, never by g.mu: the index lock is
// only held to read it and, after commit, to add the edge. A writer waiting
// on user locks or the store therefore never stalls Ancestors.
func (g *Graph) attach(ctx context.Context, childID, parentID ledger.UserID, prepare func(ledger.Store) error) error {
	if childID == "" {
		return &ledger.InputError{Field: "child_id", Reason: "required"}
	}
	if parentID == "" {
		return &ledger.InputError{Field: "parent_id", Reason: "required"}
	}

	release, err := g.lockWrites(ctx)
	if err != nil {
		return fmt.Errorf("lock referral graph: %w", err)
	}
	defer release()

	g.mu.RLock()
	err = g.checkLinkLocked(childID, parentID)
	g.mu.RUnlock()
	if err != nil {
		g.ledger.Anomaly(err, "referral edge rejected",
			zap.String("child", string(childID)), zap.String("parent", string(parentID)))
		return err
	}

	edge := ledger.ReferralEdge{ChildID: childID, ParentID: parentID, CreatedAt: g.ledger.Now()}
	err = g.ledger.Mutate(ctx, []ledger.UserID{childID, parentID}, func(s ledger.Store) error {
		if prepare != nil {
			if err := prepare(s); err != nil {
				return err
			}
		}
		if _, err := s.GetUser(ctx, parentID); err != nil {
			return fmt.Errorf("parent %s: %w", parentID, err)
		}
		child, err := s.GetUser(ctx, childID)
		if err != nil {
			return fmt.Errorf("child %s: %w", childID, err)
		}
		if child.ReferrerID != nil {
			return &ledger.AlreadyLinkedError{ChildID: childID, ExistingParent: *child.ReferrerID}
		}
		if err := s.InsertEdge(ctx, edge); err != nil {
			if errors.Is(err, ledger.ErrDuplicateKey) {
				return &ledger.AlreadyLinkedError{ChildID: childID}
			}
			return fmt.Errorf("insert referral edge: %w", err)
		}
		return s.SetUserReferrer(ctx, childID, parentID)
	})
	if err != nil {
		if ledger.IsIntegrity(err) {
			g.ledger.Anomaly(err, "referral edge rejected",
				zap.String("child", string(childID)), zap.String("parent", string(parentID)))
		}
		return err
	}

	g.mu.Lock()
	g.link(childID, parentID)
	g.mu.Unlock()

	g.log.Info("referral edge added",
		zap.String("child", string(childID)), zap.String("parent", string(parentID)))
	return nil
}

// lockWrites takes the edge-writer slot or gives up when ctx is done.
func (g *Graph) lockWrites(ctx context.Context) (func(), error) {
	select {
	case g.writes <- struct{}{}:
		return func() { <-g.writes }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkLinkLocked validates a new edge against the index. Caller holds g.mu
// for reading and the writer slot, so the index cannot change underneath.
func (g *Graph) checkLinkLocked(childID, parentID ledger.UserID) error {
	if existing, ok := g.parent[childID]; ok {
		return &ledger.AlreadyLinkedError{ChildID: childID, ExistingParent: existing}
	}
	if childID == parentID {
		return &ledger.CycleError{ChildID: childID, ParentID: parentID, Path: []ledger.UserID{childID}}
	}

	path := []ledger.UserID{parentID}
	for cur := parentID; ; {
		next, ok := g.parent[cur]
		if !ok {
			return nil
		}
		path = append(path, next)
		if next == childID {
			return &ledger.CycleError{ChildID: childID, ParentID: parentID, Path: path}
		}
		cur = next
	}
}

// =============================================================================
// READS
// =============================================================================

// ancestorsPrealloc caps the initial capacity of an Ancestors result;
// maxDepth comes from callers and may be arbitrarily large.
const ancestorsPrealloc = 8

// Ancestors returns up to maxDepth ancestors of userID, nearest first.
func (g *Graph) Ancestors(_ context.Context, userID ledger.UserID, maxDepth int) ([]ledger.UserID, error) {
	if maxDepth < 0 {
		return nil, &ledger.InputError{Field: "depth", Reason: "must not be negative"}
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ledger.UserID, 0, min(maxDepth, ancestorsPrealloc))
	cur := userID
	for len(out) < maxDepth {
		p, ok := g.parent[cur]
		if !ok {
			break
		}
		out = append(out, p)
		cur = p
	}
	return out, nil
}

// Parent returns the direct referrer of userID.
func (g *Graph) Parent(userID ledger.UserID) (ledger.UserID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.parent[userID]
	return p, ok
}

// Children returns the users userID referred directly.
func (g *Graph) Children(userID ledger.UserID) []ledger.UserID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]ledger.UserID(nil), g.children[userID]...)
}

// Descendants returns everyone below userID down to maxDepth levels,
// breadth first.
func (g *Graph) Descendants(userID ledger.UserID, maxDepth int) []ledger.UserID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []ledger.UserID
	level := []ledger.UserID{userID}
	for depth := 0; depth < maxDepth && len(level) > 0; depth++ {
		var next []ledger.UserID
		for _, id := range level {
			next = append(next, g.children[id]...)
		}
		out = append(out, next...)
		level = next
	}
	return out
}

// Root returns the top of userID's tree (userID itself if it has no parent).
func (g *Graph) Root(userID ledger.UserID) ledger.UserID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cur := userID
	for {
		p, ok := g.parent[cur]
		if !ok {
			return cur
		}
		cur = p
	}
}
