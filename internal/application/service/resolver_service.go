package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/YoshitsuguKoike/contractd/internal/domain/model"
	"github.com/YoshitsuguKoike/contractd/internal/domain/model/contract"
	"github.com/YoshitsuguKoike/contractd/internal/domain/repository"
)

// ResolverService maintains the dependency graph derived from blocked_by
// edges: readiness promotion, cycle rejection, topological ordering for
// diagnostics, and bounded cascading failure.
type ResolverService struct {
	repo            repository.ContractRepository
	maxCascadeDepth int
	infoLog         func(format string, args ...interface{})
	warnLog         func(format string, args ...interface{})
}

// NewResolverService creates a new dependency resolver
func NewResolverService(
	repo repository.ContractRepository,
	maxCascadeDepth int,
	infoLog func(format string, args ...interface{}),
	warnLog func(format string, args ...interface{}),
) *ResolverService {
	if infoLog == nil {
		infoLog = func(format string, args ...interface{}) {}
	}
	if warnLog == nil {
		warnLog = func(format string, args ...interface{}) {}
	}
	if maxCascadeDepth <= 0 {
		maxCascadeDepth = 5
	}
	return &ResolverService{
		repo:            repo,
		maxCascadeDepth: maxCascadeDepth,
		infoLog:         infoLog,
		warnLog:         warnLog,
	}
}

// IsReady reports whether every dependency of c is completed.
// Pure function over current store state.
func (s *ResolverService) IsReady(ctx context.Context, c *contract.Contract) (bool, error) {
	for _, dep := range c.BlockedBy() {
		depContract, err := s.repo.Find(ctx, dep.ContractID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.warnLog("contract %s depends on unknown contract %s", c.ID(), dep.ContractID)
				return false, nil
			}
			return false, err
		}
		if !depContract.IsCompleted() {
			return false, nil
		}
	}
	return true, nil
}

// PromoteReady scans pending contracts and fires DependenciesMet on each whose
// dependencies are satisfied. Runs after every terminal transition and on the
// periodic sweep. Returns the number of contracts promoted.
func (s *ResolverService) PromoteReady(ctx context.Context) (int, error) {
	pending, _, err := s.repo.List(ctx, repository.Filter{Statuses: []model.Status{model.StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("list pending contracts: %w", err)
	}

	promoted := 0
	for _, c := range pending {
		ready, err := s.IsReady(ctx, c)
		if err != nil {
			return promoted, err
		}
		if !ready {
			continue
		}

		_, err = s.repo.UpdateCAS(ctx, c.ID(), c.Version(), repository.EventDependenciesMet,
			func(c *contract.Contract) error {
				return c.MarkReady()
			})
		if err != nil {
			// Another actor already moved the contract; its new state decides
			if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, contract.ErrInvalidTransition) {
				continue
			}
			return promoted, err
		}
		promoted++
		s.infoLog("contract %s is ready", c.ID())
	}
	return promoted, nil
}

// DetectCycle checks whether giving candidate the dependsOn edges would create
// a dependency cycle. Run at contract creation and whenever an edge is added;
// a cycle is rejected before anything persists.
func (s *ResolverService) DetectCycle(ctx context.Context, candidate model.ContractID, dependsOn []model.ContractID) error {
	for _, dep := range dependsOn {
		if dep.Equals(candidate) {
			return contract.ErrSelfDependency
		}
	}

	adjacency, err := s.loadAdjacency(ctx)
	if err != nil {
		return err
	}
	adjacency[candidate.String()] = append(adjacency[candidate.String()], idStrings(dependsOn)...)

	// DFS coloring from the candidate: a back edge to a visiting node is a cycle
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var dfs func(id string) bool
	dfs = func(id string) bool {
		if visiting[id] {
			return true
		}
		if visited[id] {
			return false
		}
		visiting[id] = true
		for _, next := range adjacency[id] {
			if dfs(next) {
				return true
			}
		}
		visiting[id] = false
		visited[id] = true
		return false
	}

	if dfs(candidate.String()) {
		return fmt.Errorf("%w: adding edges to %s", repository.ErrCyclicDependency, candidate)
	}
	return nil
}

// AddDependency adds a blocked_by edge after verifying the graph stays
// acyclic. The check and the write share one store transaction; two callers
// adding opposite edges are serialized by the store's writer lock, so the
// second one sees the first edge and is rejected.
func (s *ResolverService) AddDependency(ctx context.Context, id model.ContractID, dep contract.Dependency) (*contract.Contract, error) {
	var updated *contract.Contract
	err := s.repo.InTransaction(ctx, func(txCtx context.Context) error {
		if err := s.DetectCycle(txCtx, id, []model.ContractID{dep.ContractID}); err != nil {
			return err
		}

		c, err := s.repo.Find(txCtx, id)
		if err != nil {
			return err
		}

		updated, err = s.repo.UpdateCAS(txCtx, id, c.Version(), repository.EventDependencyAdded,
			func(c *contract.Contract) error {
				return c.AddDependency(dep)
			})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// TopologicalOrder produces a valid execution order over all contracts.
// Diagnostics and dry-run planning only; runtime readiness is event-driven.
func (s *ResolverService) TopologicalOrder(ctx context.Context) ([]model.ContractID, error) {
	all, _, err := s.repo.List(ctx, repository.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}

	// Kahn's algorithm; dependencies come before dependents
	indegree := make(map[string]int, len(all))
	dependents := make(map[string][]string)
	byID := make(map[string]model.ContractID, len(all))

	for _, c := range all {
		id := c.ID().String()
		byID[id] = c.ID()
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		for _, dep := range c.BlockedBy() {
			depID := dep.ContractID.String()
			if _, known := byID[depID]; !known {
				// Unknown dependency: counts for ordering only if it exists
				if _, ok := indegree[depID]; !ok {
					continue
				}
			}
			indegree[id]++
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []model.ContractID
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if cid, ok := byID[id]; ok {
			order = append(order, cid)
		}

		next := dependents[id]
		sort.Strings(next)
		for _, dependent := range next {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) < len(all) {
		return nil, fmt.Errorf("%w: graph contains a cycle", repository.ErrCyclicDependency)
	}
	return order, nil
}

// BlockedContract explains why a contract is not ready
type BlockedContract struct {
	Contract *contract.Contract
	Waiting  []BlockedReason
}

// BlockedReason is one unmet dependency of a blocked contract
type BlockedReason struct {
	DependencyID model.ContractID
	Status       model.Status
	Known        bool
}

// Blocked returns all pending contracts together with the dependencies they
// are waiting on. Read-only query surface.
func (s *ResolverService) Blocked(ctx context.Context) ([]BlockedContract, error) {
	pending, _, err := s.repo.List(ctx, repository.Filter{Statuses: []model.Status{model.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("list pending contracts: %w", err)
	}

	var blocked []BlockedContract
	for _, c := range pending {
		var waiting []BlockedReason
		for _, dep := range c.BlockedBy() {
			depContract, err := s.repo.Find(ctx, dep.ContractID)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					waiting = append(waiting, BlockedReason{DependencyID: dep.ContractID, Known: false})
					continue
				}
				return nil, err
			}
			if !depContract.IsCompleted() {
				waiting = append(waiting, BlockedReason{
					DependencyID: dep.ContractID,
					Status:       depContract.Status(),
					Known:        true,
				})
			}
		}
		if len(waiting) > 0 {
			blocked = append(blocked, BlockedContract{Contract: c, Waiting: waiting})
		}
	}
	return blocked, nil
}

// CascadeFailure propagates a contract's failure to its dependents according
// to each edge's policy. Propagation is explicit, bounded by the cascade depth
// cap, and auditable through the history log.
func (s *ResolverService) CascadeFailure(ctx context.Context, failedID model.ContractID) error {
	return s.cascade(ctx, failedID, 0)
}

func (s *ResolverService) cascade(ctx context.Context, failedID model.ContractID, depth int) error {
	if depth >= s.maxCascadeDepth {
		s.warnLog("cascade depth cap %d reached at %s; escalating", s.maxCascadeDepth, failedID)
		if c, err := s.repo.Find(ctx, failedID); err == nil {
			// Record the escalation on the contract where propagation stopped
			_, _ = s.repo.UpdateCAS(ctx, failedID, c.Version(), repository.EventCascadeEscalated,
				func(c *contract.Contract) error { return nil })
		}
		return nil
	}

	dependents, err := s.repo.ListDependents(ctx, failedID)
	if err != nil {
		return fmt.Errorf("list dependents of %s: %w", failedID, err)
	}

	for _, dependent := range dependents {
		policy := edgePolicy(dependent, failedID)
		switch policy {
		case contract.CascadeBlock:
			s.infoLog("contract %s blocked by failed dependency %s (policy block)", dependent.ID(), failedID)

		case contract.CascadeNotify:
			_, err := s.repo.UpdateCAS(ctx, dependent.ID(), dependent.Version(), repository.EventDependencyNotice,
				func(c *contract.Contract) error { return nil })
			if err != nil && !errors.Is(err, repository.ErrVersionConflict) {
				return err
			}

		case contract.CascadeFail:
			if dependent.Status() != model.StatusPending && dependent.Status() != model.StatusReady {
				// In-flight or terminal dependents follow their own lifecycle
				s.infoLog("contract %s in %s; not cascading failure of %s", dependent.ID(), dependent.Status(), failedID)
				continue
			}
			_, err := s.repo.UpdateCAS(ctx, dependent.ID(), dependent.Version(), repository.EventDependencyFailed,
				func(c *contract.Contract) error {
					return c.FailDependency(failedID)
				})
			if err != nil {
				if errors.Is(err, repository.ErrVersionConflict) || errors.Is(err, contract.ErrInvalidTransition) {
					continue
				}
				return err
			}
			if err := s.cascade(ctx, dependent.ID(), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ResolverService) loadAdjacency(ctx context.Context) (map[string][]string, error) {
	all, _, err := s.repo.List(ctx, repository.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	adjacency := make(map[string][]string, len(all))
	for _, c := range all {
		adjacency[c.ID().String()] = idStrings(c.DependencyIDs())
	}
	return adjacency, nil
}

func edgePolicy(dependent *contract.Contract, dependencyID model.ContractID) contract.CascadePolicy {
	for _, dep := range dependent.BlockedBy() {
		if dep.ContractID.Equals(dependencyID) {
			return dep.OnFailure
		}
	}
	return contract.CascadeFail
}

func idStrings(ids []model.ContractID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}
