package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

const (
	// traversalNodeCap bounds any BFS so a dense graph cannot blow up a
	// single request.
	traversalNodeCap = 500

	// shortestPathMaxDepth bounds path search between two memories.
	shortestPathMaxDepth = 10
)

// StoreAssociation persists a typed edge between two live memories.
// Symmetric relationship types are written as two directed rows so that
// either endpoint finds the edge with an outbound scan. Re-storing an edge
// updates its similarity and metadata.
func (s *Store) StoreAssociation(ctx context.Context, a *types.Association) error {
	if a == nil {
		return fmt.Errorf("%w: association is required", storage.ErrInvalidInput)
	}
	if !storage.ValidContentHash(a.SourceHash) || !storage.ValidContentHash(a.TargetHash) {
		return fmt.Errorf("%w: association requires two valid content hashes", storage.ErrInvalidInput)
	}
	if a.SourceHash == a.TargetHash {
		return fmt.Errorf("%w: association cannot point at itself", storage.ErrInvalidInput)
	}
	if !types.IsValidRelationshipType(a.RelationshipType) {
		return fmt.Errorf("%w: unknown relationship type %q", storage.ErrInvalidInput, a.RelationshipType)
	}

	var liveEnds int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE content_hash IN (?, ?) AND deleted_at IS NULL`,
		a.SourceHash, a.TargetHash).Scan(&liveEnds)
	if err != nil {
		return fmt.Errorf("check association endpoints: %w", err)
	}
	if liveEnds != 2 {
		return fmt.Errorf("%w: both memories must exist to associate %s -> %s",
			storage.ErrNotFound, shortHash(a.SourceHash), shortHash(a.TargetHash))
	}

	if a.CreatedAt == 0 {
		a.CreatedAt = types.UnixSeconds(time.Now())
	}
	metadataJSON, err := marshalMetadata(a.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin association: %w", err)
	}
	defer tx.Rollback()

	edges := []*types.Association{a}
	if types.IsSymmetricRelationship(a.RelationshipType) {
		edges = append(edges, a.Reverse())
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO memory_graph
				(source_hash, target_hash, relationship_type, similarity, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_hash, target_hash, relationship_type) DO UPDATE SET
				similarity    = excluded.similarity,
				metadata_json = excluded.metadata_json`,
			e.SourceHash, e.TargetHash, e.RelationshipType, e.Similarity, metadataJSON, e.CreatedAt); err != nil {
			return fmt.Errorf("store association: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit association: %w", err)
	}
	return nil
}

// edge is the raw graph row used during traversal.
type edge struct {
	source, target string
}

// loadEdges returns the edges touching the frontier, respecting direction.
func (s *Store) loadEdges(ctx context.Context, frontier []string, direction storage.GraphDirection) ([]edge, error) {
	if len(frontier) == 0 {
		return nil, nil
	}
	args := make([]any, len(frontier))
	for i, h := range frontier {
		args[i] = h
	}
	in := placeholders(len(frontier))

	var where string
	switch direction {
	case storage.DirectionOutbound:
		where = fmt.Sprintf("source_hash IN (%s)", in)
	case storage.DirectionInbound:
		where = fmt.Sprintf("target_hash IN (%s)", in)
	default:
		where = fmt.Sprintf("source_hash IN (%s) OR target_hash IN (%s)", in, in)
		args = append(args, args...)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_hash, target_hash FROM memory_graph WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("load graph edges: %w", err)
	}
	defer rows.Close()

	var edges []edge
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.source, &e.target); err != nil {
			return nil, fmt.Errorf("scan graph edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// neighbor resolves which end of an edge is reachable from a frontier node
// under the given direction. Empty string means the edge does not apply.
func neighbor(e edge, frontier map[string]bool, direction storage.GraphDirection) (from, next string) {
	switch direction {
	case storage.DirectionOutbound:
		if frontier[e.source] {
			return e.source, e.target
		}
	case storage.DirectionInbound:
		if frontier[e.target] {
			return e.target, e.source
		}
	default:
		if frontier[e.source] {
			return e.source, e.target
		}
		if frontier[e.target] {
			return e.target, e.source
		}
	}
	return "", ""
}

// FindConnected walks the association graph from a memory with BFS,
// returning every reachable live memory within maxHops together with its
// hop distance and the hash path that reached it. Results are ordered by
// distance, newest memory first within the same distance.
func (s *Store) FindConnected(ctx context.Context, contentHash string, maxHops int, direction storage.GraphDirection) ([]storage.ConnectedMemory, error) {
	if !storage.ValidContentHash(contentHash) {
		return nil, fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	if maxHops < 1 {
		maxHops = 2
	}

	if _, err := s.GetByHash(ctx, contentHash); err != nil {
		return nil, err
	}

	visited := map[string]bool{contentHash: true}
	paths := map[string][]string{contentHash: {contentHash}}
	distance := map[string]int{}
	var discovered []string

	frontier := []string{contentHash}
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		frontierSet := make(map[string]bool, len(frontier))
		for _, h := range frontier {
			frontierSet[h] = true
		}
		edges, err := s.loadEdges(ctx, frontier, direction)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, e := range edges {
			from, to := neighbor(e, frontierSet, direction)
			if to == "" || visited[to] {
				continue
			}
			visited[to] = true
			distance[to] = hop
			paths[to] = append(append([]string{}, paths[from]...), to)
			discovered = append(discovered, to)
			next = append(next, to)
			if len(discovered) >= traversalNodeCap {
				break
			}
		}
		if len(discovered) >= traversalNodeCap {
			break
		}
		frontier = next
	}

	if len(discovered) == 0 {
		return nil, nil
	}

	byHash, err := s.fetchByHashes(ctx, discovered)
	if err != nil {
		return nil, err
	}

	results := make([]storage.ConnectedMemory, 0, len(discovered))
	for _, h := range discovered {
		m, ok := byHash[h]
		if !ok {
			// Edge pointing at a tombstoned memory; skip silently.
			continue
		}
		results = append(results, storage.ConnectedMemory{
			Memory:   m,
			Distance: distance[h],
			Path:     paths[h],
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Memory.CreatedAt > results[j].Memory.CreatedAt
	})
	return results, nil
}

// ShortestPath returns the hash path between two memories, treating every
// edge as bidirectional. Returns ErrNotFound when no path exists within the
// depth bound.
func (s *Store) ShortestPath(ctx context.Context, fromHash, toHash string) ([]string, error) {
	if !storage.ValidContentHash(fromHash) || !storage.ValidContentHash(toHash) {
		return nil, fmt.Errorf("%w: two valid content hashes are required", storage.ErrInvalidInput)
	}
	if fromHash == toHash {
		return []string{fromHash}, nil
	}

	visited := map[string]bool{fromHash: true}
	parent := map[string]string{}
	frontier := []string{fromHash}

	for depth := 1; depth <= shortestPathMaxDepth && len(frontier) > 0; depth++ {
		frontierSet := make(map[string]bool, len(frontier))
		for _, h := range frontier {
			frontierSet[h] = true
		}
		edges, err := s.loadEdges(ctx, frontier, storage.DirectionBoth)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, e := range edges {
			from, to := neighbor(e, frontierSet, storage.DirectionBoth)
			if to == "" || visited[to] {
				continue
			}
			visited[to] = true
			parent[to] = from
			if to == toHash {
				path := []string{toHash}
				for cur := toHash; cur != fromHash; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path, nil
			}
			next = append(next, to)
		}
		frontier = next
	}
	return nil, fmt.Errorf("%w: no path from %s to %s within %d hops",
		storage.ErrNotFound, shortHash(fromHash), shortHash(toHash), shortestPathMaxDepth)
}

// GetSubgraph returns the neighborhood within radius hops of a memory: the
// member memories plus every edge whose endpoints are both members.
func (s *Store) GetSubgraph(ctx context.Context, contentHash string, radius int) (*storage.Subgraph, error) {
	if !storage.ValidContentHash(contentHash) {
		return nil, fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	if radius < 1 {
		radius = 1
	}

	if _, err := s.GetByHash(ctx, contentHash); err != nil {
		return nil, err
	}

	members := map[string]bool{contentHash: true}
	frontier := []string{contentHash}
	for hop := 1; hop <= radius && len(frontier) > 0; hop++ {
		frontierSet := make(map[string]bool, len(frontier))
		for _, h := range frontier {
			frontierSet[h] = true
		}
		edges, err := s.loadEdges(ctx, frontier, storage.DirectionBoth)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, e := range edges {
			_, to := neighbor(e, frontierSet, storage.DirectionBoth)
			if to == "" || members[to] {
				continue
			}
			members[to] = true
			next = append(next, to)
			if len(members) >= traversalNodeCap {
				break
			}
		}
		if len(members) >= traversalNodeCap {
			break
		}
		frontier = next
	}

	hashes := make([]string, 0, len(members))
	for h := range members {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	byHash, err := s.fetchByHashes(ctx, hashes)
	if err != nil {
		return nil, err
	}
	nodes := make([]*types.Memory, 0, len(byHash))
	for _, h := range hashes {
		if m, ok := byHash[h]; ok {
			nodes = append(nodes, m)
		}
	}

	edges, err := s.edgesAmong(ctx, hashes)
	if err != nil {
		return nil, err
	}
	return &storage.Subgraph{Nodes: nodes, Edges: edges}, nil
}

// edgesAmong returns the full edge rows whose endpoints are both in the set.
func (s *Store) edgesAmong(ctx context.Context, hashes []string) ([]*types.Association, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(hashes)*2)
	for _, h := range hashes {
		args = append(args, h)
	}
	in := placeholders(len(hashes))
	args = append(args, args...)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_hash, target_hash, relationship_type, similarity, metadata_json, created_at
		FROM memory_graph
		WHERE source_hash IN (%s) AND target_hash IN (%s)
		ORDER BY source_hash, target_hash, relationship_type`, in, in), args...)
	if err != nil {
		return nil, fmt.Errorf("load subgraph edges: %w", err)
	}
	defer rows.Close()

	var edges []*types.Association
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, a)
	}
	return edges, rows.Err()
}

// AssociationsFor returns the outbound edges of one memory, used by
// consolidation to count connections.
func (s *Store) AssociationsFor(ctx context.Context, contentHash string) ([]*types.Association, error) {
	if !storage.ValidContentHash(contentHash) {
		return nil, fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_hash, target_hash, relationship_type, similarity, metadata_json, created_at
		FROM memory_graph
		WHERE source_hash = ?
		ORDER BY target_hash, relationship_type`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("load associations: %w", err)
	}
	defer rows.Close()

	var edges []*types.Association
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, a)
	}
	return edges, rows.Err()
}

func scanAssociation(rows *sql.Rows) (*types.Association, error) {
	var a types.Association
	var metadataJSON string
	if err := rows.Scan(&a.SourceHash, &a.TargetHash, &a.RelationshipType,
		&a.Similarity, &metadataJSON, &a.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan association: %w", err)
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("%w: association metadata is not valid JSON: %v", storage.ErrSchema, err)
		}
	}
	return &a, nil
}
