package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/scrypster/keepsake/internal/storage"
	"github.com/scrypster/keepsake/pkg/types"
)

const (
	traversalNodeCap     = 500
	shortestPathMaxDepth = 10
)

// StoreAssociation persists a typed edge between two live memories in D1.
// Symmetric relationship types are written as two directed rows, one call
// each; the endpoint runs single statements, so the pair is not atomic.
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

	rows, err := s.d1Query(ctx,
		`SELECT COUNT(*) AS n FROM memories WHERE content_hash IN (?, ?) AND deleted_at IS NULL`,
		a.SourceHash, a.TargetHash)
	if err != nil {
		return fmt.Errorf("check association endpoints: %w", err)
	}
	if len(rows) == 0 || int(jsonFloat(rows[0]["n"])) != 2 {
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

	edges := []*types.Association{a}
	if types.IsSymmetricRelationship(a.RelationshipType) {
		edges = append(edges, a.Reverse())
	}
	for _, e := range edges {
		if _, err := s.d1Exec(ctx, `
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
	return nil
}

type edge struct {
	source, target string
}

// loadEdges returns the edges touching the frontier, respecting direction,
// chunked to respect the parameter cap.
func (s *Store) loadEdges(ctx context.Context, frontier []string, direction storage.GraphDirection) ([]edge, error) {
	var edges []edge
	for _, chunk := range chunkStrings(frontier, d1InChunk/2) {
		in := placeholders(len(chunk))
		args := stringArgs(chunk)

		var where string
		switch direction {
		case storage.DirectionOutbound:
			where = "source_hash IN (" + in + ")"
		case storage.DirectionInbound:
			where = "target_hash IN (" + in + ")"
		default:
			where = "source_hash IN (" + in + ") OR target_hash IN (" + in + ")"
			args = append(args, args...)
		}

		rows, err := s.d1Query(ctx,
			`SELECT source_hash, target_hash FROM memory_graph WHERE `+where, args...)
		if err != nil {
			return nil, fmt.Errorf("load graph edges: %w", err)
		}
		for _, row := range rows {
			var e edge
			e.source, _ = row["source_hash"].(string)
			e.target, _ = row["target_hash"].(string)
			edges = append(edges, e)
		}
	}
	return edges, nil
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
// hop distance and the hash path that reached it.
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

	byHash, err := s.fetchByHashes(ctx, discovered, storage.TimeWindow{})
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
// edge as bidirectional. Returns ErrNotFound when no path exists within
// the depth bound.
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

	byHash, err := s.fetchByHashes(ctx, hashes, storage.TimeWindow{})
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
	// Both IN lists must see the full member set, so the chunking is
	// quadratic over chunk pairs; subgraphs are capped well below the point
	// where that matters.
	var edges []*types.Association
	chunks := chunkStrings(hashes, d1InChunk/2)
	for _, sourceChunk := range chunks {
		for _, targetChunk := range chunks {
			args := append(stringArgs(sourceChunk), stringArgs(targetChunk)...)
			rows, err := s.d1Query(ctx, `
				SELECT source_hash, target_hash, relationship_type, similarity, metadata_json, created_at
				FROM memory_graph
				WHERE source_hash IN (`+placeholders(len(sourceChunk))+`)
				  AND target_hash IN (`+placeholders(len(targetChunk))+`)
				ORDER BY source_hash, target_hash, relationship_type`, args...)
			if err != nil {
				return nil, fmt.Errorf("load subgraph edges: %w", err)
			}
			for _, row := range rows {
				a, err := rowToAssociation(row)
				if err != nil {
					return nil, err
				}
				edges = append(edges, a)
			}
		}
	}
	return edges, nil
}

// AssociationsFor returns the outbound edges of one memory, used by
// consolidation to count connections.
func (s *Store) AssociationsFor(ctx context.Context, contentHash string) ([]*types.Association, error) {
	if !storage.ValidContentHash(contentHash) {
		return nil, fmt.Errorf("%w: invalid content hash %q", storage.ErrInvalidInput, contentHash)
	}
	rows, err := s.d1Query(ctx, `
		SELECT source_hash, target_hash, relationship_type, similarity, metadata_json, created_at
		FROM memory_graph
		WHERE source_hash = ?
		ORDER BY target_hash, relationship_type`, contentHash)
	if err != nil {
		return nil, fmt.Errorf("load associations: %w", err)
	}
	edges := make([]*types.Association, 0, len(rows))
	for _, row := range rows {
		a, err := rowToAssociation(row)
		if err != nil {
			return nil, err
		}
		edges = append(edges, a)
	}
	return edges, nil
}

func rowToAssociation(row map[string]interface{}) (*types.Association, error) {
	a := &types.Association{}
	a.SourceHash, _ = row["source_hash"].(string)
	a.TargetHash, _ = row["target_hash"].(string)
	a.RelationshipType, _ = row["relationship_type"].(string)
	a.Similarity = jsonFloat(row["similarity"])
	a.CreatedAt = jsonFloat(row["created_at"])
	if metadataJSON, _ := row["metadata_json"].(string); metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("%w: association metadata is not valid JSON: %v", storage.ErrSchema, err)
		}
	}
	return a, nil
}
