// Package capsule assembles the task outputs of a completed workflow
// into one coherent project tree: path collision resolution, path
// sanitization, language/entry-point derivation, and a README fallback.
//
// No teacher file plays this role directly (the monorepo's services
// pass bytes straight to an external packager); this package is built
// fresh in the teacher's plain-function, deterministic style, using
// only path + strings from the standard library since no
// third-party library in the pack addresses path-tree assembly.
package capsule

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/quantumlayer-platform/orchestrator-core/internal/apperr"
	"github.com/quantumlayer-platform/orchestrator-core/internal/graph"
	"github.com/quantumlayer-platform/orchestrator-core/internal/types"
)

// Assembler merges per-task outputs into a CapsuleManifest.
type Assembler struct{}

// NewAssembler builds an Assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Assemble walks g's topological order and merges each succeeded or
// skipped_cached task's outputs, applying the "later producer wins"
// collision policy for sequential tasks and failing outright when two
// tasks with no ordering relationship both write the same path.
func (a *Assembler) Assemble(req types.ExecutionRequest, g *graph.Graph, results map[string]types.TaskResult) (types.CapsuleManifest, error) {
	files := make(map[string][]byte)
	producedBy := make(map[string]string)

	for _, taskID := range g.Order {
		result, ok := results[taskID]
		if !ok {
			continue
		}
		if result.Status != types.StatusSucceeded && result.Status != types.StatusSkippedCached {
			continue
		}
		for rawPath, content := range result.Outputs {
			clean, err := sanitizePath(rawPath)
			if err != nil {
				return types.CapsuleManifest{}, err
			}
			if prevTask, exists := producedBy[clean]; exists {
				if !isAncestor(g, prevTask, taskID) {
					return types.CapsuleManifest{}, apperr.Newf(apperr.KindPathCollision, "path %q written by both %s and %s", clean, prevTask, taskID).
						WithDetails("path", clean).
						WithDetails("producer_a", prevTask).
						WithDetails("producer_b", taskID)
				}
			}
			files[clean] = content
			producedBy[clean] = taskID
		}
	}

	if len(files) == 0 {
		files["README.md"] = defaultReadme(req, g)
	} else if _, hasReadme := files["README.md"]; !hasReadme {
		files["README.md"] = defaultReadme(req, g)
	}

	ordered := make([]types.CapsuleFile, 0, len(files))
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		ordered = append(ordered, types.CapsuleFile{Path: p, Content: files[p]})
	}

	languages := deriveLanguages(paths)
	entryPoints := deriveEntryPoints(paths)

	return types.CapsuleManifest{
		CapsuleID:         uuid.NewString(),
		RequestID:         req.RequestID,
		Files:             ordered,
		Languages:         languages,
		EntryPoints:       entryPoints,
		CostSummary:       aggregateCost(results),
		ValidationSummary: aggregateValidation(results),
	}, nil
}

// aggregateCost sums every task attempt's token/cost metadata into the
// workflow-level total that becomes the manifest's cost figure. Nothing
// in this module compares it with the ledger's per-workflow sum.
func aggregateCost(results map[string]types.TaskResult) types.CostSummary {
	var sum types.CostSummary
	for _, r := range results {
		sum.TotalTokensIn += r.Metadata.TokensIn
		sum.TotalTokensOut += r.Metadata.TokensOut
		sum.TotalCostUSD += r.Metadata.CostUSD
	}
	return sum
}

// aggregateValidation averages the validation score of each succeeded or
// skipped_cached task into one workflow-level figure; failed and
// cancelled tasks are excluded from the average.
func aggregateValidation(results map[string]types.TaskResult) types.ValidationSummary {
	var total float64
	var n int
	for _, r := range results {
		if r.Status != types.StatusSucceeded && r.Status != types.StatusSkippedCached {
			continue
		}
		total += r.Metadata.ValidationScore
		n++
	}
	if n == 0 {
		return types.ValidationSummary{}
	}
	return types.ValidationSummary{OverallScore: total / float64(n)}
}

// isAncestor reports whether a precedes b in the DAG's topological
// order, i.e. a is an ancestor (direct or transitive dependency) of b —
// the "later producer wins" case rather than a genuine parallel clash.
func isAncestor(g *graph.Graph, a, b string) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == a {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		node := g.Nodes[id]
		for _, dep := range node.Task.DependsOn {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(b)
}

var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
}

// sanitizePath rejects traversal, absolute paths, null bytes, and
// reserved device names, and normalizes separators to '/'.
func sanitizePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", apperr.Newf(apperr.KindPathCollision, "path %q contains a null byte", p)
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	normalized = path.Clean(normalized)
	if path.IsAbs(normalized) {
		return "", apperr.Newf(apperr.KindPathCollision, "path %q is absolute", p)
	}
	if normalized == ".." || strings.HasPrefix(normalized, "../") {
		return "", apperr.Newf(apperr.KindPathCollision, "path %q escapes the capsule root", p)
	}
	for _, seg := range strings.Split(normalized, "/") {
		if reservedNames[strings.ToLower(seg)] {
			return "", apperr.Newf(apperr.KindPathCollision, "path %q uses a reserved name segment %q", p, seg)
		}
	}
	return normalized, nil
}

var extLanguage = map[string]string{
	".py": "python", ".go": "go", ".js": "javascript", ".ts": "typescript",
	".java": "java", ".rb": "ruby", ".rs": "rust", ".c": "c", ".cpp": "cpp",
	".cs": "csharp", ".php": "php", ".sh": "shell",
}

func deriveLanguages(paths []string) []string {
	set := make(map[string]bool)
	for _, p := range paths {
		if lang, ok := extLanguage[path.Ext(p)]; ok {
			set[lang] = true
		}
	}
	out := make([]string, 0, len(set))
	for lang := range set {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

var entryConventions = []string{"main", "app", "index"}

func deriveEntryPoints(paths []string) []string {
	var entries []string
	for _, p := range paths {
		base := strings.TrimSuffix(path.Base(p), path.Ext(p))
		for _, conv := range entryConventions {
			if base == conv {
				entries = append(entries, p)
				break
			}
		}
	}
	sort.Strings(entries)
	return entries
}

func defaultReadme(req types.ExecutionRequest, g *graph.Graph) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n## Tasks\n\n", req.RequestID, req.Description)
	for _, taskID := range g.Order {
		t := g.Nodes[taskID].Task
		fmt.Fprintf(&b, "- %s: %s\n", t.TaskID, t.Title)
	}
	return []byte(b.String())
}
