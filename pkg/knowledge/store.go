// Package knowledge provides per-knowledge-base context retrieval for
// grounding completions. Bases are plain text files, one entry per
// line, loaded lazily and cached.
package knowledge

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/voxlane/voxlane/pkg/errorsx"
	"github.com/voxlane/voxlane/pkg/logging"
)

const (
	// DefaultTopK caps how many snippets one query returns.
	DefaultTopK = 2
	// snippetMaxLen caps each returned snippet.
	snippetMaxLen = 300
)

// Store loads knowledge bases from <dir>/<kb_id>.txt.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	bases map[string][]string
}

func NewStore(dir string) *Store {
	return &Store{
		dir:    dir,
		logger: logging.NewComponentLogger(slog.Default(), "knowledge"),
		bases:  make(map[string][]string),
	}
}

// Retrieve returns up to topK entries of base kbID ranked by lexical
// overlap with query. An unknown base is an error; a query that matches
// nothing returns an empty slice.
func (s *Store) Retrieve(kbID, query string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	entries, err := s.load(kbID)
	if err != nil {
		return nil, err
	}

	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	type scored struct {
		text  string
		score float64
		idx   int
	}
	var hits []scored
	for i, entry := range entries {
		score := overlapScore(queryTerms, tokenize(entry))
		if score > 0 {
			hits = append(hits, scored{text: entry, score: score, idx: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].idx < hits[j].idx
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, truncate(h.text, snippetMaxLen))
	}
	return out, nil
}

// Context joins retrieved snippets into one grounding block.
func (s *Store) Context(kbID, query string, topK int) (string, error) {
	snippets, err := s.Retrieve(kbID, query, topK)
	if err != nil {
		return "", err
	}
	return strings.Join(snippets, "\n"), nil
}

func (s *Store) load(kbID string) ([]string, error) {
	s.mu.RLock()
	entries, ok := s.bases[kbID]
	s.mu.RUnlock()
	if ok {
		return entries, nil
	}

	path := filepath.Join(s.dir, kbID+".txt")
	f, err := os.Open(path)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonKnowledgeLoad)
	}
	defer f.Close()

	var loaded []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonKnowledgeLoad)
	}

	s.mu.Lock()
	s.bases[kbID] = loaded
	s.mu.Unlock()

	s.logger.Info("knowledge_base_loaded",
		slog.String("kb_id", kbID),
		slog.Int("entries", len(loaded)))
	return loaded, nil
}

func tokenize(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlapScore(query, entry map[string]struct{}) float64 {
	if len(entry) == 0 {
		return 0
	}
	matches := 0
	for w := range query {
		if _, ok := entry[w]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(query))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
