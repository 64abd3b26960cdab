package steps

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/opsloop/opsloop/internal/workflow"
)

// CodeSearch scans the configured source roots for lines mentioning the
// incident's service or components. Roots are walked in parallel; results
// are merged and capped.
type CodeSearch struct {
	Roots []string
}

func (s *CodeSearch) Name() string { return "code_search" }

const (
	codeSearchMaxMatches  = 20
	codeSearchMaxFileSize = 1 << 20
	codeSearchMaxLineLen  = 300
)

var codeSearchSkipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "vendor": {}, "dist": {}, "build": {},
}

func (s *CodeSearch) Run(ctx context.Context, tc *workflow.TurnContext, emit workflow.EmitFunc) error {
	terms := searchTerms(tc)
	if len(terms) == 0 || len(s.Roots) == 0 {
		return nil
	}

	var mu sync.Mutex
	var matches []workflow.CodeMatch

	g, gctx := errgroup.WithContext(ctx)
	for _, root := range s.Roots {
		root := root
		g.Go(func() error {
			found, err := searchRoot(gctx, root, terms)
			if err != nil {
				return err
			}
			mu.Lock()
			matches = append(matches, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("searching code roots: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Path != matches[j].Path {
			return matches[i].Path < matches[j].Path
		}
		return matches[i].Line < matches[j].Line
	})
	if len(matches) > codeSearchMaxMatches {
		matches = matches[:codeSearchMaxMatches]
	}
	tc.CodeSearch = matches

	if len(matches) > 0 {
		emit(fmt.Sprintf("Found %d code location(s) mentioning %s.", len(matches), strings.Join(terms, ", ")))
	}
	return nil
}

// searchTerms picks the identifiers worth grepping for: the service name
// and component names, lowercased and deduplicated.
func searchTerms(tc *workflow.TurnContext) []string {
	if tc.Incident == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) < 3 {
			return
		}
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	add(tc.Incident.Service)
	for _, c := range tc.Incident.Components {
		add(c)
	}
	return terms
}

func searchRoot(ctx context.Context, root string, terms []string) ([]workflow.CodeMatch, error) {
	var matches []workflow.CodeMatch
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := codeSearchSkipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > codeSearchMaxFileSize {
			return nil
		}
		found, err := searchFile(path, terms)
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= codeSearchMaxMatches {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func searchFile(path string, terms []string) ([]workflow.CodeMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var matches []workflow.CodeMatch
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		lower := strings.ToLower(text)
		for _, term := range terms {
			if strings.Contains(lower, term) {
				snippet := strings.TrimSpace(text)
				if len(snippet) > codeSearchMaxLineLen {
					snippet = snippet[:codeSearchMaxLineLen]
				}
				matches = append(matches, workflow.CodeMatch{Path: path, Line: line, Snippet: snippet})
				break
			}
		}
	}
	return matches, sc.Err()
}
