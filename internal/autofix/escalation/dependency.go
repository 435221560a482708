package escalation

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/mod/modfile"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/autofix/strategy"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/engine"
	"github.com/xkilldash9x/scalpel-autofix/internal/llmutil"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

const dependencySystemPrompt = `You are a senior engineer fixing a defect that may span several files of one repository.
You are given the file with the defect and the files it imports or that import it.
Produce the smallest coordinated change that removes the reported issue without altering unrelated behavior.
Respond with a single JSON object and nothing else:
{"explanation": "<one sentence>", "confidence": <number between 0 and 1>, "patch": "<unified diff>"}
The patch is a unified diff with one "--- a/<path>" / "+++ b/<path>" section per changed file, using the paths exactly as given.
Only change files you were shown. If you cannot fix the issue safely, return an empty patch.`

type dependencyResponse struct {
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Patch       string  `json:"patch"`
}

// maxRelatedBytes bounds the size of a related file included in the prompt.
const maxRelatedBytes = 64 << 10

// Dependency asks the generative backend for a coordinated multi-file fix
// across the issue file and its import neighborhood.
type Dependency struct {
	llm        schemas.LLMClient
	limiter    *rate.Limiter
	timeout    time.Duration
	maxRelated int
	ignore     []string
	logger     *zap.Logger
}

// NewDependency creates the dependency handler. ignoreDirs are skipped when
// searching for importers.
func NewDependency(llm schemas.LLMClient, cfg config.AutofixConfig, ignoreDirs []string, logger *zap.Logger) *Dependency {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.Generative.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Generative.RateLimit), 1)
	}
	maxRelated := cfg.Escalation.MaxRelatedFiles
	if maxRelated <= 0 {
		maxRelated = 5
	}
	return &Dependency{
		llm:        llm,
		limiter:    limiter,
		timeout:    cfg.Generative.Timeout,
		maxRelated: maxRelated,
		ignore:     ignoreDirs,
		logger:     logger.Named("dependency"),
	}
}

func (h *Dependency) Name() schemas.StrategyName { return schemas.StrategyDependencyHandler }

// Handles claims issues in languages whose imports can be followed. Style
// findings never justify a multi-file change.
func (h *Dependency) Handles(issue *schemas.Issue) bool {
	return h.llm != nil && issue.Category != schemas.CategoryStyle && syntax.Supported(issue.Language)
}

// Propose gathers the related files, asks for a multi-file diff and checks
// that it applies to exactly the files shown.
func (h *Dependency) Propose(ctx context.Context, issue *schemas.Issue, target strategy.Target) (*strategy.Candidate, error) {
	related, err := RelatedFiles(ctx, target.Root, issue.FilePath, target.Content, h.maxRelated, h.ignore)
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{issue.FilePath: target.Content}
	order := []string{issue.FilePath}
	for _, rel := range related {
		content, err := os.ReadFile(filepath.Join(target.Root, filepath.FromSlash(rel)))
		if err != nil || len(content) > maxRelatedBytes {
			continue
		}
		files[rel] = content
		order = append(order, rel)
	}

	req := schemas.GenerationRequest{
		SystemPrompt: dependencySystemPrompt,
		UserPrompt:   dependencyPrompt(issue, order, files),
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{Temperature: 0.1, ForceJSONFormat: true},
	}
	var raw string
	err = engine.LeaseFrom(ctx).Detach(ctx, func(ctx context.Context) error {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
		if h.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
		var err error
		raw, err = h.llm.Generate(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", strategy.ErrUnavailable, err)
	}

	resp, err := llmutil.ParseJSONResponse[dependencyResponse](raw)
	if err != nil {
		h.logger.Warn("Discarding unparseable model response", zap.String("issue_id", issue.ID), zap.Error(err))
		return nil, nil
	}
	text := llmutil.CleanPatch(resp.Patch)
	if text == "" {
		return nil, nil
	}
	changes, err := patch.Apply(text, func(p string) ([]byte, error) {
		content, ok := files[p]
		if !ok {
			return nil, fmt.Errorf("patch touches %s, which was not shown", p)
		}
		return content, nil
	})
	if err != nil {
		h.logger.Warn("Discarding model patch that does not apply", zap.String("issue_id", issue.ID), zap.Error(err))
		return nil, nil
	}
	var changed []patch.FileChange
	for _, c := range changes {
		if _, shown := files[c.Path]; !shown {
			h.logger.Warn("Discarding model patch that creates files", zap.String("issue_id", issue.ID), zap.String("path", c.Path))
			return nil, nil
		}
		if c.Changed() {
			changed = append(changed, c)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	diff, err := patch.UnifiedGroup(changed)
	if err != nil {
		return nil, fmt.Errorf("failed to render patch: %w", err)
	}
	return &strategy.Candidate{
		Strategy:      h.Name(),
		Patch:         diff,
		RawConfidence: max(0, min(resp.Confidence, 1)),
		Explanation:   resp.Explanation,
	}, nil
}

func dependencyPrompt(issue *schemas.Issue, order []string, files map[string][]byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Issue: [%s] %s (severity %s, category %s)\n", issue.Rule, issue.Message, issue.Severity, issue.Category)
	fmt.Fprintf(&b, "Location: %s line %d, column %d\n\n", issue.FilePath, issue.Span.StartLine, issue.Span.StartColumn)
	for _, p := range order {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", p, files[p])
		if !strings.HasSuffix(string(files[p]), "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// -- Import neighborhood --

// RelatedFiles lists up to limit root-relative files that the file imports
// or that import it, imports first. Only files inside root are considered.
func RelatedFiles(ctx context.Context, root, rel string, content []byte, limit int, ignoreDirs []string) ([]string, error) {
	lang := syntax.DetectLanguage(rel)
	if !syntax.Supported(lang) || limit <= 0 {
		return nil, nil
	}
	imports, err := importsOf(ctx, lang, content)
	if err != nil {
		return nil, err
	}

	r := resolver{root: root, lang: lang}
	if lang == syntax.LangGo {
		r.module, r.moduleDir = goModule(root, rel)
	}

	seen := map[string]bool{rel: true}
	var out []string
	add := func(p string) bool {
		if seen[p] {
			return len(out) < limit
		}
		seen[p] = true
		out = append(out, p)
		return len(out) < limit
	}

	for _, imp := range imports {
		for _, p := range r.resolve(rel, imp) {
			if !add(p) {
				return out, nil
			}
		}
	}

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && slices.Contains(ignoreDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		other, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		other = filepath.ToSlash(other)
		if seen[other] || syntax.DetectLanguage(other) != lang {
			return nil
		}
		src, err := os.ReadFile(p)
		if err != nil || len(src) > maxRelatedBytes {
			return nil
		}
		theirs, err := importsOf(ctx, lang, src)
		if err != nil {
			return nil
		}
		for _, imp := range theirs {
			if slices.Contains(r.resolve(other, imp), rel) || (lang == syntax.LangGo && r.goImportCovers(imp, rel)) {
				if !add(other) {
					return filepath.SkipAll
				}
				break
			}
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

func importsOf(ctx context.Context, lang string, content []byte) ([]string, error) {
	tree, err := syntax.Parse(ctx, lang, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	return tree.Imports(), nil
}

type resolver struct {
	root      string
	lang      string
	module    string
	moduleDir string
}

// resolve maps an import of the file at rel to root-relative files.
func (r resolver) resolve(rel, imp string) []string {
	switch r.lang {
	case syntax.LangGo:
		if r.module == "" || (imp != r.module && !strings.HasPrefix(imp, r.module+"/")) {
			return nil
		}
		dir := path.Join(r.moduleDir, strings.TrimPrefix(strings.TrimPrefix(imp, r.module), "/"))
		return r.goFiles(dir)
	case syntax.LangPython:
		mod := strings.ReplaceAll(strings.TrimLeft(imp, "."), ".", "/")
		base := ""
		if strings.HasPrefix(imp, ".") {
			base = path.Dir(rel)
		}
		return r.existing(path.Join(base, mod+".py"), path.Join(base, mod, "__init__.py"))
	case syntax.LangJavaScript, syntax.LangTypeScript:
		if !strings.HasPrefix(imp, ".") {
			return nil
		}
		p := path.Join(path.Dir(rel), imp)
		return r.existing(p, p+".js", p+".ts", p+".tsx", p+".jsx", p+"/index.js", p+"/index.ts")
	}
	return nil
}

// goImportCovers reports whether the Go import path names the package of rel.
func (r resolver) goImportCovers(imp, rel string) bool {
	if r.module == "" {
		return false
	}
	dir := path.Dir(rel)
	relToMod := strings.TrimPrefix(strings.TrimPrefix(dir, r.moduleDir), "/")
	if r.moduleDir != "." && !strings.HasPrefix(dir+"/", r.moduleDir+"/") {
		return false
	}
	if r.moduleDir == "." {
		relToMod = dir
	}
	want := r.module
	if relToMod != "" && relToMod != "." {
		want = r.module + "/" + relToMod
	}
	return imp == want
}

func (r resolver) goFiles(dir string) []string {
	entries, err := os.ReadDir(filepath.Join(r.root, filepath.FromSlash(dir)))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		out = append(out, path.Join(dir, name))
	}
	sort.Strings(out)
	return out
}

func (r resolver) existing(candidates ...string) []string {
	for _, c := range candidates {
		c = path.Clean(c)
		if strings.HasPrefix(c, "../") || c == ".." {
			continue
		}
		info, err := os.Stat(filepath.Join(r.root, filepath.FromSlash(c)))
		if err == nil && !info.IsDir() {
			return []string{c}
		}
	}
	return nil
}

// goModule finds the go.mod governing rel and returns its module path and
// root-relative directory.
func goModule(root, rel string) (module, dir string) {
	for d := path.Dir(rel); ; d = path.Dir(d) {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(d), "go.mod"))
		if err == nil {
			return modfile.ModulePath(data), d
		}
		if d == "." || d == "/" {
			return "", ""
		}
	}
}
