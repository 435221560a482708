package applier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/tools/go/packages"

	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// Gate names, in the order they run.
const (
	GateApply     = "apply"
	GateSyntax    = "syntax"
	GateTypeCheck = "type_check"
	GateLint      = "lint"
	GateTests     = "tests"
	GateCommit    = "commit"
)

// ErrSkipped is returned by a gate that has nothing to check or whose tool is
// not installed.
var ErrSkipped = errors.New("gate skipped")

// GateError is a candidate rejected by a gate.
type GateError struct {
	Gate   string
	Reason string
}

func (e *GateError) Error() string { return fmt.Sprintf("%s gate failed: %s", e.Gate, e.Reason) }

// Gate checks the patched workspace. It returns nil when the candidate
// passes, ErrSkipped when it does not apply, and a *GateError otherwise.
type Gate interface {
	Name() string
	Check(ctx context.Context, ws *Workspace) error
}

// DefaultGates builds the configured gate sequence.
func DefaultGates(cfg config.GatesConfig, logger *zap.Logger) []Gate {
	gates := []Gate{SyntaxGate{}}
	if cfg.TypeCheck {
		gates = append(gates, &TypeCheckGate{logger: logger})
	}
	if cfg.Lint {
		gates = append(gates, &LintGate{commands: cfg.LintCommands, logger: logger})
	}
	if cfg.Tests {
		gates = append(gates, &TestGate{commands: cfg.TestCommands, logger: logger})
	}
	return gates
}

// -- Syntax --

// SyntaxGate re-parses every patched file.
type SyntaxGate struct{}

func (SyntaxGate) Name() string { return GateSyntax }

func (SyntaxGate) Check(ctx context.Context, ws *Workspace) error {
	checked := 0
	for _, c := range ws.Changes {
		lang := syntax.DetectLanguage(c.Path)
		if !syntax.Supported(lang) {
			continue
		}
		checked++
		serr, err := syntax.Check(ctx, lang, c.After)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", c.Path, err)
		}
		if serr != nil {
			return &GateError{Gate: GateSyntax, Reason: fmt.Sprintf("%s: %s", c.Path, serr.Error())}
		}
	}
	if checked == 0 {
		return ErrSkipped
	}
	return nil
}

// -- Go type check --

// TypeCheckGate loads the packages of changed Go files with the patched
// content overlaid and fails on errors the unpatched package did not have.
type TypeCheckGate struct {
	logger *zap.Logger
	// load defaults to loadErrors.
	load func(ctx context.Context, dir string, patterns []string, overlay map[string][]byte) ([]string, error)
}

func (g *TypeCheckGate) Name() string { return GateTypeCheck }

func (g *TypeCheckGate) Check(ctx context.Context, ws *Workspace) error {
	groups := goModules(ws)
	if len(groups) == 0 {
		return ErrSkipped
	}
	load := g.load
	if load == nil {
		load = loadErrors
	}
	checked := 0
	for modDir, files := range groups {
		patterns := make([]string, 0, len(files))
		for _, f := range files {
			patterns = append(patterns, "file="+ws.Live(f))
		}
		before, err := load(ctx, modDir, patterns, nil)
		if err != nil {
			g.logger.Warn("Type check unavailable for module, skipping it", zap.String("module", modDir), zap.Error(err))
			continue
		}
		checked++
		after, err := load(ctx, modDir, patterns, ws.Overlay())
		if err != nil {
			return &GateError{Gate: GateTypeCheck, Reason: err.Error()}
		}
		if introduced := newMessages(before, after); len(introduced) > 0 {
			return &GateError{Gate: GateTypeCheck, Reason: strings.Join(introduced, "; ")}
		}
	}
	if checked == 0 {
		return ErrSkipped
	}
	return nil
}

func loadErrors(ctx context.Context, dir string, patterns []string, overlay map[string][]byte) ([]string, error) {
	cfg := &packages.Config{
		Context: ctx,
		Dir:     dir,
		Mode:    packages.NeedName | packages.NeedFiles | packages.NeedSyntax | packages.NeedTypes | packages.NeedTypesInfo,
		Overlay: overlay,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, err
	}
	var msgs []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			msgs = append(msgs, e.Msg)
		}
	})
	return msgs, nil
}

// -- Lint --

// LintGate runs go vet with the overlay for Go files and the configured
// command for other languages.
type LintGate struct {
	commands map[string]string
	logger   *zap.Logger
}

func (g *LintGate) Name() string { return GateLint }

func (g *LintGate) Check(ctx context.Context, ws *Workspace) error {
	ran := false
	for modDir, files := range goModules(ws) {
		err := goToolGate(ctx, GateLint, ws, modDir, packageDirs(modDir, ws, files), "vet")
		if errors.Is(err, ErrSkipped) {
			g.logger.Warn("go vet unavailable, skipping", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		ran = true
	}
	err := runCommands(ctx, GateLint, ws, g.commands)
	if errors.Is(err, ErrSkipped) && ran {
		return nil
	}
	return err
}

// -- Tests --

// TestGate runs the tests of each changed Go package that has any, and the
// configured command for other languages.
type TestGate struct {
	commands map[string]string
	logger   *zap.Logger
}

func (g *TestGate) Name() string { return GateTests }

func (g *TestGate) Check(ctx context.Context, ws *Workspace) error {
	ran := false
	for modDir, files := range goModules(ws) {
		var dirs []string
		for _, d := range packageDirs(modDir, ws, files) {
			if hasGoTests(filepath.Join(modDir, filepath.FromSlash(d))) {
				dirs = append(dirs, d)
			}
		}
		if len(dirs) == 0 {
			continue
		}
		err := goToolGate(ctx, GateTests, ws, modDir, dirs, "test", "-count=1")
		if errors.Is(err, ErrSkipped) {
			g.logger.Warn("go test unavailable, skipping", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		ran = true
	}
	err := runCommands(ctx, GateTests, ws, g.commands)
	if errors.Is(err, ErrSkipped) && ran {
		return nil
	}
	return err
}

func hasGoTests(dir string) bool {
	matches, _ := filepath.Glob(filepath.Join(dir, "*_test.go"))
	return len(matches) > 0
}

// -- go command helpers --

var (
	positionPrefix = regexp.MustCompile(`^(?:\.{0,2}/)?[^\s:]+\.go:\d+(?::\d+)?: `)
	durationSuffix = regexp.MustCompile(`\s*\(\d+(?:\.\d+)?s\)$`)
)

// goToolGate runs a go subcommand over dirs with the overlay. When it fails
// it is rerun without the overlay, and only messages the patch introduced
// fail the gate.
func goToolGate(ctx context.Context, gate string, ws *Workspace, modDir string, dirs []string, sub string, flags ...string) error {
	if _, err := exec.LookPath("go"); err != nil {
		return fmt.Errorf("%w: %v", ErrSkipped, err)
	}
	overlay, err := ws.OverlayFile()
	if err != nil {
		return err
	}
	args := append([]string{sub, "-overlay", overlay}, flags...)
	for _, d := range dirs {
		args = append(args, "./"+d)
	}
	out, err := runGo(ctx, modDir, args...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return &GateError{Gate: gate, Reason: ctx.Err().Error()}
	}

	baseArgs := append([]string{sub}, flags...)
	for _, d := range dirs {
		baseArgs = append(baseArgs, "./"+d)
	}
	baseOut, baseErr := runGo(ctx, modDir, baseArgs...)
	if baseErr == nil {
		return &GateError{Gate: gate, Reason: summarize(out)}
	}
	introduced := newMessages(outputMessages(baseOut), outputMessages(out))
	if len(introduced) == 0 {
		return nil
	}
	return &GateError{Gate: gate, Reason: strings.Join(introduced, "; ")}
}

func runGo(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "go", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// outputMessages strips file positions so messages survive line shifts.
func outputMessages(out []byte) []string {
	var msgs []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "ok ") ||
			strings.HasPrefix(line, "FAIL\t") || line == "FAIL" {
			continue
		}
		line = positionPrefix.ReplaceAllString(line, "")
		msgs = append(msgs, durationSuffix.ReplaceAllString(line, ""))
	}
	return msgs
}

// newMessages returns the messages of after not accounted for by before,
// counting duplicates.
func newMessages(before, after []string) []string {
	seen := make(map[string]int, len(before))
	for _, m := range before {
		seen[m]++
	}
	var out []string
	for _, m := range after {
		if seen[m] > 0 {
			seen[m]--
			continue
		}
		out = append(out, m)
	}
	return out
}

func summarize(out []byte) string {
	msgs := outputMessages(out)
	if len(msgs) > 10 {
		msgs = append(msgs[:10], "...")
	}
	return strings.Join(msgs, "; ")
}

// goModules groups changed Go files by the directory of their nearest go.mod
// at or below the root.
func goModules(ws *Workspace) map[string][]string {
	out := map[string][]string{}
	for _, c := range ws.Changes {
		if syntax.DetectLanguage(c.Path) != syntax.LangGo {
			continue
		}
		dir := filepath.Dir(ws.Live(c.Path))
		for {
			if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
				out[dir] = append(out[dir], c.Path)
				break
			}
			if dir == ws.Root || dir == filepath.Dir(dir) {
				break
			}
			dir = filepath.Dir(dir)
		}
	}
	return out
}

// packageDirs lists the module-relative package directories of files.
func packageDirs(modDir string, ws *Workspace, files []string) []string {
	set := map[string]bool{}
	for _, f := range files {
		rel, err := filepath.Rel(modDir, filepath.Dir(ws.Live(f)))
		if err != nil {
			continue
		}
		set[filepath.ToSlash(rel)] = true
	}
	dirs := make([]string, 0, len(set))
	for d := range set {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// -- Configured commands --

// runCommands runs the command template configured for each changed file's
// language against its scratch copy.
func runCommands(ctx context.Context, gate string, ws *Workspace, commands map[string]string) error {
	ran := false
	for _, c := range ws.Changes {
		tmpl, ok := commands[syntax.DetectLanguage(c.Path)]
		if !ok || strings.TrimSpace(tmpl) == "" {
			continue
		}
		fields := strings.Fields(tmpl)
		for i, f := range fields {
			fields[i] = strings.ReplaceAll(f, "{file}", ws.Scratch(c.Path))
		}
		if _, err := exec.LookPath(fields[0]); err != nil {
			continue
		}
		ran = true
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		cmd.Dir = ws.Root
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			reason := strings.TrimSpace(out.String())
			if reason == "" {
				reason = err.Error()
			}
			return &GateError{Gate: gate, Reason: fmt.Sprintf("%s: %s", c.Path, reason)}
		}
	}
	if !ran {
		return ErrSkipped
	}
	return nil
}
