package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"ciris/internal/clock"
	"ciris/internal/types"
)

// YaegiTools runs tools as interpreted Go source inside a sandbox. Each tool
// must define `func Run(args map[string]string) (string, error)`. Only a
// whitelist of stdlib packages is importable; os, net, and exec never are.
type YaegiTools struct {
	base
	mu    sync.RWMutex
	tools map[string]toolSource
}

type toolSource struct {
	description string
	source      string
}

var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
}

func NewYaegiTools(clk clock.Clock) *YaegiTools {
	t := &YaegiTools{base: newBase("yaegi_tools", clk), tools: map[string]toolSource{}}
	for name, tool := range builtinTools {
		t.tools[name] = tool
	}
	return t
}

// RegisterTool adds or replaces a tool definition. Registration may race
// with tool execution on the bus.
func (t *YaegiTools) RegisterTool(name, description, source string) error {
	if err := validateImports(source); err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	t.mu.Lock()
	t.tools[name] = toolSource{description: description, source: source}
	t.mu.Unlock()
	return nil
}

func (t *YaegiTools) ListTools(context.Context) ([]types.ToolInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.ToolInfo, 0, len(t.tools))
	for name, tool := range t.tools {
		out = append(out, types.ToolInfo{Name: name, Description: tool.description})
	}
	return out, nil
}

func (t *YaegiTools) ExecuteTool(ctx context.Context, name string, args map[string]string) (types.ToolResult, error) {
	t.mu.RLock()
	tool, ok := t.tools[name]
	t.mu.RUnlock()
	if !ok {
		return types.ToolResult{}, t.track(fmt.Errorf("unknown tool %q", name))
	}

	start := t.clk.Now()
	output, err := t.run(ctx, tool.source, args)
	result := types.ToolResult{
		Name:     name,
		Output:   output,
		Success:  err == nil,
		Duration: t.clk.Now().Sub(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	t.track(err)
	return result, nil
}

func (t *YaegiTools) run(ctx context.Context, source string, args map[string]string) (string, error) {
	if err := validateImports(source); err != nil {
		return "", err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return "", fmt.Errorf("load stdlib: %w", err)
	}
	if _, err := i.Eval(source); err != nil {
		return "", fmt.Errorf("evaluate tool source: %w", err)
	}

	fn, err := i.Eval("main.Run")
	if err != nil {
		return "", fmt.Errorf("tool has no Run function: %w", err)
	}
	run, ok := fn.Interface().(func(map[string]string) (string, error))
	if !ok {
		return "", fmt.Errorf("Run has wrong signature, want func(map[string]string) (string, error)")
	}

	outCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := run(args)
		if err != nil {
			errCh <- err
			return
		}
		outCh <- out
	}()

	select {
	case out := <-outCh:
		return out, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("tool timed out: %w", ctx.Err())
	}
}

func validateImports(source string) error {
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && trimmed == ")":
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(trimmed, `"`); pkg != "" && !allowedImports[pkg] {
				return fmt.Errorf("import %q is not allowed", pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			pkg := strings.Trim(strings.TrimPrefix(trimmed, "import "), `"`)
			if !allowedImports[pkg] {
				return fmt.Errorf("import %q is not allowed", pkg)
			}
		}
	}
	return nil
}

// builtinTools ship with the agent.
var builtinTools = map[string]toolSource{
	"word_count": {
		description: "Counts words in the text argument.",
		source: `package main

import (
	"fmt"
	"strings"
)

func Run(args map[string]string) (string, error) {
	return fmt.Sprintf("%d", len(strings.Fields(args["text"]))), nil
}
`,
	},
	"json_extract": {
		description: "Extracts a top-level key from a JSON document argument.",
		source: `package main

import (
	"encoding/json"
	"fmt"
)

func Run(args map[string]string) (string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(args["document"]), &doc); err != nil {
		return "", err
	}
	value, ok := doc[args["key"]]
	if !ok {
		return "", fmt.Errorf("key %q not present", args["key"])
	}
	return fmt.Sprintf("%v", value), nil
}
`,
	},
}
