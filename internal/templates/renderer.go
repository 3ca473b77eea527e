package templates

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// FilePrefix marks a template source as a path inside the sandbox rather than
// inline template text, e.g. "@replay-url.tmpl".
const FilePrefix = "@"

// Renderer compiles sprig-enabled text templates. Sprig helpers that read the
// process environment or the filesystem are removed; file-backed templates go
// through the sandbox instead.
type Renderer struct {
	sandbox *Sandbox
	funcs   template.FuncMap
}

// Template is a compiled template, safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

// NewRenderer binds a renderer to sandbox. A nil sandbox disables file-backed
// templates.
func NewRenderer(sandbox *Sandbox) *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range []string{"env", "expandenv", "readDir", "mustReadDir", "readFile", "mustReadFile", "glob"} {
		delete(funcs, name)
	}
	return &Renderer{sandbox: sandbox, funcs: funcs}
}

// Compile parses source as inline template text, or as a sandboxed file when
// it starts with FilePrefix.
func (r *Renderer) Compile(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, fmt.Errorf("templates: %s: empty template", name)
	}
	if path, ok := strings.CutPrefix(trimmed, FilePrefix); ok {
		return r.compileFile(path)
	}
	return r.compileInline(name, source)
}

func (r *Renderer) compileInline(name, source string) (*Template, error) {
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

func (r *Renderer) compileFile(path string) (*Template, error) {
	if r.sandbox == nil {
		return nil, errors.New("templates: file templates require server.templates.templatesFolder")
	}
	resolved, err := r.sandbox.Resolve(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("templates: read %q: %w", path, err)
	}
	return r.compileInline(filepath.Base(resolved), string(contents))
}

// Render executes the template and trims surrounding whitespace so file
// templates may end with a newline.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
