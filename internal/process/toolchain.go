package process

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// Placeholders substituted into Toolchain.Compile arguments.
const (
	SourcePlaceholder = "{src}"
	BinaryPlaceholder = "{bin}"
)

// DefaultLanguage is used when a submission does not name one.
const DefaultLanguage = "cpp"

// ErrLanguageNotFound is returned by Registry.Get for unknown language ids.
var ErrLanguageNotFound = errors.New("language not found")

// Toolchain describes how to turn one source file into an executable.
type Toolchain struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name" json:"name"`
	SourceExt string   `yaml:"sourceExt" json:"sourceExt"`
	Compile   []string `yaml:"compile" json:"compile"`
}

// Command returns the compile argv with placeholders filled in.
func (t Toolchain) Command(src, bin string) []string {
	argv := make([]string, len(t.Compile))
	for i, arg := range t.Compile {
		arg = strings.ReplaceAll(arg, SourcePlaceholder, src)
		argv[i] = strings.ReplaceAll(arg, BinaryPlaceholder, bin)
	}
	return argv
}

// Registry maps language ids to toolchains.
type Registry struct {
	mu         sync.RWMutex
	toolchains map[string]Toolchain
}

// NewRegistry returns a registry holding the default toolchains.
func NewRegistry() *Registry {
	r := &Registry{
		toolchains: make(map[string]Toolchain),
	}
	r.registerDefaults()
	return r
}

// Register adds or replaces a toolchain.
func (r *Registry) Register(tc Toolchain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolchains[tc.ID] = tc
}

// Get looks up a toolchain; the empty id selects DefaultLanguage.
func (r *Registry) Get(id string) (Toolchain, error) {
	if id == "" {
		id = DefaultLanguage
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.toolchains[id]
	if !ok {
		return Toolchain{}, ErrLanguageNotFound
	}
	return tc, nil
}

// List returns all toolchains ordered by id.
func (r *Registry) List() []Toolchain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Toolchain, 0, len(r.toolchains))
	for _, tc := range r.toolchains {
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) registerDefaults() {
	r.Register(Toolchain{
		ID:        "cpp",
		Name:      "C++",
		SourceExt: ".cpp",
		Compile:   []string{"g++", SourcePlaceholder, "-o", BinaryPlaceholder},
	})

	r.Register(Toolchain{
		ID:        "c",
		Name:      "C",
		SourceExt: ".c",
		Compile:   []string{"gcc", SourcePlaceholder, "-o", BinaryPlaceholder},
	})

	r.Register(Toolchain{
		ID:        "go",
		Name:      "Go",
		SourceExt: ".go",
		Compile:   []string{"go", "build", "-o", BinaryPlaceholder, SourcePlaceholder},
	})
}
