// Package sandbox selects an isolation profile per operation category,
// wraps commands with an available sandboxing backend, and runs processes
// in their own process group without a shell.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/jkaninda/warden/internal/domain"
)

// Level is an isolation strength. Higher levels are strictly more
// restrictive than lower ones.
type Level int

const (
	// LevelBasic applies default OS permissions only. No wrapper is used.
	LevelBasic Level = iota
	// LevelStandard mounts system paths read-only and user config/cache
	// read-write.
	LevelStandard
	// LevelStrict adds a network deny unless the operation needs network.
	LevelStrict
	// LevelParanoid denies every write outside a single scratch directory.
	LevelParanoid
)

func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "BASIC"
	case LevelStandard:
		return "STANDARD"
	case LevelStrict:
		return "STRICT"
	case LevelParanoid:
		return "PARANOID"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel converts a level name (case-insensitive) to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BASIC":
		return LevelBasic, nil
	case "STANDARD":
		return LevelStandard, nil
	case "STRICT":
		return LevelStrict, nil
	case "PARANOID":
		return LevelParanoid, nil
	}
	return 0, fmt.Errorf("unknown sandbox level %q", s)
}

// BackendKind names a sandboxing tool.
type BackendKind string

const (
	BackendNone       BackendKind = "none"
	BackendBubblewrap BackendKind = "bwrap"
	BackendFirejail   BackendKind = "firejail"
)

// Backend is a resolved sandboxing tool.
type Backend struct {
	Kind BackendKind
	Path string // Absolute path of the tool binary; empty for BackendNone.
}

// Available reports whether the backend can wrap commands.
func (b Backend) Available() bool { return b.Kind != BackendNone && b.Kind != "" && b.Path != "" }

// Resolver picks the sandboxing backend. Implementations return the same
// answer for the life of the process.
type Resolver interface {
	Resolve() Backend
}

// probeDirs are searched for backend binaries. $PATH is not consulted.
var probeDirs = []string{"/usr/bin", "/bin", "/usr/local/bin"}

// ProbeResolver looks for installed backends once, in priority order:
// bubblewrap, then firejail.
type ProbeResolver struct {
	preferred BackendKind
	stat      func(string) (os.FileInfo, error)

	once    sync.Once
	backend Backend
}

// NewProbeResolver creates a resolver. preferred is "auto", "bwrap",
// "firejail" or "none"; anything else behaves like "auto".
func NewProbeResolver(preferred string) *ProbeResolver {
	return &ProbeResolver{preferred: BackendKind(preferred), stat: os.Stat}
}

// Resolve returns the backend, probing on the first call only.
func (r *ProbeResolver) Resolve() Backend {
	r.once.Do(func() {
		r.backend = r.probe()
	})
	return r.backend
}

func (r *ProbeResolver) probe() Backend {
	order := []BackendKind{BackendBubblewrap, BackendFirejail}
	switch r.preferred {
	case BackendNone:
		return Backend{Kind: BackendNone}
	case BackendBubblewrap, BackendFirejail:
		order = []BackendKind{r.preferred}
	}
	for _, kind := range order {
		for _, dir := range probeDirs {
			p := filepath.Join(dir, string(kind))
			info, err := r.stat(p)
			if err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
				return Backend{Kind: kind, Path: p}
			}
		}
	}
	return Backend{Kind: BackendNone}
}

// StaticResolver always returns the same backend. Used in tests and when
// the backend is pinned by configuration.
type StaticResolver Backend

// Resolve returns the fixed backend.
func (s StaticResolver) Resolve() Backend { return Backend(s) }

// Profile is the isolation applied to one request. It is built fresh by
// Select and never mutated afterwards.
type Profile struct {
	Category domain.Category
	Level    Level
	ReadOnly []string // Extra paths mounted read-only.
	Writable []string // Paths mounted read-write.
	Network  bool     // Network access permitted.
	Backend  Backend  // Backend resolved for this profile.
}

// Wrapped reports whether the command will run under a sandbox backend.
func (p Profile) Wrapped() bool {
	return p.Level > LevelBasic && p.Backend.Available()
}

// Degraded reports whether the profile asked for isolation that no backend
// can provide.
func (p Profile) Degraded() bool {
	return p.Level > LevelBasic && !p.Backend.Available()
}

// BackendName returns the backend actually used.
func (p Profile) BackendName() string {
	if !p.Wrapped() {
		return string(BackendNone)
	}
	return string(p.Backend.Kind)
}

// defaultLevels maps every category to its default isolation level.
var defaultLevels = map[domain.Category]Level{
	domain.CategoryGeneric:        LevelStrict,
	domain.CategoryPackageQuery:   LevelStandard,
	domain.CategoryPackageModify:  LevelBasic,
	domain.CategoryServiceControl: LevelBasic,
	domain.CategoryMountControl:   LevelBasic,
	domain.CategoryFileOpen:       LevelStandard,
	domain.CategoryURLOpen:        LevelStrict,
}

// needsNetwork lists categories that keep network access at every level
// below PARANOID.
var needsNetwork = map[domain.Category]bool{
	domain.CategoryURLOpen:      true,
	domain.CategoryPackageQuery: true,
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Resolver Resolver

	// Overrides replaces the default level for a category.
	Overrides map[domain.Category]Level

	// UserDirs are the user config/cache directories writable at STANDARD
	// and STRICT. Empty = ~/.config and ~/.cache.
	UserDirs []string

	// ScratchDir is the only writable path at PARANOID. Empty = os.TempDir()/warden-scratch.
	ScratchDir string
}

// Selector maps operation categories to profiles.
type Selector struct {
	resolver  Resolver
	overrides map[domain.Category]Level
	userDirs  []string
	scratch   string
}

// NewSelector creates a Selector. A nil Resolver probes the host.
func NewSelector(cfg SelectorConfig) *Selector {
	s := &Selector{
		resolver:  cfg.Resolver,
		overrides: make(map[domain.Category]Level, len(cfg.Overrides)),
		userDirs:  slices.Clone(cfg.UserDirs),
		scratch:   cfg.ScratchDir,
	}
	if s.resolver == nil {
		s.resolver = NewProbeResolver("auto")
	}
	for c, l := range cfg.Overrides {
		s.overrides[c] = l
	}
	if len(s.userDirs) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			s.userDirs = []string{filepath.Join(home, ".config"), filepath.Join(home, ".cache")}
		}
	}
	if s.scratch == "" {
		s.scratch = filepath.Join(os.TempDir(), "warden-scratch")
	}
	return s
}

// LevelFor returns the isolation level used for category.
func (s *Selector) LevelFor(c domain.Category) Level {
	if l, ok := s.overrides[c]; ok {
		return l
	}
	if l, ok := defaultLevels[c]; ok {
		return l
	}
	return LevelStrict
}

// Select builds the profile for a request of category c. target is the
// file being opened for FILE_OPEN; its directory becomes the only extra
// readable path.
func (s *Selector) Select(c domain.Category, target string) Profile {
	p := Profile{
		Category: c,
		Level:    s.LevelFor(c),
		Backend:  s.resolver.Resolve(),
	}

	switch p.Level {
	case LevelBasic:
		p.Network = true
	case LevelStandard:
		p.Network = true
		p.Writable = slices.Clone(s.userDirs)
	case LevelStrict:
		p.Network = needsNetwork[c]
		p.Writable = slices.Clone(s.userDirs)
	case LevelParanoid:
		p.Writable = []string{s.scratch}
	}

	if c == domain.CategoryFileOpen && target != "" {
		p.ReadOnly = append(p.ReadOnly, filepath.Dir(filepath.Clean(target)))
	}
	return p
}

// ScratchDir returns the PARANOID scratch directory.
func (s *Selector) ScratchDir() string { return s.scratch }
