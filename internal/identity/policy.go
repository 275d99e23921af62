// Package identity is the single authority on entity sameness.
//
// A Table maps every snapshot collection to a Policy: the resolution
// strategy the importer applies, the natural key, the scope the key is unique
// in, and the collections that must be merged first. The table is declared in
// CUE (policy.cue) and compiled once; dependency order is derived from it.
package identity

import (
	_ "embed"
	"fmt"
	"slices"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/agencysync/internal/snapshot"
)

var (
	//go:embed schema.cue
	schemaSource string

	//go:embed policy.cue
	policySource string
)

// Strategy is how a collection resolves an incoming row to a stored one.
type Strategy string

const (
	// SurrogateShared: the numeric id is globally meaningful; get-or-create on it.
	SurrogateShared Strategy = "SURROGATE_SHARED"
	// NaturalKeyScoped: resolve by (natural key, owning scope); update or create.
	NaturalKeyScoped Strategy = "NATURAL_KEY_SCOPED"
	// NaturalKeyGlobalWithClone: key is meant to be store-wide; a collision with
	// a row from another scope creates a clone under a suffixed key.
	NaturalKeyGlobalWithClone Strategy = "NATURAL_KEY_GLOBAL_WITH_CLONE"
	// AppendOnly: always insert, never resolve.
	AppendOnly Strategy = "APPEND_ONLY"
)

// Scope is where a natural key is unique.
type Scope string

const (
	ScopeNone   Scope = "none"
	ScopeStore  Scope = "store"
	ScopeAgency Scope = "agency"
	ScopeParent Scope = "parent"
)

// ClonePolicy parameterizes clone-on-conflict key generation.
type ClonePolicy struct {
	Separator          string `json:"separator"`
	MaxCounter         int    `json:"max_counter"`
	AbbreviationLength int    `json:"abbreviation_length"`
}

// Policy describes one collection.
type Policy struct {
	Collection    snapshot.Collection
	Strategy      Strategy
	Key           []string
	Scope         Scope
	Parent        snapshot.Collection
	Tier          int
	Transactional bool
	DependsOn     []snapshot.Collection
	Clone         *ClonePolicy
}

// cuePolicy mirrors #Policy for decoding.
type cuePolicy struct {
	Strategy      Strategy     `json:"strategy"`
	Key           []string     `json:"key"`
	Scope         Scope        `json:"scope"`
	Parent        string       `json:"parent"`
	Tier          int          `json:"tier"`
	Transactional bool         `json:"transactional"`
	DependsOn     []string     `json:"depends_on"`
	Clone         *ClonePolicy `json:"clone"`
}

// Table is a compiled, validated policy table.
type Table struct {
	policies map[snapshot.Collection]*Policy
	order    []snapshot.Collection
}

// PolicyError reports an invalid policy declaration.
type PolicyError struct {
	Collection string
	Message    string
	Pos        token.Pos
}

func (e *PolicyError) Error() string {
	where := e.Collection
	if where == "" {
		where = "policy"
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// Load compiles a CUE policy document against the embedded schema and
// validates it: every collection must be known to the snapshot format, every
// dependency declared, tiers must not decrease along a dependency, and the
// dependency graph must be acyclic.
func Load(src string) (*Table, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v := schema.Unify(ctx.CompileString(src, cue.Filename("policy.cue")))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("policy"))
	if !root.Exists() {
		return nil, &PolicyError{Message: "no policy struct declared"}
	}
	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	t := &Table{policies: make(map[snapshot.Collection]*Policy)}
	for iter.Next() {
		name := iter.Label()
		var cp cuePolicy
		if err := iter.Value().Decode(&cp); err != nil {
			return nil, &PolicyError{Collection: name, Message: err.Error(), Pos: iter.Value().Pos()}
		}
		c := snapshot.Collection(name)
		if !snapshot.Known(c) {
			return nil, &PolicyError{Collection: name, Message: "unknown collection", Pos: iter.Value().Pos()}
		}
		p := &Policy{
			Collection:    c,
			Strategy:      cp.Strategy,
			Key:           cp.Key,
			Scope:         cp.Scope,
			Parent:        snapshot.Collection(cp.Parent),
			Tier:          cp.Tier,
			Transactional: cp.Transactional,
			Clone:         cp.Clone,
		}
		for _, dep := range cp.DependsOn {
			p.DependsOn = append(p.DependsOn, snapshot.Collection(dep))
		}
		t.policies[c] = p
	}

	if err := t.validate(); err != nil {
		return nil, err
	}
	order, err := topoOrder(t.policies)
	if err != nil {
		return nil, err
	}
	t.order = order
	return t, nil
}

func (t *Table) validate() error {
	names := t.names()
	for _, c := range names {
		p := t.policies[c]
		if p.Scope == ScopeParent && !slices.Contains(p.DependsOn, p.Parent) {
			return &PolicyError{Collection: string(c), Message: fmt.Sprintf("parent %q must be a dependency", p.Parent)}
		}
		if p.Strategy == NaturalKeyGlobalWithClone && p.Clone == nil {
			return &PolicyError{Collection: string(c), Message: "clone strategy requires a clone policy"}
		}
		if p.Strategy == NaturalKeyGlobalWithClone && len(p.Key) != 1 {
			return &PolicyError{Collection: string(c), Message: "clone strategy requires a single key field"}
		}
		for _, dep := range p.DependsOn {
			dp, ok := t.policies[dep]
			if !ok {
				return &PolicyError{Collection: string(c), Message: fmt.Sprintf("depends on undeclared collection %q", dep)}
			}
			if dp.Tier > p.Tier {
				return &PolicyError{Collection: string(c), Message: fmt.Sprintf("depends on %q of a later tier (%d > %d)", dep, dp.Tier, p.Tier)}
			}
		}
	}
	return nil
}

var loadDefault = sync.OnceValues(func() (*Table, error) {
	return Load(policySource)
})

// Default returns the built-in policy table. It panics if the embedded
// declaration is invalid, which the package tests rule out.
func Default() *Table {
	t, err := loadDefault()
	if err != nil {
		panic(fmt.Sprintf("identity: embedded policy: %v", err))
	}
	return t
}

// Policy returns the policy of a collection.
func (t *Table) Policy(c snapshot.Collection) (*Policy, bool) {
	p, ok := t.policies[c]
	return p, ok
}

// Order returns collections in merge order: every collection after all of its
// dependencies, ties broken by tier then name.
func (t *Table) Order() []snapshot.Collection {
	return slices.Clone(t.order)
}

// Transactional reports whether a collection is filtered by the export's
// since boundary. Unknown collections are treated as reference data.
func (t *Table) Transactional(c snapshot.Collection) bool {
	p, ok := t.policies[c]
	return ok && p.Transactional
}

func (t *Table) names() []snapshot.Collection {
	out := make([]snapshot.Collection, 0, len(t.policies))
	for c := range t.policies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &PolicyError{Message: first.Error(), Pos: positions[0]}
	}
	return err
}
