package saga

import (
	"sort"
	"time"

	"github.com/steadway/saga/set"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Defaults applied by the retry-with-backoff compensation policy when a
// step carries no overrides.
const (
	DefaultCompensationRetries = 3
	DefaultCompensationBackoff = 1000 * time.Millisecond
)

// AffinityCPUBound marks a step whose handler should be handed to an
// external worker pool by the invoker. The engine treats it as a hint only.
const AffinityCPUBound = "cpu_bound"

// StepSpec describes one step while a definition is being built. The zero
// value of every optional field is a valid default.
type StepSpec struct {
	// ID uniquely names the step within its saga.
	ID string

	// Handler performs the forward action.
	Handler StepFunc

	// Compensation undoes Handler when a later step fails. Steps without
	// one are skipped during rollback.
	Compensation CompensationFunc

	// DependsOn lists ids of steps that must reach done before this one
	// starts.
	DependsOn []string

	// Retries is the number of re-attempts after the first failure.
	Retries int

	// Backoff is the base delay before the second attempt. It doubles with
	// each further attempt.
	Backoff time.Duration

	// Timeout bounds each individual attempt. Zero means unbounded.
	Timeout time.Duration

	// Jitter randomizes each backoff delay uniformly within
	// delay*(1±JitterFactor).
	Jitter       bool
	JitterFactor float64

	// Affinity hints where the invoker should run the handler.
	Affinity string

	// Critical marks a step whose compensation failure must propagate even
	// under absorbing policies.
	Critical bool

	// Params and CompensationParams declare the resolved arguments handed
	// to the handler and the compensation.
	Params             []ParamSpec
	CompensationParams []ParamSpec

	// CompensationRetries caps compensation attempts under the
	// retry-with-backoff policy; nil selects DefaultCompensationRetries.
	CompensationRetries *int

	// CompensationBackoff is the base delay between compensation attempts;
	// nil selects DefaultCompensationBackoff.
	CompensationBackoff *time.Duration

	// CompensationTimeout bounds each compensation call under every policy;
	// nil leaves compensation unbounded.
	CompensationTimeout *time.Duration
}

// StepDefinition is the immutable built form of a StepSpec.
type StepDefinition struct {
	id           string
	handler      StepFunc
	compensation CompensationFunc
	dependsOn    []string
	retries      int
	backoff      time.Duration
	timeout      time.Duration
	jitter       bool
	jitterFactor float64
	affinity     string
	critical     bool
	params       []ParamSpec
	compParams   []ParamSpec
	compRetries  *int
	compBackoff  *time.Duration
	compTimeout  *time.Duration
}

func (s *StepDefinition) ID() string { return s.id }

func (s *StepDefinition) DependsOn() []string {
	return append([]string(nil), s.dependsOn...)
}

func (s *StepDefinition) HasCompensation() bool { return s.compensation != nil }

func (s *StepDefinition) Retries() int { return s.retries }

func (s *StepDefinition) Backoff() time.Duration { return s.backoff }

func (s *StepDefinition) Timeout() time.Duration { return s.timeout }

func (s *StepDefinition) JitterEnabled() bool { return s.jitter }

func (s *StepDefinition) JitterFactor() float64 { return s.jitterFactor }

func (s *StepDefinition) Affinity() string { return s.affinity }

func (s *StepDefinition) Critical() bool { return s.critical }

func (s *StepDefinition) Params() []ParamSpec {
	return append([]ParamSpec(nil), s.params...)
}

func (s *StepDefinition) CompensationParams() []ParamSpec {
	return append([]ParamSpec(nil), s.compParams...)
}

func (s *StepDefinition) compensationRetries() int {
	if s.compRetries != nil {
		return *s.compRetries
	}
	return DefaultCompensationRetries
}

func (s *StepDefinition) compensationBackoff() time.Duration {
	if s.compBackoff != nil {
		return *s.compBackoff
	}
	return DefaultCompensationBackoff
}

func (s *StepDefinition) compensationTimeout() time.Duration {
	if s.compTimeout != nil {
		return *s.compTimeout
	}
	return 0
}

// Definition is an immutable saga graph: named steps, their dependencies,
// the owning handler reference, and the precomputed topology layers. Build
// one with a Builder and register it before executing.
type Definition struct {
	name             string
	steps            map[string]*StepDefinition
	order            []string
	owner            any
	layerConcurrency int
	layers           [][]string
}

func (d *Definition) Name() string { return d.name }

// Owner returns the handler reference the saga was declared on. The engine
// passes it through to the StepInvoker untouched.
func (d *Definition) Owner() any { return d.owner }

// LayerConcurrency is the cap on simultaneously running steps within one
// topology layer. Zero means unlimited.
func (d *Definition) LayerConcurrency() int { return d.layerConcurrency }

// Step returns the definition of one step by id.
func (d *Definition) Step(id string) (*StepDefinition, bool) {
	step, ok := d.steps[id]
	return step, ok
}

// StepIDs returns all step ids in declaration order.
func (d *Definition) StepIDs() []string {
	return append([]string(nil), d.order...)
}

// Layers returns the topology layers: layer 0 holds steps with no
// dependencies, layer k steps whose dependencies all lie in layers < k.
func (d *Definition) Layers() [][]string {
	layers := make([][]string, len(d.layers))
	for i, layer := range d.layers {
		layers[i] = append([]string(nil), layer...)
	}
	return layers
}

// dependencyMap returns a fresh step id -> dependency ids map.
func (d *Definition) dependencyMap() map[string][]string {
	deps := make(map[string][]string, len(d.steps))
	for id, step := range d.steps {
		deps[id] = append([]string(nil), step.dependsOn...)
	}
	return deps
}

// Builder assembles and validates a Definition. All validation happens in
// Build so specs can be added in any order.
type Builder struct {
	name             string
	owner            any
	layerConcurrency int
	specs            []StepSpec
}

// NewBuilder starts a definition for the named saga.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Owner records the handler reference the saga belongs to.
func (b *Builder) Owner(owner any) *Builder {
	b.owner = owner
	return b
}

// LayerConcurrency caps simultaneously running steps per topology layer.
// Zero (the default) means unlimited.
func (b *Builder) LayerConcurrency(n int) *Builder {
	b.layerConcurrency = n
	return b
}

// AddStep appends one step spec.
func (b *Builder) AddStep(spec StepSpec) *Builder {
	b.specs = append(b.specs, spec)
	return b
}

// Build validates the accumulated specs and returns the immutable
// definition: non-empty saga, unique ids, handlers present, dependencies
// that exist, and an acyclic graph.
func (b *Builder) Build() (*Definition, error) {
	if b.name == "" {
		return nil, newValidationError(b.name, "saga name must not be empty")
	}
	if len(b.specs) == 0 {
		return nil, newValidationError(b.name, "saga has no steps")
	}
	if b.layerConcurrency < 0 {
		return nil, newValidationError(b.name, "layer concurrency must not be negative")
	}

	steps := make(map[string]*StepDefinition, len(b.specs))
	order := make([]string, 0, len(b.specs))
	ids := &set.Set[string]{}

	for _, spec := range b.specs {
		if spec.ID == "" {
			return nil, newValidationError(b.name, "step id must not be empty")
		}
		if ids.Contains(spec.ID) {
			return nil, newValidationError(b.name, "duplicate step id %q", spec.ID)
		}
		if spec.Handler == nil {
			return nil, newValidationError(b.name, "step %q has no handler", spec.ID)
		}
		if spec.Retries < 0 {
			return nil, newValidationError(b.name, "step %q: retries must not be negative", spec.ID)
		}
		if spec.Backoff < 0 || spec.Timeout < 0 {
			return nil, newValidationError(b.name, "step %q: backoff and timeout must not be negative", spec.ID)
		}
		if spec.JitterFactor < 0 || spec.JitterFactor >= 1 {
			return nil, newValidationError(b.name, "step %q: jitter factor must be in [0,1)", spec.ID)
		}
		if spec.CompensationRetries != nil && *spec.CompensationRetries < 1 {
			return nil, newValidationError(b.name, "step %q: compensation retries must be at least 1", spec.ID)
		}
		if spec.CompensationBackoff != nil && *spec.CompensationBackoff < 0 {
			return nil, newValidationError(b.name, "step %q: compensation backoff must not be negative", spec.ID)
		}
		if spec.CompensationTimeout != nil && *spec.CompensationTimeout < 0 {
			return nil, newValidationError(b.name, "step %q: compensation timeout must not be negative", spec.ID)
		}

		ids.Insert(spec.ID)
		order = append(order, spec.ID)
		steps[spec.ID] = newStepDefinition(spec)
	}

	for _, id := range order {
		for _, dep := range steps[id].dependsOn {
			if dep == id {
				return nil, newValidationError(b.name, "step %q depends on itself", id)
			}
			if !ids.Contains(dep) {
				return nil, newValidationError(b.name, "step %q depends on unknown step %q", id, dep)
			}
		}
	}

	if err := checkAcyclic(b.name, steps, order); err != nil {
		return nil, err
	}

	layers, err := layerSteps(b.name, steps, order)
	if err != nil {
		return nil, err
	}

	return &Definition{
		name:             b.name,
		steps:            steps,
		order:            order,
		owner:            b.owner,
		layerConcurrency: b.layerConcurrency,
		layers:           layers,
	}, nil
}

func newStepDefinition(spec StepSpec) *StepDefinition {
	return &StepDefinition{
		id:           spec.ID,
		handler:      spec.Handler,
		compensation: spec.Compensation,
		dependsOn:    append([]string(nil), spec.DependsOn...),
		retries:      spec.Retries,
		backoff:      spec.Backoff,
		timeout:      spec.Timeout,
		jitter:       spec.Jitter,
		jitterFactor: spec.JitterFactor,
		affinity:     spec.Affinity,
		critical:     spec.Critical,
		params:       append([]ParamSpec(nil), spec.Params...),
		compParams:   append([]ParamSpec(nil), spec.CompensationParams...),
		compRetries:  spec.CompensationRetries,
		compBackoff:  spec.CompensationBackoff,
		compTimeout:  spec.CompensationTimeout,
	}
}

// checkAcyclic validates the dependency graph with a stabilized topological
// sort over a gonum directed graph. Node ids are declaration indexes, so
// tie-breaking on id keeps the check deterministic.
func checkAcyclic(name string, steps map[string]*StepDefinition, order []string) error {
	g := simple.NewDirectedGraph()
	index := make(map[string]int64, len(order))
	for i, id := range order {
		index[id] = int64(i)
		g.AddNode(simple.Node(int64(i)))
	}
	for _, id := range order {
		for _, dep := range steps[id].dependsOn {
			g.SetEdge(simple.Edge{F: simple.Node(index[dep]), T: simple.Node(index[id])})
		}
	}

	_, err := topo.SortStabilized(g, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool {
			return nodes[i].ID() < nodes[j].ID()
		})
	})
	if err != nil {
		return newValidationError(name, "dependency cycle detected: %v", err)
	}
	return nil
}

// layerSteps groups steps into dependency levels: a step joins the first
// level in which all of its dependencies are already assigned. Levels keep
// declaration order, which makes layering deterministic.
func layerSteps(name string, steps map[string]*StepDefinition, order []string) ([][]string, error) {
	assigned := make(map[string]bool, len(order))
	var layers [][]string

	for len(assigned) < len(order) {
		var level []string
		for _, id := range order {
			if assigned[id] {
				continue
			}
			ready := true
			for _, dep := range steps[id].dependsOn {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			return nil, newValidationError(name, "dependency cycle detected or unable to make progress")
		}
		for _, id := range level {
			assigned[id] = true
		}
		layers = append(layers, level)
	}

	return layers, nil
}
