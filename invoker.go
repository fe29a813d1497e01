package saga

import (
	"context"
	"fmt"
)

// ParamSource names where a declared handler argument is resolved from.
type ParamSource int

const (
	// SourceInput resolves to the payload the saga was started with.
	SourceInput ParamSource = iota
	// SourceStepResult resolves to the forward result of the step named
	// by the param key.
	SourceStepResult
	// SourceHeader resolves to the execution header named by the key.
	SourceHeader
	// SourceVariable resolves to the shared variable named by the key.
	SourceVariable
	// SourceCompensationError resolves to the error that failed the saga.
	// Only meaningful in compensation params.
	SourceCompensationError
)

func (s ParamSource) String() string {
	switch s {
	case SourceInput:
		return "input"
	case SourceStepResult:
		return "step_result"
	case SourceHeader:
		return "header"
	case SourceVariable:
		return "variable"
	case SourceCompensationError:
		return "compensation_error"
	default:
		return "unknown"
	}
}

// ParamSpec declares one argument a handler receives: its name, the source
// it is resolved from, and the key within that source where one applies.
type ParamSpec struct {
	Name   string
	Source ParamSource
	Key    string
}

// Arg is one resolved argument.
type Arg struct {
	Name  string
	Value any
}

// Args is the resolved argument list handed to a handler, addressable by
// position or by name.
type Args struct {
	ordered []Arg
	byName  map[string]any
}

func (a Args) Len() int { return len(a.ordered) }

// At returns the argument at position i.
func (a Args) At(i int) Arg { return a.ordered[i] }

// Get returns the value of the named argument, or nil when absent.
func (a Args) Get(name string) any { return a.byName[name] }

// StepFunc is a forward step handler.
type StepFunc func(ctx context.Context, sc *SagaContext, args Args) (any, error)

// CompensationFunc undoes a completed step.
type CompensationFunc func(ctx context.Context, sc *SagaContext, args Args) (any, error)

// StepInvoker runs step handlers and compensations. The engine calls it
// for every attempt; implementations decide how and where the handler
// actually runs.
type StepInvoker interface {
	InvokeStep(ctx context.Context, step *StepDefinition, owner any, sc *SagaContext, input any) (any, error)
	InvokeCompensation(ctx context.Context, step *StepDefinition, owner any, sc *SagaContext) (any, error)
}

// ArgResolver turns declared param specs into concrete argument values.
type ArgResolver interface {
	Resolve(params []ParamSpec, sc *SagaContext) (Args, error)
}

// ContextResolver resolves params from the saga context: input, step
// results, headers, variables, and the failure cause. Missing values
// resolve to nil so handlers can treat them as optional.
type ContextResolver struct{}

func (ContextResolver) Resolve(params []ParamSpec, sc *SagaContext) (Args, error) {
	args := Args{byName: make(map[string]any, len(params))}
	for _, p := range params {
		var value any
		switch p.Source {
		case SourceInput:
			value = sc.Input()
		case SourceStepResult:
			value, _ = sc.Result(p.Key)
		case SourceHeader:
			if v, ok := sc.Header(p.Key); ok {
				value = v
			}
		case SourceVariable:
			value, _ = sc.Variable(p.Key)
		case SourceCompensationError:
			if err := sc.FailureCause(); err != nil {
				value = err
			}
		default:
			return Args{}, fmt.Errorf("%w: param %q has unknown source %d", ErrValidation, p.Name, p.Source)
		}
		args.ordered = append(args.ordered, Arg{Name: p.Name, Value: value})
		args.byName[p.Name] = value
	}
	return args, nil
}

// FuncInvoker runs handlers in-process as plain function calls.
type FuncInvoker struct {
	Resolver ArgResolver
}

func NewFuncInvoker() *FuncInvoker {
	return &FuncInvoker{Resolver: ContextResolver{}}
}

func (f *FuncInvoker) InvokeStep(ctx context.Context, step *StepDefinition, owner any, sc *SagaContext, input any) (any, error) {
	if step.handler == nil {
		return nil, fmt.Errorf("%w: step %q has no handler", ErrStepExecution, step.ID())
	}
	args, err := f.resolve(step.Params(), sc)
	if err != nil {
		return nil, err
	}
	return step.handler(ctx, sc, args)
}

func (f *FuncInvoker) InvokeCompensation(ctx context.Context, step *StepDefinition, owner any, sc *SagaContext) (any, error) {
	if step.compensation == nil {
		return nil, fmt.Errorf("%w: step %q has no compensation", ErrCompensation, step.ID())
	}
	args, err := f.resolve(step.CompensationParams(), sc)
	if err != nil {
		return nil, err
	}
	return step.compensation(ctx, sc, args)
}

func (f *FuncInvoker) resolve(params []ParamSpec, sc *SagaContext) (Args, error) {
	resolver := f.Resolver
	if resolver == nil {
		resolver = ContextResolver{}
	}
	return resolver.Resolve(params, sc)
}

var _ StepInvoker = (*FuncInvoker)(nil)
var _ ArgResolver = ContextResolver{}
