// Package source builds the configured upstream event sources.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"ex-kagami/pkg/kagami"
)

// Definition describes one configured source entry.
type Definition struct {
	// Name is the stable configured source instance identifier.
	Name string
	// Type identifies which builder should construct this runtime.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores source-type-specific JSON payload.
	Config []byte
}

// Injector accepts raw envelopes for in-process delivery.
type Injector interface {
	// Inject queues one raw envelope for the source to consume.
	Inject(ctx context.Context, raw []byte) error
}

// Runtime contains one fully built source runtime instance.
type Runtime struct {
	// Name is the configured instance name.
	Name string
	// Source is the inbound runtime registered with the kernel.
	Source kagami.Source
	// Injector feeds raw envelopes into Source when the transport is in-process.
	Injector Injector
}

// BuilderFunc builds one runtime from one configured source definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor binds one source type token to its runtime builder.
type Descriptor struct {
	// Type is the source type token from configuration (for example "gochannel").
	Type string
	// Builder constructs one runtime instance for this source type.
	Builder BuilderFunc
}

// Registry maps source types to runtime builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable source registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		builders: builders,
		types:    types,
	}, nil
}

// Types returns all registered source types in deterministic sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// Supports reports whether sourceType has a registered builder.
func (r *Registry) Supports(sourceType string) bool {
	if r == nil {
		return false
	}
	_, exists := r.builders[sourceType]

	return exists
}

// BuildEnabled builds all enabled source definitions.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	logger *slog.Logger,
) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build sources: nil registry")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runtimes := make([]Runtime, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build source: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build source %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Type == "" {
			return nil, fmt.Errorf("build source %s: empty type", definition.Name)
		}

		builder, exists := r.builders[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build source %s type %s: unsupported type", definition.Name, definition.Type)
		}

		runtime, err := builder(ctx, definition, logger.With("source", definition.Name))
		if err != nil {
			return nil, fmt.Errorf("build source %s type %s: %w", definition.Name, definition.Type, err)
		}
		if runtime.Source == nil {
			return nil, fmt.Errorf("build source %s type %s: nil source", definition.Name, definition.Type)
		}
		if runtime.Name == "" {
			runtime.Name = definition.Name
		}

		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

// Injectors returns the in-process injectors of runtimes keyed by name.
func Injectors(runtimes []Runtime) map[string]Injector {
	injectors := make(map[string]Injector)
	for _, runtime := range runtimes {
		if runtime.Injector == nil {
			continue
		}
		injectors[runtime.Name] = runtime.Injector
	}

	return injectors
}
