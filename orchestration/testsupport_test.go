package orchestration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexhq/flex/core"
	"github.com/flexhq/flex/facet"
	"github.com/flexhq/flex/registry"
)

// fakeAIClient replays scripted responses and records every prompt.
type fakeAIClient struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	options   []*core.AIOptions
	err       error
}

func (f *fakeAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.options = append(f.options, options)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("fake ai client: no scripted response left")
	}
	content := f.responses[0]
	f.responses = f.responses[1:]
	return &core.AIResponse{Content: content, Model: "fake"}, nil
}

func (f *fakeAIClient) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []FlexEvent
}

func (r *eventRecorder) sink() EventSink {
	return func(event FlexEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
	}
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, e := range r.events {
		types[i] = e.Type
	}
	return types
}

func (r *eventRecorder) byType(eventType string) []FlexEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []FlexEvent
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// newTestRegistry builds an in-memory registry pre-loaded with the standard
// test capabilities: a brief analyst, a copywriter, and a human reviewer.
func newTestRegistry(t *testing.T, catalog *facet.Catalog) *registry.Service {
	t.Helper()
	service := registry.NewService(registry.NewMemoryStore(), catalog)
	ctx := context.Background()

	_, err := service.Register(ctx, &registry.Registration{
		CapabilityID: "brief-analyst",
		DisplayName:  "Brief Analyst",
		AgentType:    registry.AgentTypeAI,
		InputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"objectiveBrief"},
		},
		OutputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"writerBrief"},
		},
	})
	require.NoError(t, err)

	_, err = service.Register(ctx, &registry.Registration{
		CapabilityID: "copywriter",
		DisplayName:  "Copywriter",
		AgentType:    registry.AgentTypeAI,
		InputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"writerBrief"},
		},
		OutputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"copyVariants"},
		},
	})
	require.NoError(t, err)

	_, err = service.Register(ctx, &registry.Registration{
		CapabilityID: "human-reviewer",
		DisplayName:  "Human Reviewer",
		AgentType:    registry.AgentTypeHuman,
		InputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"copyVariants"},
		},
		OutputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"feedback"},
		},
		AssignmentDefaults: &registry.AssignmentDefaults{Role: "reviewer"},
	})
	require.NoError(t, err)

	return service
}

// compiledNode builds an execution plan node with compiled contracts.
func compiledNode(t *testing.T, catalog *facet.Catalog, id, capabilityID string, inputFacets, outputFacets []string) *PlanNode {
	t.Helper()
	compiled, err := facet.CompileContracts(catalog, inputFacets, outputFacets)
	require.NoError(t, err)

	node := &PlanNode{
		ID:           id,
		Kind:         NodeKindExecution,
		CapabilityID: capabilityID,
		Facets:       NodeFacets{Input: inputFacets, Output: outputFacets},
		Bundle:       NodeBundle{NodeID: id},
	}
	node.Contracts.Input = compiled.Input
	node.Contracts.Output = compiled.Output
	if compiled.Input != nil {
		node.Provenance.Input = compiled.Input.Provenance
	}
	if compiled.Output != nil {
		node.Provenance.Output = compiled.Output.Provenance
	}
	return node
}

func testEnvelope() *TaskEnvelope {
	return &TaskEnvelope{
		Objective: "Write launch copy for the new product",
		Inputs: map[string]interface{}{
			"objectiveBrief": "Announce the fall release to existing customers",
		},
		OutputContract: &facet.Contract{
			Mode:   facet.ModeFacets,
			Facets: []string{"copyVariants"},
		},
	}
}
