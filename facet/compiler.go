package facet

import (
	"fmt"
	"sort"
)

// Contract modes. A facet contract lists facet names and is compiled into a
// JSON-Schema contract at registration or planning time; a json_schema
// contract carries the schema directly.
const (
	ModeFacets     = "facets"
	ModeJSONSchema = "json_schema"
)

// Contract is the tagged contract variant used throughout the system for
// capability and envelope input/output declarations.
type Contract struct {
	Mode       string                 `json:"mode"`
	Facets     []string               `json:"facets,omitempty"`
	Schema     map[string]interface{} `json:"schema,omitempty"`
	Hints      map[string]interface{} `json:"hints,omitempty"`
	Provenance []ProvenanceEntry      `json:"provenance,omitempty"`
}

// ProvenanceEntry records which facet contributed a property to a compiled
// contract, and where that facet lands in the composed output.
type ProvenanceEntry struct {
	Title     string    `json:"title"`
	Direction Direction `json:"direction"`
	Facet     string    `json:"facet"`
	Pointer   string    `json:"pointer"`
}

// CompiledContracts is the result of compiling a capability's facet lists.
type CompiledContracts struct {
	Input  *Contract
	Output *Contract
}

// IsFacets reports whether the contract is in facet mode.
func (c *Contract) IsFacets() bool {
	return c != nil && c.Mode == ModeFacets
}

// IsJSONSchema reports whether the contract carries a compiled schema.
func (c *Contract) IsJSONSchema() bool {
	return c != nil && c.Mode == ModeJSONSchema
}

// DeclaredFacets returns the facet names a contract references: the facet
// list in facet mode, or the top-level schema properties in json_schema
// mode. Used when composing the final output.
func (c *Contract) DeclaredFacets() []string {
	if c == nil {
		return nil
	}
	if c.Mode == ModeFacets {
		return append([]string(nil), c.Facets...)
	}
	props, ok := c.Schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompileContracts compiles input and output facet lists into JSON-Schema
// contracts with provenance. A nil or empty list yields a nil contract on
// that side. Compilation is purely functional over the catalog: unknown
// facets fail with unknown_facet and direction mismatches with
// directionality_error, each naming the offending facet.
func CompileContracts(catalog *Catalog, inputFacets, outputFacets []string) (*CompiledContracts, error) {
	if catalog == nil {
		return nil, fmt.Errorf("facet catalog is required")
	}

	compiled := &CompiledContracts{}

	if len(inputFacets) > 0 {
		contract, err := compileSide(catalog, inputFacets, DirectionInput)
		if err != nil {
			return nil, err
		}
		compiled.Input = contract
	}

	if len(outputFacets) > 0 {
		contract, err := compileSide(catalog, outputFacets, DirectionOutput)
		if err != nil {
			return nil, err
		}
		compiled.Output = contract
	}

	return compiled, nil
}

func compileSide(catalog *Catalog, names []string, requested Direction) (*Contract, error) {
	properties := make(map[string]interface{}, len(names))
	required := make([]interface{}, 0, len(names))
	provenance := make([]ProvenanceEntry, 0, len(names))
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		def, ok := catalog.Get(name)
		if !ok {
			return nil, &ContractError{Code: CodeUnknownFacet, Facet: name}
		}
		if def.Direction != DirectionBoth && def.Direction != requested {
			return nil, &ContractError{
				Code:      CodeDirectionality,
				Facet:     name,
				Requested: requested,
				Declared:  def.Direction,
			}
		}

		properties[name] = def.Schema
		required = append(required, name)
		provenance = append(provenance, ProvenanceEntry{
			Title:     def.Title,
			Direction: requested,
			Facet:     name,
			Pointer:   def.Pointer,
		})
	}

	return &Contract{
		Mode: ModeJSONSchema,
		Schema: map[string]interface{}{
			"type":                 "object",
			"properties":           properties,
			"required":             required,
			"additionalProperties": true,
		},
		Facets:     orderedNames(provenance),
		Provenance: provenance,
	}, nil
}

func orderedNames(provenance []ProvenanceEntry) []string {
	names := make([]string, len(provenance))
	for i, p := range provenance {
		names[i] = p.Facet
	}
	return names
}

// CompileOutputContract resolves a contract for validation: facet-mode
// contracts are compiled against the catalog, json_schema contracts pass
// through unchanged.
func CompileOutputContract(catalog *Catalog, contract *Contract) (*Contract, error) {
	if contract == nil {
		return nil, nil
	}
	if contract.Mode != ModeFacets {
		return contract, nil
	}
	compiled, err := CompileContracts(catalog, nil, contract.Facets)
	if err != nil {
		return nil, err
	}
	return compiled.Output, nil
}

// CompileInputContract is the input-side counterpart of
// CompileOutputContract.
func CompileInputContract(catalog *Catalog, contract *Contract) (*Contract, error) {
	if contract == nil {
		return nil, nil
	}
	if contract.Mode != ModeFacets {
		return contract, nil
	}
	compiled, err := CompileContracts(catalog, contract.Facets, nil)
	if err != nil {
		return nil, err
	}
	return compiled.Input, nil
}
