package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/failcore/failcore/pkg/contracts"
)

// Contract checks params (pre-execution) and results (post-execution)
// against per-tool JSON Schemas. Both phases return ordinary decisions;
// there is no separate rejection channel.
type Contract struct {
	params  map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
}

func NewContract() *Contract {
	return &Contract{
		params:  map[string]*jsonschema.Schema{},
		outputs: map[string]*jsonschema.Schema{},
	}
}

// AddTool registers the params schema (and optionally an output schema)
// for a tool. Empty schema strings clear the registration.
func (c *Contract) AddTool(tool, paramsSchema, outputSchema string) error {
	if err := c.compileInto(c.params, tool, "params", paramsSchema); err != nil {
		return err
	}
	return c.compileInto(c.outputs, tool, "output", outputSchema)
}

func (c *Contract) compileInto(dst map[string]*jsonschema.Schema, tool, phase, schema string) error {
	if schema == "" {
		delete(dst, tool)
		return nil
	}
	comp := jsonschema.NewCompiler()
	comp.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://failcore.schemas.local/contracts/%s.%s.schema.json", tool, phase)
	if err := comp.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("contract: load %s schema for %s: %w", phase, tool, err)
	}
	compiled, err := comp.Compile(url)
	if err != nil {
		return fmt.Errorf("contract: compile %s schema for %s: %w", phase, tool, err)
	}
	dst[tool] = compiled
	return nil
}

func (c *Contract) ID() string               { return "contract" }
func (c *Contract) Domain() contracts.Domain { return contracts.DomainContract }

func (c *Contract) Evaluate(_ context.Context, call *contracts.ContextV1) ([]contracts.Decision, error) {
	var out []contracts.Decision

	if schema, ok := c.params[call.Tool]; ok {
		if err := schema.Validate(anyMap(call.Params)); err != nil {
			d := block(c.ID(), contracts.DomainContract, contracts.CodeInvalidArgument,
				contracts.RiskMedium,
				fmt.Sprintf("params of %s violate the tool contract", call.Tool))
			d.Evidence = map[string]any{"phase": "pre", "violation": err.Error()}
			d.Remediation = &contracts.Remediation{
				Template: "Adjust params to satisfy the {{tool}} schema: {{violation}}",
				Vars:     map[string]string{"tool": call.Tool, "violation": err.Error()},
			}
			out = append(out, d)
		}
	}

	if schema, ok := c.outputs[call.Tool]; ok && call.Result != nil {
		if err := schema.Validate(call.Result); err != nil {
			d := warn(c.ID(), contracts.DomainContract, contracts.CodePreconditionFailed,
				contracts.RiskLow,
				fmt.Sprintf("output of %s violates the tool contract", call.Tool))
			d.Evidence = map[string]any{"phase": "post", "violation": err.Error()}
			out = append(out, d)
		}
	}
	return out, nil
}

// anyMap widens for the schema library, which validates any.
func anyMap(m map[string]any) any { return m }
