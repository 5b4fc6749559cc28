package skillengine

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/devflow/core/internal/errs"
)

// ParseSkill decodes raw YAML bytes into a Skill and validates it: a name
// and at least one step, unique step ids, the fields each step kind needs,
// known depends_on targets, named inputs, and a known root name (step id,
// input, loop variable or builtin) for every template reference. Template
// expressions themselves are evaluated only at run time.
func ParseSkill(data []byte) (*Skill, error) {
	var s Skill
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, errs.Wrap(errs.KindParse, "parse skill YAML", err)
	}
	if err := validateSkill(&s); err != nil {
		return nil, err
	}
	// Skill-level confirmations bind to step ids; fold them onto their
	// steps so the engine has a single confirmation source.
	for i := range s.Steps {
		if s.Steps[i].Confirm != nil {
			continue
		}
		if spec, ok := s.Confirmations[s.Steps[i].ID]; ok {
			confirm := spec
			s.Steps[i].Confirm = &confirm
		}
	}
	return &s, nil
}

// LoadSkill reads and parses a skill from disk. Skills are re-read on
// every invocation.
func LoadSkill(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindNotFound, fmt.Sprintf("read skill %s", path), err)
	}
	return ParseSkill(data)
}

var referencePattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)`)

func validateSkill(s *Skill) error {
	if s.Name == "" {
		return errs.New(errs.KindValidation, "skill name is required")
	}
	if len(s.Steps) == 0 {
		return errs.New(errs.KindValidation, "skill must declare at least one step")
	}

	seen := make(map[string]bool, len(s.Steps))
	for _, step := range s.Steps {
		if step.ID == "" {
			return errs.New(errs.KindValidation, "every step requires an id")
		}
		if seen[step.ID] {
			return errs.New(errs.KindValidation, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true

		switch step.Kind {
		case StepKindTool:
			if step.Tool == "" {
				return errs.New(errs.KindValidation, fmt.Sprintf("step %q: tool steps require tool", step.ID))
			}
		case StepKindCompute:
			if step.Code == "" {
				return errs.New(errs.KindValidation, fmt.Sprintf("step %q: compute steps require code", step.ID))
			}
		case StepKindLoop:
			if step.Loop == "" || step.LoopVar == "" {
				return errs.New(errs.KindValidation, fmt.Sprintf("step %q: loop steps require loop and loop_var", step.ID))
			}
		default:
			return errs.New(errs.KindValidation, fmt.Sprintf("step %q: unknown kind %q", step.ID, step.Kind))
		}
	}

	// depends_on may forward-reference, so it is checked after every id is known.
	for _, step := range s.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return errs.New(errs.KindValidation, fmt.Sprintf("step %q depends_on unknown step %q", step.ID, dep))
			}
		}
	}

	inputNames := make(map[string]bool, len(s.Inputs))
	for _, in := range s.Inputs {
		if in.Name == "" {
			return errs.New(errs.KindValidation, "every input requires a name")
		}
		inputNames[in.Name] = true
	}

	knownNames := map[string]bool{
		"inputs": true, "config": true, "bindings": true, "session": true,
		// expression literals and builtins
		"true": true, "false": true, "null": true, "undefined": true,
		"len": true, "str": true, "includes": true,
	}
	for _, step := range s.Steps {
		knownNames[step.ID] = true
		knownNames[step.ID+"_confirmation"] = true
		if step.OutputBinding != "" {
			knownNames[step.OutputBinding] = true
		}
		if step.LoopVar != "" {
			knownNames[step.LoopVar] = true
		}
	}
	for name := range inputNames {
		knownNames[name] = true
	}

	for _, step := range s.Steps {
		for _, text := range templateTexts(step) {
			for _, m := range referencePattern.FindAllStringSubmatch(text, -1) {
				root := rootName(m[1])
				if !knownNames[root] {
					return errs.New(errs.KindValidation, fmt.Sprintf("step %q references unknown name %q", step.ID, root))
				}
			}
		}
	}

	return nil
}

func rootName(dotted string) string {
	for i, r := range dotted {
		if r == '.' {
			return dotted[:i]
		}
	}
	return dotted
}

func templateTexts(step Step) []string {
	var out []string
	if step.Condition != "" {
		out = append(out, "{{ "+step.Condition+" }}")
	}
	for _, v := range step.Args {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if step.Code != "" {
		out = append(out, "{{ "+step.Code+" }}")
	}
	if step.Loop != "" {
		out = append(out, "{{ "+step.Loop+" }}")
	}
	return out
}
