package acquisition

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"ctsim/pkg/simerr"
)

var stepFactories = map[string]func() PrepareStep{
	TypeTubularGantry:      func() PrepareStep { return &TubularGantryParam{} },
	TypeCarmGantry:         func() PrepareStep { return &CarmGantryParam{} },
	TypeGenericGantry:      func() PrepareStep { return &GenericGantryParam{} },
	TypeGantryDisplacement: func() PrepareStep { return &GantryDisplacementParam{} },
	TypeGenericDetector:    func() PrepareStep { return &GenericDetectorParam{} },
	TypeSource:             func() PrepareStep { return &SourceParam{} },
	TypeXrayTube:           func() PrepareStep { return &XrayTubeParam{} },
}

// stepNode encodes step as a mapping whose first key is its type.
func stepNode(step PrepareStep) (*yaml.Node, error) {
	var n yaml.Node
	if err := n.Encode(step); err != nil {
		return nil, fmt.Errorf("encoding %s step: %w", step.Type(), err)
	}
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("encoding %s step: not a mapping", step.Type())
	}
	typeKey := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "type"}
	typeVal := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: step.Type()}
	n.Content = append([]*yaml.Node{typeKey, typeVal}, n.Content...)
	return &n, nil
}

func stepFromNode(n *yaml.Node) (PrepareStep, error) {
	var head struct {
		Type string `yaml:"type"`
	}
	if err := n.Decode(&head); err != nil {
		return nil, fmt.Errorf("error parsing prepare step: %w", err)
	}
	factory, ok := stepFactories[head.Type]
	if !ok {
		return nil, simerr.New(simerr.Configuration, "decode prepare step", "unknown step type %q", head.Type)
	}
	step := factory()
	if err := n.Decode(step); err != nil {
		return nil, fmt.Errorf("error parsing %s step: %w", head.Type, err)
	}
	return step, nil
}

// MarshalStep encodes a step as a YAML mapping with a type key and one key
// per present field.
func MarshalStep(step PrepareStep) ([]byte, error) {
	n, err := stepNode(step)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(n)
}

// UnmarshalStep decodes a document written by MarshalStep.
func UnmarshalStep(data []byte) (PrepareStep, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing prepare step: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, simerr.New(simerr.Configuration, "decode prepare step", "empty document")
	}
	return stepFromNode(doc.Content[0])
}

// MarshalViews encodes the steps of every view of setup as a YAML sequence
// of sequences.
func MarshalViews(setup *Setup) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.SequenceNode}
	for v := 0; v < setup.NbViews(); v++ {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, step := range setup.PrepareSteps(v) {
			n, err := stepNode(step)
			if err != nil {
				return nil, fmt.Errorf("view %d: %w", v, err)
			}
			seq.Content = append(seq.Content, n)
		}
		root.Content = append(root.Content, seq)
	}
	return yaml.Marshal(root)
}

// UnmarshalViews decodes per-view steps written by MarshalViews and appends
// them to setup, resizing it to the number of decoded views.
func UnmarshalViews(data []byte, setup *Setup) error {
	var nodes [][]yaml.Node
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return fmt.Errorf("error parsing prepare steps: %w", err)
	}
	if len(nodes) > setup.NbViews() {
		setup.SetNbViews(len(nodes))
	}
	for v := range nodes {
		for i := range nodes[v] {
			step, err := stepFromNode(&nodes[v][i])
			if err != nil {
				return fmt.Errorf("view %d: %w", v, err)
			}
			if err := setup.AddPrepareStep(v, step); err != nil {
				return err
			}
		}
	}
	return nil
}
