package forest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Format identifies the serialized model layout.
const Format = "custsat.forest.v1"

type document struct {
	Format    string    `json:"format"`
	Params    Params    `json:"params"`
	NFeatures int       `json:"n_features"`
	Classes   []float64 `json:"classes"`
	Trees     []*Node   `json:"trees"`
}

func (f *Forest) Encode(w io.Writer) error {
	if f == nil {
		return errors.New("encode: forest is nil")
	}
	return json.NewEncoder(w).Encode(document{
		Format:    Format,
		Params:    f.Params,
		NFeatures: f.NFeatures,
		Classes:   f.Classes,
		Trees:     f.Trees,
	})
}

func Decode(r io.Reader) (*Forest, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if doc.Format != Format {
		return nil, fmt.Errorf("decode model: unsupported format %q", doc.Format)
	}
	if doc.NFeatures < 1 {
		return nil, errors.New("decode model: n_features must be >= 1")
	}
	if len(doc.Classes) == 0 {
		return nil, errors.New("decode model: no classes")
	}
	if len(doc.Trees) == 0 {
		return nil, errors.New("decode model: no trees")
	}
	for i, tree := range doc.Trees {
		if err := validateNode(tree, doc.NFeatures, len(doc.Classes)); err != nil {
			return nil, fmt.Errorf("decode model: tree %d: %w", i, err)
		}
	}
	return &Forest{
		Params:    doc.Params,
		NFeatures: doc.NFeatures,
		Classes:   doc.Classes,
		Trees:     doc.Trees,
	}, nil
}

func validateNode(n *Node, nFeatures, nClasses int) error {
	if n == nil {
		return errors.New("missing node")
	}
	if n.leaf() {
		if n.Right != nil {
			return errors.New("node has a right child but no left child")
		}
		if n.Class < 0 || n.Class >= nClasses {
			return fmt.Errorf("leaf class %d out of range", n.Class)
		}
		return nil
	}
	if n.Feature < 0 || n.Feature >= nFeatures {
		return fmt.Errorf("split feature %d out of range", n.Feature)
	}
	if err := validateNode(n.Left, nFeatures, nClasses); err != nil {
		return err
	}
	return validateNode(n.Right, nFeatures, nClasses)
}
