package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/xiaot623/gogo/turnrouter/internal/domain"
)

// Declaration is a capability declared in configuration. It is served by
// Endpoint when set, otherwise by the Response template.
type Declaration struct {
	Name             string            `yaml:"name" json:"name"`
	Description      string            `yaml:"description" json:"description"`
	Keywords         []string          `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Schema           *domain.ArgSchema `yaml:"schema,omitempty" json:"schema,omitempty"`
	Endpoint         string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Response         string            `yaml:"response,omitempty" json:"response,omitempty"`
	DefaultArguments map[string]any    `yaml:"default_arguments,omitempty" json:"default_arguments,omitempty"`
}

// Descriptor returns what the classifier sees of d.
func (d Declaration) Descriptor() domain.CapabilityDescriptor {
	return domain.CapabilityDescriptor{
		Name:        d.Name,
		Description: d.Description,
		Schema:      d.Schema,
		Keywords:    d.Keywords,
	}
}

// RegisterDeclarations registers every declaration. A declaration without
// endpoint or response still registers; its construction fails until fixed.
func RegisterDeclarations(r *Registry, decls []Declaration, client *http.Client) error {
	for _, d := range decls {
		build := func(context.Context) (Handler, error) {
			switch {
			case d.Endpoint != "":
				return NewRemote(d.Name, d.Endpoint, client), nil
			case d.Response != "":
				return Static(d.Response), nil
			}
			return nil, fmt.Errorf("capability %s has neither endpoint nor response", d.Name)
		}
		if err := r.Register(d.Descriptor(), build, WithDefaults(TemplateDefaults(d.DefaultArguments))); err != nil {
			return err
		}
	}
	return nil
}
