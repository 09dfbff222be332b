package app

import (
	"fmt"

	"attachkit/internal/attach"
	"attachkit/internal/config"
	"attachkit/internal/document"
	"attachkit/internal/integration"
)

// buildRegistry declares the models listed in the config and wires their
// embedded relations. Every model named by an embed must itself be declared.
func buildRegistry(cfgs []config.ModelConfig) (*document.Registry, error) {
	models := make(map[string]*document.Model, len(cfgs))
	ordered := make([]*document.Model, 0, len(cfgs))
	for _, mc := range cfgs {
		if mc.Name == "" {
			return nil, fmt.Errorf("model without a name")
		}
		if _, dup := models[mc.Name]; dup {
			return nil, fmt.Errorf("model %q declared twice", mc.Name)
		}
		m := document.NewModel(mc.Name)
		models[mc.Name] = m
		ordered = append(ordered, m)
	}

	for _, mc := range cfgs {
		for _, ec := range mc.Embeds {
			child, ok := models[ec.Model]
			if !ok {
				return nil, fmt.Errorf("model %q embeds unknown model %q", mc.Name, ec.Model)
			}
			if ec.Relation == "" {
				return nil, fmt.Errorf("model %q embeds %q without a relation name", mc.Name, ec.Model)
			}
			models[mc.Name].Embeds(ec.Relation, child, ec.Many)
		}
	}

	registry := document.NewRegistry()
	if err := registry.Register(ordered...); err != nil {
		return nil, err
	}
	return registry, nil
}

// installAttachments declares every configured attachment slot on its model.
func installAttachments(adapter *integration.Adapter, registry *document.Registry, cfgs []config.ModelConfig, uploader *attach.Uploader) error {
	for _, mc := range cfgs {
		m, ok := registry.Lookup(mc.Name)
		if !ok {
			return fmt.Errorf("model %q not registered", mc.Name)
		}
		for _, ac := range mc.Attachments {
			if _, err := adapter.Install(m, ac.Name, uploader, validatorsFor(ac)...); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatorsFor(ac config.AttachmentConfig) []attach.Validator {
	var vs []attach.Validator
	if ac.MaxSize > 0 {
		vs = append(vs, attach.MaxSize(ac.MaxSize))
	}
	if len(ac.MimeTypes) > 0 {
		vs = append(vs, attach.AllowedMimeTypes(ac.MimeTypes...))
	}
	if len(ac.Extensions) > 0 {
		vs = append(vs, attach.AllowedExtensions(ac.Extensions...))
	}
	return vs
}
