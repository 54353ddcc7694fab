// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/campaign-engine/internal/model"
)

// Recipient params may override the subject and template with these keys.
const (
	ParamSubject     = "subject"
	ParamTemplateRef = "template_ref"
)

// RenderTemplate replaces {key} placeholders with values from data.
func RenderTemplate(template string, data map[string]string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// Content is what a single recipient actually receives.
type Content struct {
	Subject     string
	TemplateRef string
	Params      map[string]string
}

// ResolveContent applies recipient > variant > campaign precedence. The
// subject is rendered against the merged params.
func ResolveContent(c *model.Campaign, v *model.Variant, r *model.Recipient) Content {
	params := make(map[string]string, len(c.Params)+len(r.Params))
	for k, val := range c.Params {
		params[k] = val
	}

	subject := c.Subject
	templateRef := c.TemplateRef
	if v != nil {
		for k, val := range v.Params {
			params[k] = val
		}
		if v.Subject != nil && *v.Subject != "" {
			subject = *v.Subject
		}
		if v.TemplateRef != nil && *v.TemplateRef != "" {
			templateRef = *v.TemplateRef
		}
	}
	for k, val := range r.Params {
		params[k] = val
	}
	if s := r.Params[ParamSubject]; s != "" {
		subject = s
	}
	if t := r.Params[ParamTemplateRef]; t != "" {
		templateRef = t
	}
	delete(params, ParamSubject)
	delete(params, ParamTemplateRef)

	if _, ok := params["email"]; !ok {
		params["email"] = r.Email
	}
	if _, ok := params["name"]; !ok && r.Name != "" {
		params["name"] = r.Name
	}

	return Content{
		Subject:     RenderTemplate(subject, params),
		TemplateRef: templateRef,
		Params:      params,
	}
}
