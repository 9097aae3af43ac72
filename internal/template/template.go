// Package template provides a read-only catalog of reusable job blueprints
// and the instantiator that turns a blueprint plus caller overrides into a
// validated job definition.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"jobd/internal/job"
)

// Template is a partial job definition. Schedule and Action hold the wire
// form of their job counterparts; callers override any subset of keys at
// instantiation time.
type Template struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Category    string     `json:"category,omitempty"`
	Popularity  int        `json:"popularity,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Schedule    job.Params `json:"schedule"`
	Action      job.Params `json:"action"`
	Metadata    job.Params `json:"metadata,omitempty"`
}

// Instantiate deep-merges overrides onto the template and decodes the result
// into a job definition. Override keys mirror the job wire form: name,
// description, owner_id, enabled, schedule, action, metadata. Caller values
// win on conflict; nested maps merge key by key. The returned job carries no
// ID or scheduling state, and it has already passed validation.
func Instantiate(tpl Template, overrides job.Params) (*job.Job, error) {
	if len(tpl.Schedule) == 0 {
		return nil, fmt.Errorf("template %q has no schedule", tpl.ID)
	}
	base := job.Params{
		"name":     tpl.Name,
		"enabled":  true,
		"schedule": tpl.Schedule,
		"action":   tpl.Action,
	}
	if tpl.Description != "" {
		base["description"] = tpl.Description
	}
	if len(tpl.Metadata) > 0 {
		base["metadata"] = tpl.Metadata
	}
	base, err := base.Normalize()
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", tpl.ID, err)
	}
	overrides, err = overrides.Normalize()
	if err != nil {
		return nil, fmt.Errorf("overrides: %w", err)
	}
	merged := base.Merge(overrides)

	sched, err := decodeSchedule(merged["schedule"])
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", tpl.ID, err)
	}
	act, err := decodeAction(merged["action"])
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", tpl.ID, err)
	}

	j := &job.Job{
		Name:        stringOr(merged["name"], tpl.Name),
		Description: stringOr(merged["description"], ""),
		OwnerID:     stringOr(merged["owner_id"], ""),
		Type:        sched.Kind(),
		Schedule:    sched,
		Action:      act,
		Enabled:     boolOr(merged["enabled"], true),
	}
	if md, ok := merged["metadata"].(job.Params); ok {
		j.Metadata = md
	}
	if err := job.Validate(j); err != nil {
		return nil, err
	}
	return j, nil
}

func decodeSchedule(v any) (job.Schedule, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return job.UnmarshalSchedule(b)
}

func decodeAction(v any) (job.Action, error) {
	var act job.Action
	b, err := json.Marshal(v)
	if err != nil {
		return act, err
	}
	if err := json.Unmarshal(b, &act); err != nil {
		return act, fmt.Errorf("action: %w", err)
	}
	return act, nil
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func boolOr(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// Filter narrows a catalog listing. Zero value matches everything.
type Filter struct {
	Category string
	Tag      string
}

// Catalog is a concurrency-safe template registry. Templates come from
// programmatic registration or a JSON file; the catalog itself is read-only
// from the scheduler's point of view.
type Catalog struct {
	mu   sync.RWMutex
	byID map[string]Template
}

func NewCatalog() *Catalog {
	return &Catalog{byID: make(map[string]Template)}
}

func (c *Catalog) Register(t Template) error {
	if t.ID == "" {
		return fmt.Errorf("template without id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byID[t.ID]; dup {
		return fmt.Errorf("template %q already registered", t.ID)
	}
	c.byID[t.ID] = t
	return nil
}

// LoadFile reads a JSON array of templates. Duplicate IDs fail the whole
// load so a bad file is rejected atomically.
func (c *Catalog) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tpls []Template
	if err := json.Unmarshal(b, &tpls); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tpls {
		if t.ID == "" {
			return fmt.Errorf("%s: template without id", path)
		}
		if _, dup := c.byID[t.ID]; dup {
			return fmt.Errorf("%s: duplicate template %q", path, t.ID)
		}
	}
	for _, t := range tpls {
		c.byID[t.ID] = t
	}
	return nil
}

func (c *Catalog) Get(id string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}

// List returns matching templates sorted by popularity (descending), then
// name.
func (c *Catalog) List(f Filter) []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Template, 0, len(c.byID))
	for _, t := range c.byID {
		if f.Category != "" && !strings.EqualFold(t.Category, f.Category) {
			continue
		}
		if f.Tag != "" && !hasTag(t.Tags, f.Tag) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Popularity != out[k].Popularity {
			return out[i].Popularity > out[k].Popularity
		}
		return out[i].Name < out[k].Name
	})
	return out
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
