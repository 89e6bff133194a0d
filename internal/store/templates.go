package store

import (
	"fmt"
	"strings"
)

// TemplateInput is a create/update payload for a script template.
type TemplateInput struct {
	Key  *string `json:"key"`
	Name *string `json:"name"`
	Body *string `json:"body"`
}

// TemplateExport is the export form: key → {name, body}.
type TemplateExport map[string]TemplateEntry

// TemplateEntry is one exported template.
type TemplateEntry struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

// ListTemplates returns all templates ordered by key.
func (s *Store) ListTemplates() ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var templates []Template
	if err := s.db.Select(&templates, "SELECT * FROM templates ORDER BY key ASC"); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return templates, nil
}

// GetTemplate returns a template by id, or ErrNotFound.
func (s *Store) GetTemplate(id int64) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTemplate(id)
}

func (s *Store) getTemplate(id int64) (*Template, error) {
	var tpl Template
	err := s.db.Get(&tpl, "SELECT * FROM templates WHERE id=?", id)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get template %d: %w", id, err)
	}
	return &tpl, nil
}

// CreateTemplate inserts a template and returns the stored row.
func (s *Store) CreateTemplate(in TemplateInput) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, name, body, err := templateFields(in, nil)
	if err != nil {
		return nil, err
	}
	now := At(s.now())
	res, err := s.db.Exec(
		"INSERT INTO templates(key, name, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		key, name, body, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, validationf("template key %q already exists", key)
		}
		return nil, fmt.Errorf("insert template: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return s.getTemplate(id)
}

// UpdateTemplate merges the partial payload over an existing template.
func (s *Store) UpdateTemplate(id int64, in TemplateInput) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTemplate(id)
	if err != nil {
		return nil, err
	}
	key, name, body, err := templateFields(in, existing)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(
		"UPDATE templates SET key=?, name=?, body=?, updated_at=? WHERE id=?",
		key, name, body, At(s.now()), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, validationf("template key %q already exists", key)
		}
		return nil, fmt.Errorf("update template %d: %w", id, err)
	}
	return s.getTemplate(id)
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM templates WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete template %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return nil
}

// ImportTemplates upserts templates by key and returns the number imported.
func (s *Store) ImportTemplates(entries TemplateExport) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	imported := 0
	for key, entry := range entries {
		key = strings.TrimSpace(key)
		if key == "" || strings.TrimSpace(entry.Body) == "" {
			continue
		}
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			name = key
		}
		now := At(s.now())
		_, err := s.db.Exec(`
			INSERT INTO templates(key, name, body, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET name=excluded.name, body=excluded.body, updated_at=excluded.updated_at`,
			key, name, entry.Body, now, now)
		if err != nil {
			return imported, fmt.Errorf("import template %q: %w", key, err)
		}
		imported++
	}
	return imported, nil
}

// ExportTemplates returns every template as a key → {name, body} mapping.
func (s *Store) ExportTemplates() (TemplateExport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var templates []Template
	if err := s.db.Select(&templates, "SELECT * FROM templates ORDER BY key ASC"); err != nil {
		return nil, fmt.Errorf("export templates: %w", err)
	}
	out := make(TemplateExport, len(templates))
	for _, tpl := range templates {
		out[tpl.Key] = TemplateEntry{Name: tpl.Name, Body: tpl.Body}
	}
	return out, nil
}

func templateFields(in TemplateInput, existing *Template) (key, name, body string, err error) {
	if existing != nil {
		key, name, body = existing.Key, existing.Name, existing.Body
	}
	if in.Key != nil {
		key = strings.TrimSpace(*in.Key)
	}
	if in.Name != nil {
		name = strings.TrimSpace(*in.Name)
	}
	if in.Body != nil {
		body = strings.TrimSpace(*in.Body)
	}
	if key == "" {
		return "", "", "", validationf("template key is required")
	}
	if name == "" {
		name = key
	}
	if body == "" {
		return "", "", "", validationf("template body must not be empty")
	}
	return key, name, body, nil
}
