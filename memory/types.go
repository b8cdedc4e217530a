package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

/*
Kind is the category of a memory.
*/
type Kind string

const (
	// Semantic memories are facts about people and concepts
	Semantic Kind = "semantic"
	// Episodic memories are experiences and conversations
	Episodic Kind = "episodic"
	// Procedural memories are learned behavior
	Procedural Kind = "procedural"
)

// ParseKind maps s to a Kind; unknown values are treated as Semantic.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case Semantic, Episodic, Procedural:
		return k
	default:
		return Semantic
	}
}

const (
	defaultSource = "agent"
	everyone      = "all"
)

/*
Metadata describes who a memory is about, where it came from and who may see it.
*/
type Metadata struct {
	Kind      Kind
	Subjects  []string
	Source    string
	Sensitive bool
	VisibleTo []string
	Created   time.Time
	Tags      []string
}

/*
Flatten encodes the metadata as scalar values the vector store can filter
on. Lists are joined with commas.
*/
func (m Metadata) Flatten() map[string]any {
	kind := m.Kind
	if kind == "" {
		kind = Semantic
	}
	source := m.Source
	if source == "" {
		source = defaultSource
	}
	visibleTo := m.VisibleTo
	if len(visibleTo) == 0 {
		visibleTo = []string{everyone}
	}
	created := m.Created
	if created.IsZero() {
		created = time.Now()
	}

	return map[string]any{
		"kind":       string(kind),
		"subjects":   strings.Join(m.Subjects, ","),
		"source":     source,
		"sensitive":  m.Sensitive,
		"visible_to": strings.Join(visibleTo, ","),
		"created":    created.UTC().Format(time.RFC3339Nano),
		"tags":       strings.Join(m.Tags, ","),
	}
}

/*
ParseMetadata decodes flattened metadata. It is lenient with records written
by other tools: missing or malformed fields fall back to defaults.
*/
func ParseMetadata(data map[string]any) Metadata {
	m := Metadata{
		Kind:      ParseKind(stringField(data, "kind")),
		Subjects:  splitList(stringField(data, "subjects")),
		Source:    stringField(data, "source"),
		VisibleTo: splitList(stringField(data, "visible_to")),
		Tags:      splitList(stringField(data, "tags")),
	}
	if m.Source == "" {
		m.Source = defaultSource
	}
	if len(m.VisibleTo) == 0 {
		m.VisibleTo = []string{everyone}
	}
	switch v := data["sensitive"].(type) {
	case bool:
		m.Sensitive = v
	case string:
		m.Sensitive = v == "true"
	}
	if created, err := time.Parse(time.RFC3339Nano, stringField(data, "created")); err == nil {
		m.Created = created
	}
	return m
}

/*
Memory is a single remembered piece of content.
*/
type Memory struct {
	ID       string
	Content  string
	Metadata Metadata
	// Distance to the query, set on search results
	Distance float32
}

/*
Options describe a memory created with Remember.
*/
type Options struct {
	Kind      Kind
	Subjects  []string
	Tags      []string
	Sensitive bool
}

// NewMemory creates a memory with a generated ID.
func NewMemory(content string, opts Options) Memory {
	kind := opts.Kind
	if kind == "" {
		kind = Semantic
	}
	return Memory{
		ID:      uuid.NewString(),
		Content: content,
		Metadata: Metadata{
			Kind:      kind,
			Subjects:  opts.Subjects,
			Source:    defaultSource,
			Sensitive: opts.Sensitive,
			VisibleTo: []string{everyone},
			Created:   time.Now(),
			Tags:      opts.Tags,
		},
	}
}

// IsAbout reports whether name is one of the memory's subjects, ignoring case.
func (m Memory) IsAbout(name string) bool {
	for _, s := range m.Metadata.Subjects {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
