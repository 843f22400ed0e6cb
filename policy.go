package contentgate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
)

// Policy is the effective filtering configuration at a point in time.
// A Policy is built wholesale by a PolicySource and is never mutated after
// it has been handed to a PolicyStore; reloads publish a new value.
type Policy struct {
	// BlockedHosts are host fragments that deny a request when contained
	// in the request host.
	BlockedHosts []string

	// ExcludedHosts exempt a host from all filtering. They take precedence
	// over BlockedHosts and category scanning.
	ExcludedHosts []string

	// Categories are keyword groups scanned in order against textual
	// response bodies. The first category that matches wins.
	Categories []Category
}

// Category is a named group of keywords.
type Category struct {
	Name     string
	Keywords []string
}

// NewPolicy builds a normalized Policy. Host entries are lowercased and
// stripped of scheme, port and path; keywords are trimmed. Empty values
// and duplicates are dropped, first occurrence order is kept.
func NewPolicy(blocked, excluded []string, categories []Category) *Policy {
	p := &Policy{
		BlockedHosts:  normalizeEntries(blocked),
		ExcludedHosts: normalizeEntries(excluded),
	}

	seen := make(map[string]int, len(categories))
	for _, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		kws := normalizeKeywords(c.Keywords)
		if i, ok := seen[name]; ok {
			p.Categories[i].Keywords = normalizeKeywords(append(p.Categories[i].Keywords, kws...))
			continue
		}
		seen[name] = len(p.Categories)
		p.Categories = append(p.Categories, Category{Name: name, Keywords: kws})
	}

	return p
}

// IsEmpty reports whether the policy contains no rules at all.
func (p *Policy) IsEmpty() bool {
	return p == nil || (len(p.BlockedHosts) == 0 && len(p.ExcludedHosts) == 0 && len(p.Categories) == 0)
}

// KeywordCount returns the total number of keywords across categories.
func (p *Policy) KeywordCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, c := range p.Categories {
		n += len(c.Keywords)
	}
	return n
}

// Equal reports whether p and o hold the same rules in the same order.
func (p *Policy) Equal(o *Policy) bool {
	if p == nil || o == nil {
		return p.IsEmpty() && o.IsEmpty()
	}
	if !slices.Equal(p.BlockedHosts, o.BlockedHosts) || !slices.Equal(p.ExcludedHosts, o.ExcludedHosts) {
		return false
	}
	return slices.EqualFunc(p.Categories, o.Categories, func(a, b Category) bool {
		return a.Name == b.Name && slices.Equal(a.Keywords, b.Keywords)
	})
}

// normalizeEntry reduces a configured site to the bare host fragment used
// for matching. "https://WWW.Example.com:443/path" becomes "www.example.com".
func normalizeEntry(entry string) string {
	e := strings.ToLower(strings.TrimSpace(entry))
	if i := strings.Index(e, "://"); i >= 0 {
		e = e[i+3:]
	}
	if i := strings.IndexAny(e, "/?#"); i >= 0 {
		e = e[:i]
	}
	if h, _, err := net.SplitHostPort(e); err == nil {
		e = h
	}
	return strings.TrimSuffix(e, ".")
}

func normalizeEntries(entries []string) []string {
	out := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, raw := range entries {
		e := normalizeEntry(raw)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func normalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	seen := make(map[string]bool, len(keywords))
	for _, raw := range keywords {
		kw := strings.TrimSpace(raw)
		key := strings.ToLower(kw)
		if kw == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}

// --------------------------------------------------------------------------
// Settings document (Settings Service body and local cache file)
// --------------------------------------------------------------------------

// ErrMalformedSettings is returned when a settings document cannot be
// decoded or lacks required keys.
var ErrMalformedSettings = errors.New("malformed settings document")

// settingsDocument is the JSON shape shared by the Settings Service and the
// local cache file. Pointers distinguish missing keys from empty values.
type settingsDocument struct {
	BlockedSites  *[]string     `json:"blocked_sites,omitempty"`
	Sites         *[]string     `json:"sites,omitempty"`
	ExcludedSites *[]string     `json:"excluded_sites,omitempty"`
	Categories    *categoryList `json:"categories,omitempty"`
}

// categoryList decodes a JSON object of name -> keywords while keeping the
// order in which the document lists the keys.
type categoryList []Category

func (cl *categoryList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*cl = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("categories: expected object, got %v", tok)
	}

	var out categoryList
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("categories[%q]: %w", name, err)
		}
		out = append(out, Category{Name: name, Keywords: decodeKeywords(name, raw)})
	}

	if _, err := dec.Token(); err != nil {
		return err
	}

	*cl = out
	return nil
}

// decodeKeywords decodes the keyword list of one category. A value that is
// not an array of strings leaves the category without keywords, so it never
// matches, and the rest of the document still applies.
func decodeKeywords(name string, raw json.RawMessage) []string {
	var keywords []string
	if err := json.Unmarshal(raw, &keywords); err != nil {
		slog.Warn("malformed category keywords, category disabled",
			"category", name,
			"error", err,
		)
		return nil
	}
	return keywords
}

func (cl categoryList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range cl {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		kws := c.Keywords
		if kws == nil {
			kws = []string{}
		}
		list, err := json.Marshal(kws)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(list)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodePolicy parses a settings document. When strict is set, all of
// blocked_sites, excluded_sites and categories must be present (the
// Settings Service contract); otherwise missing keys default to empty and
// the legacy "sites" key is accepted for blocked_sites.
func DecodePolicy(data []byte, strict bool) (*Policy, error) {
	var doc settingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSettings, err)
	}

	blocked := doc.BlockedSites
	if blocked == nil && !strict {
		blocked = doc.Sites
	}

	if strict {
		var missing []string
		if blocked == nil {
			missing = append(missing, "blocked_sites")
		}
		if doc.ExcludedSites == nil {
			missing = append(missing, "excluded_sites")
		}
		if doc.Categories == nil {
			missing = append(missing, "categories")
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedSettings, strings.Join(missing, ", "))
		}
	}

	var b, e []string
	var cats []Category
	if blocked != nil {
		b = *blocked
	}
	if doc.ExcludedSites != nil {
		e = *doc.ExcludedSites
	}
	if doc.Categories != nil {
		cats = *doc.Categories
	}

	return NewPolicy(b, e, cats), nil
}

// EncodePolicy renders p in the settings document format used by the local
// cache file.
func EncodePolicy(p *Policy) ([]byte, error) {
	if p == nil {
		p = &Policy{}
	}
	blocked := append([]string{}, p.BlockedHosts...)
	excluded := append([]string{}, p.ExcludedHosts...)
	cats := categoryList(p.Categories)
	if cats == nil {
		cats = categoryList{}
	}
	return json.MarshalIndent(settingsDocument{
		BlockedSites:  &blocked,
		ExcludedSites: &excluded,
		Categories:    &cats,
	}, "", "  ")
}

// --------------------------------------------------------------------------
// Decisions
// --------------------------------------------------------------------------

// Verdict is the outcome of evaluating an exchange.
type Verdict int

const (
	// VerdictAllow lets the exchange through untouched.
	VerdictAllow Verdict = iota

	// VerdictDeny replaces the response with the warning page.
	VerdictDeny
)

func (v Verdict) String() string {
	if v == VerdictDeny {
		return "deny"
	}
	return "allow"
}

// DecisionKind records which rule produced a Decision.
type DecisionKind string

const (
	KindDefault  DecisionKind = "default"
	KindSelf     DecisionKind = "self"
	KindExcluded DecisionKind = "excluded"
	KindDomain   DecisionKind = "domain"
	KindCategory DecisionKind = "category"
	KindSkipped  DecisionKind = "skipped"
)

// Decision is the result of RequestFilter or ResponseScanner evaluation.
type Decision struct {
	Verdict Verdict      `json:"-"`
	Kind    DecisionKind `json:"kind"`

	// Entry is the blocked or excluded host entry that matched.
	Entry string `json:"entry,omitempty"`

	// Category is the content category that matched.
	Category string `json:"category,omitempty"`
}

// Denied reports whether the decision blocks the exchange.
func (d Decision) Denied() bool { return d.Verdict == VerdictDeny }

// Reason is the human readable message shown on the warning page.
func (d Decision) Reason() string {
	switch {
	case d.Verdict != VerdictDeny:
		return ""
	case d.Kind == KindCategory:
		return fmt.Sprintf("content blocked (%s)", d.Category)
	case d.Entry != "":
		return fmt.Sprintf("domain blocked (%s)", d.Entry)
	default:
		return "domain blocked"
	}
}

// MarshalJSON adds the verdict string for admin API responses.
func (d Decision) MarshalJSON() ([]byte, error) {
	type alias Decision
	return json.Marshal(struct {
		Verdict string `json:"verdict"`
		alias
		Reason string `json:"reason,omitempty"`
	}{d.Verdict.String(), alias(d), d.Reason()})
}

func allow(kind DecisionKind) Decision {
	return Decision{Verdict: VerdictAllow, Kind: kind}
}
