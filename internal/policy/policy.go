// Package policy parses declarative resource policies and decides whether an
// agent action may proceed under them.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/ocx/vecgate/internal/core"
)

// Format selects the document syntax.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// SupportedMajorVersion is the only policy document major version accepted.
const SupportedMajorVersion = "1"

// ParseError reports a rejected policy document.
type ParseError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "policy parse error"
	if e.Field != "" {
		msg += " at " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Code classifies a bad policy as a malformed input.
func (e *ParseError) Code() core.Code { return core.CodeMalformedMessage }

// Limit caps one named resource.
type Limit struct {
	Max     Quantity `json:"max"`
	Enforce bool     `json:"enforce"`
}

// Prosocial holds the behavioural switches of a policy.
type Prosocial struct {
	FairUseEnabled           bool `json:"fairUseEnabled"`
	EmergencyOverrideEnabled bool `json:"emergencyOverrideEnabled"`
	HumanOversightRequired   bool `json:"humanOversightRequired"`
}

// Policy is a validated, immutable policy snapshot. Reload replaces the
// whole value; nothing mutates it after Load.
type Policy struct {
	ID        string           `json:"policyId"`
	Version   string           `json:"version"`
	Limits    map[string]Limit `json:"limits"`
	Prosocial Prosocial        `json:"prosocialConstraints"`
}

// Resources returns the limited resource names in sorted order.
func (p *Policy) Resources() []string {
	names := make([]string, 0, len(p.Limits))
	for name := range p.Limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// WIRE DOCUMENT
// ============================================================================

// The document types use pointers so a missing field can be told apart from
// a zero value.
type limitDoc struct {
	Max     *Quantity `json:"max" yaml:"max"`
	Enforce *bool     `json:"enforce" yaml:"enforce"`
}

type prosocialDoc struct {
	FairUseEnabled           *bool `json:"fairUseEnabled" yaml:"fairUseEnabled"`
	EmergencyOverrideEnabled *bool `json:"emergencyOverrideEnabled" yaml:"emergencyOverrideEnabled"`
	HumanOversightRequired   *bool `json:"humanOversightRequired" yaml:"humanOversightRequired"`
}

type policyDoc struct {
	PolicyID  string               `json:"policyId" yaml:"policyId"`
	Version   string               `json:"version" yaml:"version"`
	Limits    map[string]*limitDoc `json:"limits" yaml:"limits"`
	Prosocial *prosocialDoc        `json:"prosocialConstraints" yaml:"prosocialConstraints"`
}

// Load parses and validates a policy document. Unknown fields, missing
// required fields, unparsable quantities and unsupported versions are all
// rejected with a *ParseError.
func Load(data []byte, format Format) (*Policy, error) {
	var doc policyDoc
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, &ParseError{Reason: "invalid JSON document", Err: err}
		}
		if _, err := dec.Token(); err != io.EOF {
			return nil, &ParseError{Reason: "trailing data after document"}
		}
	case FormatYAML:
		if err := yaml.UnmarshalStrict(data, &doc); err != nil {
			return nil, &ParseError{Reason: "invalid YAML document", Err: err}
		}
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("unsupported format %q", format)}
	}
	return doc.validate()
}

// LoadFile reads a policy, choosing the format from the file extension.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Load(data, FormatFromPath(path))
}

// FormatFromPath maps .yaml/.yml to YAML and everything else to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func (d *policyDoc) validate() (*Policy, error) {
	if strings.TrimSpace(d.PolicyID) == "" {
		return nil, &ParseError{Field: "policyId", Reason: "required"}
	}
	if d.Version == "" {
		return nil, &ParseError{Field: "version", Reason: "required"}
	}
	if major, _, _ := strings.Cut(d.Version, "."); major != SupportedMajorVersion {
		return nil, &ParseError{Field: "version", Reason: fmt.Sprintf("unsupported version %q", d.Version)}
	}
	if d.Limits == nil {
		return nil, &ParseError{Field: "limits", Reason: "required"}
	}
	if d.Prosocial == nil {
		return nil, &ParseError{Field: "prosocialConstraints", Reason: "required"}
	}

	p := &Policy{
		ID:      d.PolicyID,
		Version: d.Version,
		Limits:  make(map[string]Limit, len(d.Limits)),
	}
	for name, l := range d.Limits {
		field := "limits." + name
		switch {
		case strings.TrimSpace(name) == "":
			return nil, &ParseError{Field: "limits", Reason: "empty resource name"}
		case l == nil:
			return nil, &ParseError{Field: field, Reason: "empty limit"}
		case l.Max == nil:
			return nil, &ParseError{Field: field + ".max", Reason: "required"}
		case l.Enforce == nil:
			return nil, &ParseError{Field: field + ".enforce", Reason: "required"}
		}
		p.Limits[name] = Limit{Max: *l.Max, Enforce: *l.Enforce}
	}

	flags := []struct {
		name string
		val  *bool
		dst  *bool
	}{
		{"fairUseEnabled", d.Prosocial.FairUseEnabled, &p.Prosocial.FairUseEnabled},
		{"emergencyOverrideEnabled", d.Prosocial.EmergencyOverrideEnabled, &p.Prosocial.EmergencyOverrideEnabled},
		{"humanOversightRequired", d.Prosocial.HumanOversightRequired, &p.Prosocial.HumanOversightRequired},
	}
	for _, f := range flags {
		if f.val == nil {
			return nil, &ParseError{Field: "prosocialConstraints." + f.name, Reason: "required"}
		}
		*f.dst = *f.val
	}
	return p, nil
}

// IsParseError reports whether err is a rejected policy document.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
