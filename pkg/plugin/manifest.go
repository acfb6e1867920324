// Package plugin defines the wire-level types shared between the host and
// the plugins it loads: the manifest descriptor, the inbound event/segment
// shapes delivered by the transport adapter, and the hook names a plugin may
// export.
package plugin

import "encoding/json"

// Type distinguishes the two plugin roots a Manifest may live under.
type Type string

const (
	TypeBot      Type = "bot"
	TypePlatform Type = "platform"
)

// CodeType selects how the sandbox loads a plugin's entry source.
type CodeType string

const (
	// CodeTypeScript wraps the source in a constructed function and uses its
	// return value as the plugin object; top-level return is permitted.
	CodeTypeScript CodeType = "script"
	// CodeTypeModule loads the source as a standard module and uses its
	// default export as the plugin object.
	CodeTypeModule CodeType = "module"
)

// FieldKind enumerates the structural kinds a ConfigField may declare.
type FieldKind string

const (
	FieldString  FieldKind = "string"
	FieldNumber  FieldKind = "number"
	FieldBoolean FieldKind = "boolean"
	FieldSelect  FieldKind = "select"
	FieldArray   FieldKind = "array"
	FieldObject  FieldKind = "object"
)

// ConfigField describes one entry of a plugin's configSchema, consumed by
// the admin UI to render a config form and by the registry to structurally
// validate update_config calls.
type ConfigField struct {
	Key      string          `json:"key"`
	Label    string          `json:"label,omitempty"`
	Kind     FieldKind       `json:"kind"`
	Required bool            `json:"required,omitempty"`
	Default  json.RawMessage `json:"default,omitempty"`
	Options  []string        `json:"options,omitempty"` // for FieldSelect
}

// Manifest is the declarative plugin descriptor persisted in plugins.json
// and, in source form, at the root of every package as manifest.json.
//
// Unknown fields encountered on disk are preserved across read-modify-write
// cycles; internal/store carries them alongside this typed view rather than
// dropping them on parse.
type Manifest struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Author       string          `json:"author,omitempty"`
	Description  string          `json:"description,omitempty"`
	Type         Type            `json:"type"`
	Entry        string          `json:"entry"`
	CodeType     CodeType        `json:"codeType"`
	Commands     []string        `json:"commands,omitempty"`
	ConfigSchema []ConfigField   `json:"configSchema,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Signature    string          `json:"signature,omitempty"` // base64 detached signature over the tree hash
	Builtin      bool            `json:"builtin,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation: Config/ConfigSchema
// slices are copied rather than aliased.
func (m Manifest) Clone() Manifest {
	out := m
	if m.Commands != nil {
		out.Commands = append([]string(nil), m.Commands...)
	}
	if m.ConfigSchema != nil {
		out.ConfigSchema = append([]ConfigField(nil), m.ConfigSchema...)
	}
	if m.Config != nil {
		out.Config = append(json.RawMessage(nil), m.Config...)
	}
	return out
}
