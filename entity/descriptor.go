package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Descriptor describes one synchronizable entity type: its name, the
// server table path, and a constructor for empty instances. The engine
// dispatches through descriptors instead of reflecting at hot paths.
type Descriptor struct {
	// Name is the fully qualified type name used for queue records and
	// delta-token query ids. Must be unique within a registry.
	Name string

	// TablePath overrides the server path for this type. When empty the
	// default resolver /tables/{lower(name)} applies.
	TablePath string

	// New returns a zero-valued instance ready for decoding.
	New func() Accessor
}

// Path returns the server-relative table path for this type.
func (d *Descriptor) Path() string {
	if d.TablePath != "" {
		return strings.TrimSuffix(d.TablePath, "/")
	}
	return "tables/" + strings.ToLower(d.Name)
}

// Encode serializes an entity to its wire JSON.
func (d *Descriptor) Encode(a Accessor) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", d.Name, err)
	}
	return data, nil
}

// Decode deserializes wire JSON into a fresh instance of this type.
func (d *Descriptor) Decode(data []byte) (Accessor, error) {
	a := d.New()
	if err := json.Unmarshal(data, a); err != nil {
		return nil, fmt.Errorf("decode %s: %w", d.Name, err)
	}
	return a, nil
}

// Validate probes the descriptor for the system-field contract. It fails
// when the constructor is missing, when instances do not expose
// SystemProperties, or when a JSON tag shadows a required system field.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("descriptor has no name")
	}
	if d.New == nil {
		return fmt.Errorf("descriptor %s has no constructor", d.Name)
	}
	probe := d.New()
	if probe == nil || probe.Properties() == nil {
		return fmt.Errorf("%w: %s does not embed SystemProperties", ErrMissingSystemField, d.Name)
	}
	probe.Properties().ID = "probe"
	probe.Properties().Version = []byte{0}
	data, err := d.Encode(probe)
	if err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("descriptor %s: %w", d.Name, err)
	}
	for _, key := range []string{"id", "updatedAt", "version"} {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("%w: %s lacks %q on the wire", ErrMissingSystemField, d.Name, key)
		}
	}
	return nil
}

// Registry maps entity type names to descriptors.
type Registry struct {
	types map[string]*Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Descriptor)}
}

// Register validates and stores a descriptor. Registering the same name
// twice is a configuration error.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, ok := r.types[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, d.Name)
	}
	r.types[d.Name] = d
	return nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return d, nil
}

// Names returns the registered type names in no particular order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	return names
}
