package entity

import (
	"encoding/json"
	"testing"
	"time"
)

type movie struct {
	SystemProperties
	Title string `json:"title"`
}

func TestTimestampMarshalEDM(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 678_000_000, time.UTC))
	data, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), `"2024-01-02T03:04:05.678Z"`; got != want {
		t.Errorf("marshal = %s, want %s", got, want)
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	cases := []string{
		`"2024-01-02T03:04:05.678Z"`,
		`"2024-01-02T03:04:05.678+02:00"`,
		`"2024-06-30T23:59:59.000Z"`,
	}
	for _, raw := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		out, err := json.Marshal(ts)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var again Timestamp
		if err := json.Unmarshal(out, &again); err != nil {
			t.Fatalf("re-unmarshal %s: %v", out, err)
		}
		if !again.Equal(ts.Time) {
			t.Errorf("round trip %s: got %v, want %v", raw, again.Time, ts.Time)
		}
	}
}

func TestTimestampParseRejectsGarbage(t *testing.T) {
	var ts Timestamp
	if err := json.Unmarshal([]byte(`"yesterday"`), &ts); err == nil {
		t.Error("expected error for non-ISO timestamp")
	}
}

func TestValidateID(t *testing.T) {
	valid := []string{
		"a",
		"m1",
		"0123",
		"a-b_c.d:e|f",
		"A1234567890",
	}
	for _, id := range valid {
		if err := ValidateID(id); err != nil {
			t.Errorf("ValidateID(%q) = %v, want nil", id, err)
		}
	}

	long := "a"
	for len(long) < 127 {
		long += "b"
	}
	if err := ValidateID(long); err != nil {
		t.Errorf("127-char id rejected: %v", err)
	}
	if err := ValidateID(long + "b"); err == nil {
		t.Error("128-char id accepted")
	}

	invalid := []string{
		"",
		"-leading-dash",
		".leading-dot",
		"_leading",
		"has space",
		"has/slash",
		"emoji☃",
	}
	for _, id := range invalid {
		if err := ValidateID(id); err == nil {
			t.Errorf("ValidateID(%q) = nil, want error", id)
		}
	}
}

func TestDefaultIDGeneratorIsValid(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := DefaultIDGenerator()
		if err := ValidateID(id); err != nil {
			t.Fatalf("generated id %q invalid: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("generated duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestDescriptorEncodeDecode(t *testing.T) {
	d := &Descriptor{Name: "movies", New: func() Accessor { return &movie{} }}
	if err := d.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	m := &movie{Title: "Dune"}
	m.ID = "m1"
	m.UpdatedAt = NewTimestamp(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m.Version = []byte("v1")

	data, err := d.Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := d.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := decoded.(*movie)
	if !ok {
		t.Fatalf("decode returned %T, want *movie", decoded)
	}
	if got.Title != "Dune" || got.ID != "m1" || string(got.Version) != "v1" {
		t.Errorf("decoded = %+v", got)
	}
	if !got.UpdatedAt.Equal(m.UpdatedAt.Time) {
		t.Errorf("updatedAt = %v, want %v", got.UpdatedAt, m.UpdatedAt)
	}
}

func TestDescriptorPath(t *testing.T) {
	d := &Descriptor{Name: "Movies", New: func() Accessor { return &movie{} }}
	if got := d.Path(); got != "tables/movies" {
		t.Errorf("Path() = %q, want tables/movies", got)
	}
	d.TablePath = "api/films/"
	if got := d.Path(); got != "api/films" {
		t.Errorf("Path() = %q, want api/films", got)
	}
}

type noSystem struct{}

func (n *noSystem) Properties() *SystemProperties { return nil }

func TestDescriptorValidateRejectsMissingFields(t *testing.T) {
	d := &Descriptor{Name: "bad", New: func() Accessor { return &noSystem{} }}
	if err := d.Validate(); err == nil {
		t.Error("expected validation failure for type without SystemProperties")
	}

	d = &Descriptor{Name: "none"}
	if err := d.Validate(); err == nil {
		t.Error("expected validation failure for missing constructor")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d := &Descriptor{Name: "movies", New: func() Accessor { return &movie{} }}
	if err := r.Register(d); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(d); err == nil {
		t.Error("expected duplicate registration error")
	}
	if _, err := r.Lookup("movies"); err != nil {
		t.Errorf("lookup: %v", err)
	}
	if _, err := r.Lookup("books"); err == nil {
		t.Error("expected unknown type error")
	}
}
