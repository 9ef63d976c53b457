package diff

import (
	"testing"
)

func TestEngine_Changed(t *testing.T) {
	e := New()

	tests := []struct {
		name string
		prev string
		next string
		want bool
	}{
		{"identical", `{"id":1,"name":"Milk"}`, `{"id":1,"name":"Milk"}`, false},
		{"key order", `{"id":1,"name":"Milk"}`, `{"name":"Milk","id":1}`, false},
		{"whitespace", `{"id":1}`, "{ \"id\" : 1 }\n", false},
		{"value changed", `{"id":1,"is_checked":false}`, `{"id":1,"is_checked":true}`, true},
		{"field added", `{"id":1}`, `{"id":1,"note":"x"}`, true},
		{"volatile top level", `{"id":1,"last_accessed":"2024-01-01"}`, `{"id":1,"last_accessed":"2024-02-01"}`, false},
		{"volatile nested", `{"items":[{"id":1,"last_accessed_at":1}]}`, `{"items":[{"id":1,"last_accessed_at":2}]}`, false},
		{"volatile added", `{"id":1}`, `{"id":1,"server_time":5}`, false},
		{"server update stamp", `{"id":1,"updated_at_server":"2024-01-01T10:00:00Z"}`, `{"id":1,"updated_at_server":"2024-01-01T10:05:00Z"}`, false},
		{"array order matters", `[1,2]`, `[2,1]`, true},
		{"number precision kept", `{"n":10000000000000001}`, `{"n":10000000000000000}`, true},
		{"malformed prev", `{"id":`, `{"id":1}`, true},
		{"malformed next", `{"id":1}`, `not json`, true},
		{"identical malformed", `{{`, `{{`, true},
		{"trailing data", `{"id":1}`, `{"id":1}{"id":2}`, true},
		{"empty", ``, ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Changed([]byte(tt.prev), []byte(tt.next)); got != tt.want {
				t.Errorf("Changed(%s, %s) = %v, want %v", tt.prev, tt.next, got, tt.want)
			}
		})
	}
}

func TestEngine_CustomVolatileFields(t *testing.T) {
	e := New("etag")

	if e.Changed([]byte(`{"id":1,"etag":"a"}`), []byte(`{"id":1,"etag":"b"}`)) {
		t.Error("custom volatile field should be ignored")
	}
	if !e.Changed([]byte(`{"last_accessed":1}`), []byte(`{"last_accessed":2}`)) {
		t.Error("default volatile fields must not apply when custom fields are given")
	}
}

func TestEngine_Fingerprint(t *testing.T) {
	e := New()

	a := e.Fingerprint([]byte(`{"b":2,"a":1,"last_accessed":"x"}`))
	b := e.Fingerprint([]byte(`{"a":1,"b":2}`))
	if a != b {
		t.Errorf("fingerprints differ for equivalent payloads: %d != %d", a, b)
	}

	c := e.Fingerprint([]byte(`{"a":1,"b":3}`))
	if a == c {
		t.Error("fingerprints equal for different payloads")
	}

	if e.Fingerprint([]byte(`{{`)) == 0 {
		t.Error("malformed payload should still hash")
	}
}

type item struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	IsChecked    bool   `json:"is_checked"`
	LastAccessed string `json:"last_accessed,omitempty"`
}

func TestCompare(t *testing.T) {
	e := New()

	prev := item{ID: 1, Name: "Eggs", LastAccessed: "mon"}
	if Compare(e, prev, item{ID: 1, Name: "Eggs", LastAccessed: "tue"}) {
		t.Error("Compare reported change for volatile-only difference")
	}
	if !Compare(e, prev, item{ID: 1, Name: "Eggs", IsChecked: true}) {
		t.Error("Compare missed is_checked change")
	}
	if !Compare[any](e, func() {}, 1) {
		t.Error("unencodable values must be reported as changed")
	}
}

func TestCanonical(t *testing.T) {
	got, err := Canonical(map[string]any{"z": 1, "a": []any{map[string]any{"y": true, "b": nil}}})
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	want := `{"a":[{"b":null,"y":true}],"z":1}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}

	if _, err := Canonical(make(chan int)); err == nil {
		t.Error("Canonical() should fail on unencodable input")
	}
}
