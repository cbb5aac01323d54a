package topology

import (
	"errors"
	"strings"
	"testing"
)

// newTestTopology builds a collection "books" of three bitarchive pillars and one checksum pillar.
func newTestTopology(t *testing.T) *Topology {
	t.Helper()

	topo, err := New(
		[]Collection{{ID: "books", Pillars: []string{"a", "b", "c", "cs"}, Checksum: ChecksumSpec{Algorithm: "SHA256"}}},
		[]Replica{
			{ID: "ba", Type: Bitarchive, Pillars: []string{"a", "b", "c"}},
			{ID: "cr", Type: Checksum, Pillars: []string{"cs"}},
		},
		[]Pillar{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "cs"}},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return topo
}

func TestTopologyLookups(t *testing.T) {
	topo := newTestTopology(t)

	c, err := topo.Collection("books")
	if err != nil {
		t.Fatalf("Collection failed: %v", err)
	}

	if got := strings.Join(c.Pillars, ","); got != "a,b,c,cs" {
		t.Errorf("pillars = %s, want a,b,c,cs", got)
	}

	r, err := topo.ReplicaOf("cs")
	if err != nil {
		t.Fatalf("ReplicaOf failed: %v", err)
	}

	if r.Type != Checksum {
		t.Errorf("ReplicaOf(cs).Type = %s, want CHECKSUM", r.Type)
	}

	owned, err := topo.PillarsOf(topo.Replicas()[0], "books")
	if err != nil {
		t.Fatalf("PillarsOf failed: %v", err)
	}

	if len(owned) != 3 {
		t.Errorf("PillarsOf = %v, want 3 pillars", owned)
	}
}

func TestTopologyUnknownLookups(t *testing.T) {
	topo := newTestTopology(t)

	if _, err := topo.Collection("maps"); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("Collection(maps) error = %v, want ErrUnknownCollection", err)
	}

	if _, err := topo.Pillar("z"); !errors.Is(err, ErrUnknownPillar) {
		t.Errorf("Pillar(z) error = %v, want ErrUnknownPillar", err)
	}

	if _, err := topo.PillarIn("maps", "a"); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("PillarIn(maps, a) error = %v, want ErrUnknownCollection", err)
	}
}

func TestTopologyDefaultAlgorithm(t *testing.T) {
	topo, err := New(
		[]Collection{{ID: "c", Pillars: []string{"p"}}},
		[]Replica{{ID: "r", Type: Bitarchive, Pillars: []string{"p"}}},
		[]Pillar{{ID: "p"}},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	c, _ := topo.Collection("c")
	if c.Checksum.Algorithm != "MD5" {
		t.Errorf("default algorithm = %s, want MD5", c.Checksum.Algorithm)
	}
}

func TestTopologyValidation(t *testing.T) {
	pillars := []Pillar{{ID: "a"}, {ID: "b"}}

	tests := []struct {
		name        string
		collections []Collection
		replicas    []Replica
		pillars     []Pillar
		want        string
	}{
		{
			name:        "empty collection",
			collections: []Collection{{ID: "c"}, {ID: "d", Pillars: []string{"a", "b"}}},
			replicas:    []Replica{{ID: "r", Type: Bitarchive, Pillars: []string{"a", "b"}}},
			pillars:     pillars,
			want:        "has no pillars",
		},
		{
			name:        "bitarchive and checksum share pillar",
			collections: []Collection{{ID: "c", Pillars: []string{"a", "b"}}},
			replicas: []Replica{
				{ID: "ba", Type: Bitarchive, Pillars: []string{"a", "b"}},
				{ID: "cs", Type: Checksum, Pillars: []string{"b"}},
			},
			pillars: pillars,
			want:    "claimed by BITARCHIVE replica",
		},
		{
			name:        "pillar in two collections",
			collections: []Collection{{ID: "c", Pillars: []string{"a", "b"}}, {ID: "d", Pillars: []string{"a"}}},
			replicas:    []Replica{{ID: "r", Type: Bitarchive, Pillars: []string{"a", "b"}}},
			pillars:     pillars,
			want:        "is in collections",
		},
		{
			name:        "undeclared pillar",
			collections: []Collection{{ID: "c", Pillars: []string{"a", "x"}}},
			replicas:    []Replica{{ID: "r", Type: Bitarchive, Pillars: []string{"a"}}},
			pillars:     pillars,
			want:        "undeclared pillar",
		},
		{
			name:        "pillar without replica",
			collections: []Collection{{ID: "c", Pillars: []string{"a", "b"}}},
			replicas:    []Replica{{ID: "r", Type: Bitarchive, Pillars: []string{"a"}}},
			pillars:     pillars,
			want:        "belongs to no replica",
		},
		{
			name:        "checksum replica with two pillars in one collection",
			collections: []Collection{{ID: "c", Pillars: []string{"a", "b"}}},
			replicas:    []Replica{{ID: "cs", Type: Checksum, Pillars: []string{"a", "b"}}},
			pillars:     pillars,
			want:        "has 2 pillars",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.collections, tc.replicas, tc.pillars)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("New error = %v, want ErrInvalid", err)
			}

			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseReplicaType(t *testing.T) {
	if rt, err := ParseReplicaType("bitarchive"); err != nil || rt != Bitarchive {
		t.Errorf("ParseReplicaType(bitarchive) = %s, %v", rt, err)
	}

	if _, err := ParseReplicaType("mirror"); !errors.Is(err, ErrInvalid) {
		t.Errorf("ParseReplicaType(mirror) error = %v, want ErrInvalid", err)
	}
}
