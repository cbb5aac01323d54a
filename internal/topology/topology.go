package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownCollection is returned when a collection id is not configured.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownPillar is returned when a pillar id is not configured or not part of the addressed collection.
	ErrUnknownPillar = errors.New("unknown pillar")

	// ErrInvalid is returned when the topology violates a structural invariant.
	ErrInvalid = errors.New("invalid topology")
)

// ReplicaType distinguishes replicas holding file bytes from replicas holding digests only.
type ReplicaType string

const (
	// Bitarchive replicas keep full copies of the files on several pillars.
	Bitarchive ReplicaType = "BITARCHIVE"

	// Checksum replicas keep one authoritative digest pillar per collection.
	Checksum ReplicaType = "CHECKSUM"
)

// ParseReplicaType parses a replica type name, case-insensitively.
func ParseReplicaType(s string) (ReplicaType, error) {
	switch ReplicaType(strings.ToUpper(strings.TrimSpace(s))) {
	case Bitarchive:
		return Bitarchive, nil
	case Checksum:
		return Checksum, nil
	default:
		return "", fmt.Errorf("%w: replica type %q", ErrInvalid, s)
	}
}

// ChecksumSpec names the digest algorithm used by a collection and its optional salt.
type ChecksumSpec struct {
	Algorithm string // Algorithm is the digest algorithm name (MD5, SHA1, SHA256, SHA512, BLAKE3)
	Salt      []byte // Salt turns the digest into an HMAC when non-empty
}

// Salted reports whether the spec describes a keyed digest.
func (s ChecksumSpec) Salted() bool {
	return len(s.Salt) > 0
}

// Collection is a logical dataset replicated over an ordered set of pillars.
type Collection struct {
	ID       string       // ID is the collection identifier
	Pillars  []string     // Pillars is the ordered, non-empty pillar list
	Checksum ChecksumSpec // Checksum is the digest spec used to validate stored files
}

// Pillar is a single storage node.
type Pillar struct {
	ID         string // ID is the pillar identifier
	Address    string // Address is the transport address of the pillar
	PublicKey  []byte // PublicKey is the BLS key pillar replies are verified with (optional)
	Identity   []byte // Identity is the ed25519 key the pillar must present on connect (optional)
	Collection string // Collection is the collection the pillar belongs to
	Replica    string // Replica is the replica owning the pillar
}

// Replica is a named group of pillars of one type.
type Replica struct {
	ID      string      // ID is the replica identifier
	Type    ReplicaType // Type is BITARCHIVE or CHECKSUM
	Pillars []string    // Pillars lists the pillars owned by the replica
}

// Topology is the immutable description of collections, replicas and pillars.
type Topology struct {
	collections map[string]*Collection // collections maps id to collection
	order       []string               // order is the configured collection order
	replicas    map[string]*Replica    // replicas maps id to replica
	replicaIDs  []string               // replicaIDs is the configured replica order
	pillars     map[string]*Pillar     // pillars maps id to pillar
}

// New validates the given description and builds a Topology.
// A pillar listed by a collection or replica must be declared in pillars.
func New(collections []Collection, replicas []Replica, pillars []Pillar) (*Topology, error) {
	t := &Topology{
		collections: make(map[string]*Collection, len(collections)),
		replicas:    make(map[string]*Replica, len(replicas)),
		pillars:     make(map[string]*Pillar, len(pillars)),
	}

	for i := range pillars {
		p := pillars[i]
		if p.ID == "" {
			return nil, fmt.Errorf("%w: pillar without id", ErrInvalid)
		}
		if _, dup := t.pillars[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate pillar %q", ErrInvalid, p.ID)
		}
		p.Collection, p.Replica = "", ""
		t.pillars[p.ID] = &p
	}

	if err := t.addCollections(collections); err != nil {
		return nil, err
	}

	if err := t.addReplicas(replicas); err != nil {
		return nil, err
	}

	for _, id := range t.pillarIDs() {
		p := t.pillars[id]
		if p.Collection == "" {
			return nil, fmt.Errorf("%w: pillar %q belongs to no collection", ErrInvalid, id)
		}
		if p.Replica == "" {
			return nil, fmt.Errorf("%w: pillar %q belongs to no replica", ErrInvalid, id)
		}
	}

	return t, nil
}

// addCollections registers collections and binds their pillars.
func (t *Topology) addCollections(collections []Collection) error {
	for _, c := range collections {
		if c.ID == "" {
			return fmt.Errorf("%w: collection without id", ErrInvalid)
		}
		if _, dup := t.collections[c.ID]; dup {
			return fmt.Errorf("%w: duplicate collection %q", ErrInvalid, c.ID)
		}
		if len(c.Pillars) == 0 {
			return fmt.Errorf("%w: collection %q has no pillars", ErrInvalid, c.ID)
		}

		for _, pid := range c.Pillars {
			p, ok := t.pillars[pid]
			if !ok {
				return fmt.Errorf("%w: collection %q lists undeclared pillar %q", ErrInvalid, c.ID, pid)
			}
			if p.Collection != "" {
				return fmt.Errorf("%w: pillar %q is in collections %q and %q", ErrInvalid, pid, p.Collection, c.ID)
			}
			p.Collection = c.ID
		}

		coll := Collection{
			ID:       c.ID,
			Pillars:  append([]string(nil), c.Pillars...),
			Checksum: ChecksumSpec{Algorithm: c.Checksum.Algorithm, Salt: append([]byte(nil), c.Checksum.Salt...)},
		}
		if coll.Checksum.Algorithm == "" {
			coll.Checksum.Algorithm = "MD5"
		}

		t.collections[c.ID] = &coll
		t.order = append(t.order, c.ID)
	}

	return nil
}

// addReplicas registers replicas and binds their pillars.
func (t *Topology) addReplicas(replicas []Replica) error {
	for _, r := range replicas {
		if r.ID == "" {
			return fmt.Errorf("%w: replica without id", ErrInvalid)
		}
		if _, dup := t.replicas[r.ID]; dup {
			return fmt.Errorf("%w: duplicate replica %q", ErrInvalid, r.ID)
		}
		if r.Type != Bitarchive && r.Type != Checksum {
			return fmt.Errorf("%w: replica %q has type %q", ErrInvalid, r.ID, r.Type)
		}
		if len(r.Pillars) == 0 {
			return fmt.Errorf("%w: replica %q has no pillars", ErrInvalid, r.ID)
		}

		perCollection := make(map[string]int)

		for _, pid := range r.Pillars {
			p, ok := t.pillars[pid]
			if !ok {
				return fmt.Errorf("%w: replica %q lists undeclared pillar %q", ErrInvalid, r.ID, pid)
			}
			if p.Replica != "" {
				owner := t.replicas[p.Replica]
				if owner.Type != r.Type {
					return fmt.Errorf("%w: pillar %q claimed by %s replica %q and %s replica %q",
						ErrInvalid, pid, owner.Type, owner.ID, r.Type, r.ID)
				}
				return fmt.Errorf("%w: pillar %q claimed by replicas %q and %q", ErrInvalid, pid, owner.ID, r.ID)
			}
			p.Replica = r.ID
			perCollection[p.Collection]++
		}

		if r.Type == Checksum {
			for coll, n := range perCollection {
				if n > 1 {
					return fmt.Errorf("%w: checksum replica %q has %d pillars in collection %q", ErrInvalid, r.ID, n, coll)
				}
			}
		}

		t.replicas[r.ID] = &Replica{ID: r.ID, Type: r.Type, Pillars: append([]string(nil), r.Pillars...)}
		t.replicaIDs = append(t.replicaIDs, r.ID)
	}

	return nil
}

// Collections returns the collection ids in configured order.
func (t *Topology) Collections() []string {
	return append([]string(nil), t.order...)
}

// Collection returns the collection with the given id.
func (t *Topology) Collection(id string) (Collection, error) {
	c, ok := t.collections[id]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %q", ErrUnknownCollection, id)
	}

	return c.clone(), nil
}

// Pillar returns the pillar with the given id.
func (t *Topology) Pillar(id string) (Pillar, error) {
	p, ok := t.pillars[id]
	if !ok {
		return Pillar{}, fmt.Errorf("%w: %q", ErrUnknownPillar, id)
	}

	return *p, nil
}

// PillarIn returns the pillar if it belongs to the given collection.
func (t *Topology) PillarIn(collectionID, pillarID string) (Pillar, error) {
	if _, err := t.Collection(collectionID); err != nil {
		return Pillar{}, err
	}

	p, err := t.Pillar(pillarID)
	if err != nil {
		return Pillar{}, err
	}

	if p.Collection != collectionID {
		return Pillar{}, fmt.Errorf("%w: %q is not in collection %q", ErrUnknownPillar, pillarID, collectionID)
	}

	return p, nil
}

// Replicas returns all replicas in configured order.
func (t *Topology) Replicas() []Replica {
	out := make([]Replica, 0, len(t.replicaIDs))
	for _, id := range t.replicaIDs {
		r := t.replicas[id]
		out = append(out, Replica{ID: r.ID, Type: r.Type, Pillars: append([]string(nil), r.Pillars...)})
	}

	return out
}

// ReplicaOf returns the replica owning the given pillar.
func (t *Topology) ReplicaOf(pillarID string) (Replica, error) {
	p, err := t.Pillar(pillarID)
	if err != nil {
		return Replica{}, err
	}

	r := t.replicas[p.Replica]

	return Replica{ID: r.ID, Type: r.Type, Pillars: append([]string(nil), r.Pillars...)}, nil
}

// PillarsOf returns the pillars of replica r that belong to collection, in collection order.
func (t *Topology) PillarsOf(r Replica, collectionID string) ([]string, error) {
	c, err := t.Collection(collectionID)
	if err != nil {
		return nil, err
	}

	owned := make(map[string]bool, len(r.Pillars))
	for _, id := range r.Pillars {
		owned[id] = true
	}

	var out []string
	for _, id := range c.Pillars {
		if owned[id] {
			out = append(out, id)
		}
	}

	return out, nil
}

// pillarIDs returns all pillar ids sorted.
func (t *Topology) pillarIDs() []string {
	ids := make([]string, 0, len(t.pillars))
	for id := range t.pillars {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// clone returns a deep copy of the collection.
func (c *Collection) clone() Collection {
	return Collection{
		ID:       c.ID,
		Pillars:  append([]string(nil), c.Pillars...),
		Checksum: ChecksumSpec{Algorithm: c.Checksum.Algorithm, Salt: append([]byte(nil), c.Checksum.Salt...)},
	}
}
