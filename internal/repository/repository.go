package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Bitvault/internal/batch"
	"Bitvault/internal/checksum"
	"Bitvault/internal/config"
	"Bitvault/internal/dispatch"
	"Bitvault/internal/exchange"
	"Bitvault/internal/logger"
	"Bitvault/internal/protocol"
	"Bitvault/internal/replica"
	"Bitvault/internal/signing"
	"Bitvault/internal/topology"
	"Bitvault/internal/transport"
)

// ErrInconsistent is returned by Store when a pillar disagrees with the local file after upload.
var ErrInconsistent = errors.New("replicas inconsistent")

// Repository is the collection-wide client: it stores files on every pillar of
// a collection and reads them back, through one dispatcher and its replica clients.
type Repository struct {
	cfg        *config.Config             // cfg is the finished configuration
	dispatcher *dispatch.Dispatcher       // dispatcher runs every operation
	replicas   []*replica.Client          // replicas are the per-replica clients in configured order
	byID       map[string]*replica.Client // byID maps replica id to its client
}

// Open connects to the configured pillars over QUIC.
func Open(cfg *config.Config) (*Repository, error) {
	if cfg == nil || cfg.Topology() == nil {
		return nil, fmt.Errorf("%w: configuration without topology", dispatch.ErrInvalidArgument)
	}

	tr, err := transport.NewQUIC(cfg.Topology(), nil)
	if err != nil {
		return nil, fmt.Errorf("create transport:\n%w", err)
	}

	r, err := New(cfg, tr)
	if err != nil {
		tr.Close()
		return nil, err
	}

	return r, nil
}

// New creates a repository over tr. Requests are signed with the key in
// cfg.KeyFile, created on first use, when one is configured.
func New(cfg *config.Config, tr transport.Transport) (*Repository, error) {
	if cfg == nil || cfg.Topology() == nil {
		return nil, fmt.Errorf("%w: configuration without topology", dispatch.ErrInvalidArgument)
	}

	var key *signing.KeyPair
	if cfg.KeyFile != "" {
		k, err := signing.LoadOrCreate(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key:\n%w", err)
		}
		key = k
	}

	d, err := dispatch.New(cfg, tr, exchange.NewClient(cfg.Exchange.URL), key)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher:\n%w", err)
	}

	clients, err := replica.BuildReplicaClients(cfg.Topology(), d)
	if err != nil {
		return nil, fmt.Errorf("build replica clients:\n%w", err)
	}

	r := &Repository{
		cfg:        cfg,
		dispatcher: d,
		replicas:   clients,
		byID:       make(map[string]*replica.Client, len(clients)),
	}

	for _, c := range clients {
		r.byID[c.ID()] = c
	}

	logger.Info("repository ready",
		"component", cfg.ComponentID,
		"collections", len(cfg.Topology().Collections()),
		"replicas", len(clients),
		"signed", key != nil,
	)

	return r, nil
}

// Close releases the transport.
func (r *Repository) Close() error {
	return r.dispatcher.Close()
}

// KnownCollections returns the configured collection ids in configured order.
func (r *Repository) KnownCollections() []string {
	return r.cfg.Topology().Collections()
}

// Replicas returns the replica clients in configured order.
func (r *Repository) Replicas() []*replica.Client {
	return r.replicas
}

// Replica returns the client of one replica.
func (r *Repository) Replica(id string) (*replica.Client, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: replica %q", topology.ErrInvalid, id)
	}

	return c, nil
}

// collection resolves an empty collection id to the configured default.
func (r *Repository) collection(id string) (string, error) {
	if id == "" {
		id = r.cfg.DefaultCollection
	}

	if id == "" {
		return "", fmt.Errorf("%w: no collection given and no default configured", dispatch.ErrInvalidArgument)
	}

	return id, nil
}

// Upload stores the local file on every pillar of the collection. The store
// policy's failure tolerance is clamped below the number of pillars.
func (r *Repository) Upload(ctx context.Context, collection, fileID, path string) error {
	collection, err := r.collection(collection)
	if err != nil {
		return err
	}

	coll, err := r.cfg.Topology().Collection(collection)
	if err != nil {
		return err
	}

	maxFailures := dispatch.ClampFailures(r.cfg.Policy.StoreMaxPillarFailures, len(coll.Pillars))

	if err := r.dispatcher.Put(ctx, collection, fileID, path, nil, maxFailures); err != nil {
		return fmt.Errorf("upload %s:\n%w", fileID, err)
	}

	return nil
}

// Inconsistency is one pillar whose copy disagrees with the local file.
type Inconsistency struct {
	Pillar  string // Pillar is the disagreeing pillar
	Problem string // Problem describes the disagreement
}

// ConsistencyError lists the pillars that disagree after a Store.
type ConsistencyError struct {
	Collection string          // Collection is the checked collection
	FileID     string          // FileID is the checked file
	Problems   []Inconsistency // Problems are sorted by pillar
}

// Error lists every disagreeing pillar.
func (e *ConsistencyError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.Pillar + ": " + p.Problem
	}

	return fmt.Sprintf("%s: %s/%s: %s", ErrInconsistent, e.Collection, e.FileID, strings.Join(parts, "; "))
}

// Unwrap returns ErrInconsistent.
func (e *ConsistencyError) Unwrap() error {
	return ErrInconsistent
}

// Store uploads the file, then checks that every pillar of the collection
// reports the local digest for it.
func (r *Repository) Store(ctx context.Context, collection, fileID, path string) error {
	collection, err := r.collection(collection)
	if err != nil {
		return err
	}

	if err := r.Upload(ctx, collection, fileID, path); err != nil {
		return err
	}

	problems, err := r.CheckConsistency(ctx, collection, fileID, path)
	if err != nil {
		return err
	}

	if len(problems) > 0 {
		return &ConsistencyError{Collection: collection, FileID: fileID, Problems: problems}
	}

	return nil
}

// CheckConsistency compares the digest every pillar of the collection reports
// for fileID with the digest of the local file.
func (r *Repository) CheckConsistency(ctx context.Context, collection, fileID, path string) ([]Inconsistency, error) {
	collection, err := r.collection(collection)
	if err != nil {
		return nil, err
	}

	coll, err := r.cfg.Topology().Collection(collection)
	if err != nil {
		return nil, err
	}

	want, _, err := checksum.File(coll.Checksum, path)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum %s:\n%w", dispatch.ErrLocalIO, path, err)
	}

	start := time.Now()

	results, err := r.dispatcher.GetChecksums(ctx, collection, nil, fileID)
	if err != nil {
		return nil, fmt.Errorf("get checksums:\n%w", err)
	}

	var problems []Inconsistency

	for _, pillar := range dispatch.SortedPillars(results) {
		res := results[pillar]

		switch got, ok := res.Checksums[fileID]; {
		case res.Err != nil:
			problems = append(problems, Inconsistency{Pillar: pillar, Problem: "no answer: " + res.Err.Error()})
		case !ok:
			problems = append(problems, Inconsistency{Pillar: pillar, Problem: "missing on pillar"})
		case !checksum.Equal(got, want):
			problems = append(problems, Inconsistency{Pillar: pillar, Problem: "different checksum " + got})
		}
	}

	if len(problems) > 0 {
		logger.Warn("file inconsistent", "collection", collection, "file", fileID, "pillars", len(problems))
	} else {
		logger.Debug("file consistent", "collection", collection, "file", fileID, "pillars", len(results), logger.Timed(start))
	}

	return problems, nil
}

// GetFile downloads a file, or part of it, from one pillar and returns the
// local path. An empty pillarID asks the designated pillar.
func (r *Repository) GetFile(ctx context.Context, collection, fileID, pillarID string, part *protocol.FilePart) (string, error) {
	collection, err := r.collection(collection)
	if err != nil {
		return "", err
	}

	if pillarID == "" {
		if pillarID, err = r.dispatcher.DesignatedPillar(collection); err != nil {
			return "", err
		}
	}

	return r.dispatcher.Get(ctx, collection, pillarID, fileID, part)
}

// Exists reports whether the designated pillar of the collection holds fileID.
func (r *Repository) Exists(ctx context.Context, collection, fileID string) (bool, error) {
	collection, err := r.collection(collection)
	if err != nil {
		return false, err
	}

	return r.dispatcher.Exists(ctx, collection, fileID)
}

// GetChecksums asks every pillar of the collection for its digests, optionally of one file.
func (r *Repository) GetChecksums(ctx context.Context, collection, fileID string) (map[string]dispatch.ChecksumResult, error) {
	collection, err := r.collection(collection)
	if err != nil {
		return nil, err
	}

	return r.dispatcher.GetChecksums(ctx, collection, nil, fileID)
}

// FileIDs lists every id held by one pillar. An empty pillarID asks the designated pillar.
func (r *Repository) FileIDs(ctx context.Context, collection, pillarID string) ([]string, error) {
	collection, err := r.collection(collection)
	if err != nil {
		return nil, err
	}

	if pillarID == "" {
		if pillarID, err = r.dispatcher.DesignatedPillar(collection); err != nil {
			return nil, err
		}
	}

	ids, err := r.dispatcher.ListFileIDs(ctx, collection, pillarID)
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)

	return ids, nil
}

// RunBatch runs job on every pillar the replica has in the collection and
// waits for the merged result.
func (r *Repository) RunBatch(ctx context.Context, replicaID, collection string, job protocol.JobDescriptor) (*batch.Result, error) {
	collection, err := r.collection(collection)
	if err != nil {
		return nil, err
	}

	c, err := r.Replica(replicaID)
	if err != nil {
		return nil, err
	}

	h, err := c.RunBatch(ctx, collection, job)
	if err != nil {
		return nil, err
	}

	return h.Wait(ctx)
}

// Correct replaces a damaged copy of fileID on one pillar with the local file.
// The pillar refuses unless its copy has the digest badChecksum.
func (r *Repository) Correct(ctx context.Context, collection, pillarID, fileID, badChecksum, path string) error {
	collection, err := r.collection(collection)
	if err != nil {
		return err
	}

	owner, err := r.cfg.Topology().ReplicaOf(pillarID)
	if err != nil {
		return err
	}

	c, err := r.Replica(owner.ID)
	if err != nil {
		return err
	}

	return c.Correct(ctx, collection, pillarID, fileID, badChecksum, path)
}
