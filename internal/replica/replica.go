package replica

import (
	"context"
	"errors"
	"fmt"

	"Bitvault/internal/batch"
	"Bitvault/internal/dispatch"
	"Bitvault/internal/protocol"
	"Bitvault/internal/topology"
)

// ErrUnsupported is returned for operations the replica type does not offer.
var ErrUnsupported = errors.New("operation not supported for this replica type")

// Client is the operation surface of one replica. Requests go only to the
// replica's own pillars of the addressed collection.
type Client struct {
	replica    topology.Replica     // replica is the served replica
	dispatcher *dispatch.Dispatcher // dispatcher sends requests and decides outcomes
}

// BuildReplicaClients creates one client per replica of the topology, in
// configuration order. Structural checks (non-empty collections, one replica
// per pillar) are done by topology.New, the only way to build a Topology.
func BuildReplicaClients(topo *topology.Topology, d *dispatch.Dispatcher) ([]*Client, error) {
	if topo == nil || d == nil {
		return nil, fmt.Errorf("%w: topology and dispatcher are required", dispatch.ErrInvalidArgument)
	}

	replicas := topo.Replicas()
	clients := make([]*Client, 0, len(replicas))

	for _, r := range replicas {
		clients = append(clients, &Client{replica: r, dispatcher: d})
	}

	return clients, nil
}

// ID returns the replica id.
func (c *Client) ID() string {
	return c.replica.ID
}

// Type returns BITARCHIVE or CHECKSUM.
func (c *Client) Type() topology.ReplicaType {
	return c.replica.Type
}

// Pillars returns the replica's pillars in the collection, in collection order.
func (c *Client) Pillars(collection string) ([]string, error) {
	ids, err := c.dispatcher.Topology().PillarsOf(c.replica, collection)
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: replica %q has no pillar in collection %q", topology.ErrUnknownPillar, c.replica.ID, collection)
	}

	return ids, nil
}

// Put stores the local file on every pillar of the replica in the collection.
// The store policy's failure tolerance is clamped below the number of pillars.
func (c *Client) Put(ctx context.Context, collection, fileID, path string) error {
	targets, err := c.Pillars(collection)
	if err != nil {
		return err
	}

	maxFailures := dispatch.ClampFailures(c.dispatcher.Policy().StoreMaxPillarFailures, len(targets))

	return c.dispatcher.Put(ctx, collection, fileID, path, targets, maxFailures)
}

// Get downloads a file, or a part of it, from one pillar of the replica and returns the local path.
func (c *Client) Get(ctx context.Context, collection, fileID string, part *protocol.FilePart) (string, error) {
	if err := c.require(topology.Bitarchive, "get"); err != nil {
		return "", err
	}

	pillar, err := c.readPillar(collection)
	if err != nil {
		return "", err
	}

	return c.dispatcher.Get(ctx, collection, pillar, fileID, part)
}

// GetChecksums asks every pillar of the replica for its digests, optionally of one file.
func (c *Client) GetChecksums(ctx context.Context, collection, fileID string) (map[string]dispatch.ChecksumResult, error) {
	targets, err := c.Pillars(collection)
	if err != nil {
		return nil, err
	}

	return c.dispatcher.GetChecksums(ctx, collection, targets, fileID)
}

// ListFileIDs lists the ids held by the replica's read pillar.
func (c *Client) ListFileIDs(ctx context.Context, collection string) ([]string, error) {
	pillar, err := c.readPillar(collection)
	if err != nil {
		return nil, err
	}

	return c.dispatcher.ListFileIDs(ctx, collection, pillar)
}

// RunBatch starts job on every pillar of the replica in the collection.
func (c *Client) RunBatch(ctx context.Context, collection string, job protocol.JobDescriptor) (*batch.Handle, error) {
	if err := c.require(topology.Bitarchive, "batch"); err != nil {
		return nil, err
	}

	targets, err := c.Pillars(collection)
	if err != nil {
		return nil, err
	}

	maxFailures := dispatch.ClampFailures(c.dispatcher.Policy().BatchMaxPillarFailures, len(targets))

	return c.dispatcher.RunBatch(ctx, collection, targets, job, maxFailures)
}

// Correct replaces a damaged file on one pillar of the replica.
func (c *Client) Correct(ctx context.Context, collection, pillarID, fileID, badChecksum, path string) error {
	if err := c.owns(pillarID); err != nil {
		return err
	}

	return c.dispatcher.Correct(ctx, collection, pillarID, fileID, badChecksum, path)
}

// require fails with ErrUnsupported unless the replica has type t.
func (c *Client) require(t topology.ReplicaType, op string) error {
	if c.replica.Type != t {
		return fmt.Errorf("%w: %s on %s replica %q", ErrUnsupported, op, c.replica.Type, c.replica.ID)
	}

	return nil
}

// owns fails unless pillarID belongs to the replica.
func (c *Client) owns(pillarID string) error {
	for _, id := range c.replica.Pillars {
		if id == pillarID {
			return nil
		}
	}

	return fmt.Errorf("%w: %q is not in replica %q", topology.ErrUnknownPillar, pillarID, c.replica.ID)
}

// readPillar picks the designated pillar when the replica owns it, else the replica's first pillar.
func (c *Client) readPillar(collection string) (string, error) {
	targets, err := c.Pillars(collection)
	if err != nil {
		return "", err
	}

	if designated, err := c.dispatcher.DesignatedPillar(collection); err == nil {
		for _, id := range targets {
			if id == designated {
				return id, nil
			}
		}
	}

	return targets[0], nil
}
