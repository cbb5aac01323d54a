package repository

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Bitvault/internal/checksum"
	"Bitvault/internal/config"
	"Bitvault/internal/conversation"
	"Bitvault/internal/dispatch"
	"Bitvault/internal/exchange"
	"Bitvault/internal/jobvm"
	"Bitvault/internal/pillar"
	"Bitvault/internal/protocol"
	"Bitvault/internal/replica"
	"Bitvault/internal/signing"
	"Bitvault/internal/storage"
	"Bitvault/internal/topology"
	"Bitvault/internal/transport"
)

var sha256Spec = topology.ChecksumSpec{Algorithm: "SHA256"}

// forgetful acknowledges every Put without storing anything.
type forgetful struct {
	*pillar.Archive
}

func (forgetful) HandlePut(context.Context, *protocol.PutRequest) *protocol.Reply {
	return protocol.Complete("stored")
}

type cluster struct {
	repo     *Repository
	archives map[string]*pillar.Archive
}

// newTestCluster runs bitarchive pillars a and b and checksum pillar cs in
// process, with signed requests and replies. wrap may replace a pillar's handler.
func newTestCluster(t *testing.T, wrap func(id string, a *pillar.Archive) protocol.Handler) (*cluster, func()) {
	t.Helper()

	ts := httptest.NewServer(exchange.NewServer("", t.TempDir()).Handler())
	ex := exchange.NewClient(ts.URL)

	keyFile := filepath.Join(t.TempDir(), "client.key")
	clientKey, err := signing.LoadOrCreate(keyFile)
	if err != nil {
		t.Fatalf("client key: %v", err)
	}

	jobs, err := jobvm.New(0)
	if err != nil {
		t.Fatalf("job runtime: %v", err)
	}

	cfg := &config.Config{
		ComponentID:       "client-test",
		KeyFile:           keyFile,
		TempDir:           t.TempDir(),
		DefaultCollection: "books",
		UsePillar:         "b",
		Timeouts: config.Timeouts{
			Identification: config.Duration{Duration: 500 * time.Millisecond},
			Operation:      config.Duration{Duration: 5 * time.Second},
		},
		Policy:   config.Policy{GetFileIDsMaxResults: 2},
		Exchange: config.Exchange{URL: ts.URL},
		Collections: []config.CollectionEntry{
			{ID: "books", Pillars: []string{"a", "b", "cs"}, Checksum: config.ChecksumEntry{Algorithm: "SHA256"}},
		},
		Replicas: []config.ReplicaEntry{
			{ID: "archive", Type: "BITARCHIVE", Pillars: []string{"a", "b"}},
			{ID: "sums", Type: "CHECKSUM", Pillars: []string{"cs"}},
		},
	}

	local := transport.NewLocal()
	c := &cluster{archives: make(map[string]*pillar.Archive)}
	var stores []*storage.Store

	for _, id := range []string{"a", "b", "cs"} {
		store, err := storage.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open store %s: %v", id, err)
		}
		stores = append(stores, store)

		var h protocol.Handler
		if id == "cs" {
			if h, err = pillar.NewChecksums(t.TempDir(), store, ex); err != nil {
				t.Fatalf("checksum pillar: %v", err)
			}
		} else {
			a, err := pillar.NewArchive(t.TempDir(), store, ex, jobs)
			if err != nil {
				t.Fatalf("archive pillar %s: %v", id, err)
			}
			c.archives[id] = a
			h = a
			if wrap != nil {
				h = wrap(id, a)
			}
		}

		key, err := signing.Generate()
		if err != nil {
			t.Fatalf("pillar key: %v", err)
		}

		srv := pillar.NewServer(id, h, key)
		srv.Trust(cfg.ComponentID, clientKey.PublicKeyBytes())
		local.Attach(id, srv)

		cfg.Pillars = append(cfg.Pillars, config.PillarEntry{
			ID:        id,
			Address:   "local-" + id,
			PublicKey: hex.EncodeToString(key.PublicKeyBytes()),
		})
	}

	if err := cfg.Finish(); err != nil {
		t.Fatalf("config: %v", err)
	}

	repo, err := New(cfg, local)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.repo = repo

	cleanup := func() {
		repo.Close()
		jobs.Close()
		for _, s := range stores {
			s.Close()
		}
		ts.Close()
	}

	return c, cleanup
}

// writeLocal creates a local file with data.
func writeLocal(t *testing.T, name, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	return path
}

func readLocal(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	return string(data)
}

func digest(t *testing.T, data string) string {
	t.Helper()

	sum, err := checksum.Bytes(sha256Spec, []byte(data))
	if err != nil {
		t.Fatalf("checksum: %v", err)
	}

	return sum
}

func TestStoreAndReadBack(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	if got := c.repo.KnownCollections(); len(got) != 1 || got[0] != "books" {
		t.Fatalf("KnownCollections = %v", got)
	}

	if err := c.repo.Store(ctx, "", "book.warc", writeLocal(t, "book.warc", "0123456789")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if ok, err := c.repo.Exists(ctx, "books", "book.warc"); err != nil || !ok {
		t.Errorf("Exists(book.warc) = %v, %v", ok, err)
	}

	if ok, err := c.repo.Exists(ctx, "books", "other.warc"); err != nil || ok {
		t.Errorf("Exists(other.warc) = %v, %v", ok, err)
	}

	path, err := c.repo.GetFile(ctx, "books", "book.warc", "", nil)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	defer os.Remove(path)

	if got := readLocal(t, path); got != "0123456789" {
		t.Errorf("GetFile delivered %q", got)
	}

	part, err := c.repo.GetFile(ctx, "books", "book.warc", "a", &protocol.FilePart{Offset: 2, Length: 3})
	if err != nil {
		t.Fatalf("GetFile part failed: %v", err)
	}
	defer os.Remove(part)

	if got := readLocal(t, part); got != "234" {
		t.Errorf("GetFile part delivered %q", got)
	}

	sums, err := c.repo.GetChecksums(ctx, "books", "")
	if err != nil {
		t.Fatalf("GetChecksums failed: %v", err)
	}

	want := digest(t, "0123456789")
	for _, id := range []string{"a", "b", "cs"} {
		res := sums[id]
		if res.Err != nil || res.Checksums["book.warc"] != want {
			t.Errorf("pillar %s checksums = %+v", id, res)
		}
	}
}

func TestFileIDsPagesThroughPillar(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	for _, id := range []string{"c", "a", "e", "b", "d"} {
		if err := c.repo.Upload(ctx, "books", id, writeLocal(t, id, "data-"+id)); err != nil {
			t.Fatalf("Upload %s failed: %v", id, err)
		}
	}

	for _, p := range []string{"", "a", "cs"} {
		ids, err := c.repo.FileIDs(ctx, "books", p)
		if err != nil {
			t.Fatalf("FileIDs(%q) failed: %v", p, err)
		}

		if strings.Join(ids, ",") != "a,b,c,d,e" {
			t.Errorf("FileIDs(%q) = %v", p, ids)
		}
	}
}

func TestStoreReportsMissingCopies(t *testing.T) {
	c, cleanup := newTestCluster(t, func(id string, a *pillar.Archive) protocol.Handler {
		if id == "a" {
			return forgetful{a}
		}
		return a
	})
	defer cleanup()

	err := c.repo.Store(context.Background(), "books", "book.warc", writeLocal(t, "book.warc", "content"))
	if !errors.Is(err, ErrInconsistent) {
		t.Fatalf("Store error = %v, want ErrInconsistent", err)
	}

	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("Store error %T is not a ConsistencyError", err)
	}

	if len(ce.Problems) != 1 || ce.Problems[0].Pillar != "a" || ce.Problems[0].Problem != "missing on pillar" {
		t.Errorf("problems = %+v", ce.Problems)
	}
}

func TestCheckConsistencyReportsDifferentChecksum(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	if err := c.repo.Upload(ctx, "books", "book.warc", writeLocal(t, "book.warc", "original")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	problems, err := c.repo.CheckConsistency(ctx, "books", "book.warc", writeLocal(t, "edited.warc", "edited"))
	if err != nil {
		t.Fatalf("CheckConsistency failed: %v", err)
	}

	if len(problems) != 3 {
		t.Fatalf("problems = %+v", problems)
	}

	for _, p := range problems {
		if !strings.HasPrefix(p.Problem, "different checksum") {
			t.Errorf("pillar %s: %s", p.Pillar, p.Problem)
		}
	}
}

func TestUploadRefusesConflictingContent(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	if err := c.repo.Upload(ctx, "books", "book.warc", writeLocal(t, "v1", "first")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	if err := c.repo.Upload(ctx, "books", "book.warc", writeLocal(t, "v1-again", "first")); err != nil {
		t.Errorf("re-upload of identical content failed: %v", err)
	}

	err := c.repo.Upload(ctx, "books", "book.warc", writeLocal(t, "v2", "second"))
	if !errors.Is(err, dispatch.ErrQuorumNotMet) {
		t.Fatalf("conflicting upload error = %v", err)
	}

	var oe *dispatch.OperationError
	if !errors.As(err, &oe) || oe.Outcome.Rule != conversation.RuleFailFast && oe.Outcome.Rule != conversation.RuleTooManyFailures {
		t.Errorf("conflicting upload outcome = %+v", err)
	}
}

func TestRunBatchIsRepeatable(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	for id, data := range map[string]string{"a.warc": "first\n", "b.warc": "second\n", "c.cdx": "index\n"} {
		if err := c.repo.Upload(ctx, "books", id, writeLocal(t, id, data)); err != nil {
			t.Fatalf("Upload %s failed: %v", id, err)
		}
	}

	code, err := jobvm.Builtin("echo")
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}

	job := protocol.JobDescriptor{Name: "echo", Code: code, FilePattern: `\.warc$`}

	var outputs []string
	for i := 0; i < 2; i++ {
		res, err := c.repo.RunBatch(ctx, "archive", "books", job)
		if err != nil {
			t.Fatalf("RunBatch %d failed: %v", i, err)
		}

		if res.FilesProcessed != 4 || len(res.Failures) != 0 {
			t.Errorf("run %d: processed %d, failures %v", i, res.FilesProcessed, res.Failures)
		}

		outputs = append(outputs, readLocal(t, res.OutputPath))
		os.Remove(res.OutputPath)
	}

	if outputs[0] != "first\nsecond\nfirst\nsecond\n" || outputs[0] != outputs[1] {
		t.Errorf("outputs = %q", outputs)
	}
}

func TestRunBatchReportsFailedFiles(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	if err := c.repo.Upload(ctx, "books", "a.warc", writeLocal(t, "a.warc", "x")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	code, _ := jobvm.Builtin("reject")

	res, err := c.repo.RunBatch(ctx, "archive", "books", protocol.JobDescriptor{Name: "reject", Code: code})
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	if got := res.FailedFiles(); len(got) != 1 || got[0] != "a.warc" || len(res.Failures) != 2 {
		t.Errorf("failures = %+v", res.Failures)
	}
}

func TestChecksumReplicaRefusesBytes(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()
	code, _ := jobvm.Builtin("count")

	if _, err := c.repo.RunBatch(ctx, "sums", "books", protocol.JobDescriptor{Name: "count", Code: code}); !errors.Is(err, replica.ErrUnsupported) {
		t.Errorf("RunBatch on checksum replica = %v", err)
	}

	sums, err := c.repo.Replica("sums")
	if err != nil {
		t.Fatalf("Replica failed: %v", err)
	}

	if _, err := sums.Get(ctx, "books", "a.warc", nil); !errors.Is(err, replica.ErrUnsupported) {
		t.Errorf("Get on checksum replica = %v", err)
	}

	if _, err := c.repo.Replica("nope"); !errors.Is(err, topology.ErrInvalid) {
		t.Errorf("Replica(nope) = %v", err)
	}
}

func TestDeniedRequestFails(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	if err := c.repo.Upload(ctx, "books", "book.warc", writeLocal(t, "book.warc", "data")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	start := time.Now()

	_, err := c.repo.GetFile(ctx, "books", "book.warc", "cs", nil)
	if !errors.Is(err, dispatch.ErrRetrievalFailed) {
		t.Fatalf("GetFile from checksum pillar = %v", err)
	}

	var oe *dispatch.OperationError
	if !errors.As(err, &oe) || oe.Outcome.Status != conversation.StatusFailed {
		t.Fatalf("outcome = %+v", err)
	}

	if ev, ok := oe.Outcome.Event("cs"); !ok || ev.Reason != protocol.ReasonDenied {
		t.Errorf("cs event = %+v", ev)
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("denied request took %v", elapsed)
	}
}

func TestCorrectReplacesDamagedCopy(t *testing.T) {
	c, cleanup := newTestCluster(t, nil)
	defer cleanup()

	ctx := context.Background()

	if err := c.repo.Upload(ctx, "books", "book.warc", writeLocal(t, "bad", "damaged")); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	good := writeLocal(t, "good", "repaired")

	if err := c.repo.Correct(ctx, "books", "a", "book.warc", digest(t, "something else"), good); err == nil {
		t.Error("Correct with a wrong bad checksum succeeded")
	}

	for _, p := range []string{"a", "cs"} {
		if err := c.repo.Correct(ctx, "books", p, "book.warc", digest(t, "damaged"), good); err != nil {
			t.Fatalf("Correct on %s failed: %v", p, err)
		}
	}

	path, err := c.repo.GetFile(ctx, "books", "book.warc", "a", nil)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	defer os.Remove(path)

	if got := readLocal(t, path); got != "repaired" {
		t.Errorf("corrected copy holds %q", got)
	}

	problems, err := c.repo.CheckConsistency(ctx, "books", "book.warc", good)
	if err != nil {
		t.Fatalf("CheckConsistency failed: %v", err)
	}

	if len(problems) != 1 || problems[0].Pillar != "b" {
		t.Errorf("problems = %+v", problems)
	}
}

func TestNewRequiresTopology(t *testing.T) {
	if _, err := New(&config.Config{}, transport.NewLocal()); !errors.Is(err, dispatch.ErrInvalidArgument) {
		t.Errorf("New without topology = %v", err)
	}
}
