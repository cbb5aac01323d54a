package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"Bitvault/internal/dispatch"
	"Bitvault/internal/jobvm"
	"Bitvault/internal/protocol"
	"Bitvault/internal/repository"
)

// newFlags creates the flag set of a command with the shared -c flag.
func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	collection := fs.String("c", "", "Collection id, default from the configuration")

	return fs, collection
}

// runCollections prints the configured collection ids.
func runCollections(_ context.Context, r *repository.Repository, _ []string) error {
	for _, id := range r.KnownCollections() {
		fmt.Println(id)
	}

	return nil
}

// runReplicas prints each replica with its type.
func runReplicas(_ context.Context, r *repository.Repository, _ []string) error {
	for _, c := range r.Replicas() {
		fmt.Printf("%s\t%s\n", c.ID(), c.Type())
	}

	return nil
}

// runPut uploads a file without the consistency check.
func runPut(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("put")
	fileID := fs.String("id", "", "File id, default the file name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, id, err := localFile(fs, *fileID)
	if err != nil {
		return err
	}

	if err := r.Upload(ctx, *collection, id, path); err != nil {
		return err
	}

	fmt.Printf("stored %s\n", id)

	return nil
}

// runStore uploads a file and checks every pillar holds it.
func runStore(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("store")
	fileID := fs.String("id", "", "File id, default the file name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, id, err := localFile(fs, *fileID)
	if err != nil {
		return err
	}

	err = r.Store(ctx, *collection, id, path)

	var ce *repository.ConsistencyError
	if errors.As(err, &ce) {
		for _, p := range ce.Problems {
			fmt.Printf("%s\t%s\n", p.Pillar, p.Problem)
		}
	}

	if err != nil {
		return err
	}

	fmt.Printf("stored %s, all pillars consistent\n", id)

	return nil
}

// localFile returns the path argument and the file id, defaulting to the file name.
func localFile(fs *flag.FlagSet, fileID string) (string, string, error) {
	if fs.NArg() != 1 {
		return "", "", fmt.Errorf("%s: want exactly one file path", fs.Name())
	}

	path := fs.Arg(0)
	if fileID == "" {
		fileID = filepath.Base(path)
	}

	return path, fileID, nil
}

// runGet downloads a file, or part of it, to a local path.
func runGet(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("get")
	pillar := fs.String("pillar", "", "Pillar to read from, default the designated pillar")
	offset := fs.Int64("offset", 0, "First byte of the part")
	length := fs.Int64("length", 0, "Length of the part, 0 for the rest of the file")
	out := fs.String("o", "", "Output path, default the file id in the current directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("get: want exactly one file id")
	}

	fileID := fs.Arg(0)

	var part *protocol.FilePart
	if *offset != 0 || *length != 0 {
		part = &protocol.FilePart{Offset: *offset, Length: *length}
	}

	tmp, err := r.GetFile(ctx, *collection, fileID, *pillar, part)
	if err != nil {
		return err
	}

	dst := *out
	if dst == "" {
		dst = filepath.Base(fileID)
	}

	n, err := moveFile(tmp, dst)
	if err != nil {
		return err
	}

	fmt.Printf("wrote %d bytes to %s\n", n, dst)

	return nil
}

// moveFile moves src to dst, copying when they are on different file systems.
func moveFile(src, dst string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dispatch.ErrLocalIO, err)
	}

	if err := os.Rename(src, dst); err == nil {
		return info.Size(), nil
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dispatch.ErrLocalIO, err)
	}
	defer os.Remove(src)
	defer in.Close()

	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", dispatch.ErrLocalIO, err)
	}

	n, err := io.Copy(f, in)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("%w: write %s: %v", dispatch.ErrLocalIO, dst, err)
	}

	return n, nil
}

// runExists reports whether the designated pillar holds a file.
func runExists(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("exists")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return fmt.Errorf("exists: want exactly one file id")
	}

	ok, err := r.Exists(ctx, *collection, fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Println(ok)

	return nil
}

// runList prints every file id held by one pillar.
func runList(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("list")
	pillar := fs.String("pillar", "", "Pillar to list, default the designated pillar")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids, err := r.FileIDs(ctx, *collection, *pillar)
	if err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Println(id)
	}

	return nil
}

// runChecksums prints each pillar's digests, optionally of one file.
func runChecksums(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("checksums")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fileID := fs.Arg(0)

	results, err := r.GetChecksums(ctx, *collection, fileID)
	if err != nil {
		return err
	}

	failed := 0

	for _, pillar := range dispatch.SortedPillars(results) {
		res := results[pillar]
		if res.Err != nil {
			failed++
			fmt.Printf("%s\terror\t%v\n", pillar, res.Err)
			continue
		}

		for id, sum := range res.Checksums {
			fmt.Printf("%s\t%s\t%s\n", pillar, sum, id)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d pillars did not answer", failed, len(results))
	}

	return nil
}

// runBatch runs a job on one replica and writes the concatenated output.
func runBatch(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("batch")
	replicaID := fs.String("replica", "", "Replica to run the job on (required)")
	builtin := fs.String("job", "", "Builtin job: "+strings.Join(jobvm.BuiltinNames(), ", "))
	wasm := fs.String("wasm", "", "Path to a job WASM module")
	pattern := fs.String("pattern", "", "Regular expression selecting file ids")
	out := fs.String("o", "", "Output path, default stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	job, err := loadJob(*builtin, *wasm)
	if err != nil {
		return err
	}
	job.FilePattern = *pattern
	job.Args = fs.Args()

	res, err := r.RunBatch(ctx, *replicaID, *collection, job)
	if res != nil {
		defer os.Remove(res.OutputPath)
	}
	if err != nil {
		return err
	}

	if *out != "" {
		if _, err := moveFile(res.OutputPath, *out); err != nil {
			return err
		}
	} else if err := printFile(res.OutputPath); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "processed %d files on %d pillars, %d failed\n", res.FilesProcessed, len(res.Pillars), len(res.FailedFiles()))

	for _, f := range res.Failures {
		fmt.Fprintf(os.Stderr, "%s\t%s\t%s\n", f.Pillar, f.FileID, f.Message)
	}

	return nil
}

// loadJob returns a builtin job or reads a WASM module.
func loadJob(builtin, wasm string) (protocol.JobDescriptor, error) {
	switch {
	case builtin != "" && wasm != "":
		return protocol.JobDescriptor{}, fmt.Errorf("batch: -job and -wasm are exclusive")

	case builtin != "":
		code, err := jobvm.Builtin(builtin)
		if err != nil {
			return protocol.JobDescriptor{}, err
		}
		return protocol.JobDescriptor{Name: builtin, Code: code}, nil

	case wasm != "":
		code, err := os.ReadFile(wasm)
		if err != nil {
			return protocol.JobDescriptor{}, fmt.Errorf("%w: %v", dispatch.ErrLocalIO, err)
		}
		return protocol.JobDescriptor{Name: filepath.Base(wasm), Code: code}, nil

	default:
		return protocol.JobDescriptor{}, fmt.Errorf("batch: -job or -wasm is required")
	}
}

// printFile copies a local file to stdout.
func printFile(path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatch.ErrLocalIO, err)
	}
	defer f.Close()

	_, err = io.Copy(os.Stdout, f)

	return err
}

// runCorrect replaces a damaged copy on one pillar with a local file.
func runCorrect(ctx context.Context, r *repository.Repository, args []string) error {
	fs, collection := newFlags("correct")
	pillar := fs.String("pillar", "", "Pillar holding the damaged copy (required)")
	bad := fs.String("bad", "", "Checksum of the damaged copy (required)")
	fileID := fs.String("id", "", "File id, default the file name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path, id, err := localFile(fs, *fileID)
	if err != nil {
		return err
	}

	if err := r.Correct(ctx, *collection, *pillar, id, *bad, path); err != nil {
		return err
	}

	fmt.Printf("corrected %s on %s\n", id, *pillar)

	return nil
}
