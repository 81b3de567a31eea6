package manifest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/github"
)

// fakeRepo is an in-memory ContentAPI that behaves like the Contents API for
// sha checks and records how many GetFile calls overlap.
type fakeRepo struct {
	mu        sync.Mutex
	files     map[string][]byte
	truncated bool
	getDelay  time.Duration
	getErrs   map[string]error
	putErr    error

	calls    int32
	puts     int32
	inFlight int32
	peak     int32
}

func newFakeRepo(files map[string]string) *fakeRepo {
	r := &fakeRepo{files: make(map[string][]byte), getErrs: make(map[string]error)}
	for p, c := range files {
		r.files[p] = []byte(c)
	}
	return r
}

func blobSHA(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (r *fakeRepo) GetFile(ctx context.Context, path string) (*github.File, error) {
	atomic.AddInt32(&r.calls, 1)

	n := atomic.AddInt32(&r.inFlight, 1)
	for {
		peak := atomic.LoadInt32(&r.peak)
		if n <= peak || atomic.CompareAndSwapInt32(&r.peak, peak, n) {
			break
		}
	}
	defer atomic.AddInt32(&r.inFlight, -1)

	if r.getDelay > 0 {
		time.Sleep(r.getDelay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.getErrs[path]; err != nil {
		return nil, err
	}
	content, ok := r.files[path]
	if !ok {
		return nil, svcerrors.NotFound("file", path)
	}
	return &github.File{Path: path, SHA: blobSHA(content), Content: append([]byte(nil), content...)}, nil
}

func (r *fakeRepo) PutFile(ctx context.Context, w github.FileWrite) (*github.WriteResult, error) {
	atomic.AddInt32(&r.calls, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.putErr != nil {
		return nil, r.putErr
	}
	current, exists := r.files[w.Path]
	switch {
	case exists && w.SHA == "":
		return nil, svcerrors.Conflict("github: sha wasn't supplied")
	case exists && w.SHA != blobSHA(current):
		return nil, svcerrors.Conflict("github: does not match")
	case !exists && w.SHA != "":
		return nil, svcerrors.Conflict("github: does not match")
	}

	r.files[w.Path] = append([]byte(nil), w.Content...)
	n := atomic.AddInt32(&r.puts, 1)
	return &github.WriteResult{Path: w.Path, SHA: blobSHA(w.Content), CommitSHA: blobSHA([]byte{byte(n)})}, nil
}

func (r *fakeRepo) GetTree(ctx context.Context) (*github.Tree, error) {
	atomic.AddInt32(&r.calls, 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	// reverse order so Build has to sort
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	tree := &github.Tree{SHA: "tree", Truncated: r.truncated}
	dirs := map[string]bool{}
	for _, p := range paths {
		tree.Entries = append(tree.Entries, github.TreeEntry{Path: p, Type: "blob", SHA: blobSHA(r.files[p])})
		for i := range p {
			if p[i] == '/' && !dirs[p[:i]] {
				dirs[p[:i]] = true
				tree.Entries = append(tree.Entries, github.TreeEntry{Path: p[:i], Type: "tree", SHA: "t-" + p[:i]})
			}
		}
	}
	return tree, nil
}

func (r *fakeRepo) content(path string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.files[path])
}

func (r *fakeRepo) callCount() int {
	return int(atomic.LoadInt32(&r.calls))
}

func (r *fakeRepo) putCount() int {
	return int(atomic.LoadInt32(&r.puts))
}

// stepClock advances by one minute on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}
