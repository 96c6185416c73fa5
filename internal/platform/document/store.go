package document

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Store is where referenced attachments live.
type Store interface {
	// Exists reports whether name is present in the store.
	Exists(ctx context.Context, name string) (bool, error)
	// Fetch makes name available as a local file and returns its path. Stores
	// that copy data place the copy under dir.
	Fetch(ctx context.Context, name, dir string) (string, error)
}

// ---------------------------------------------------------------------------
// LocalStore
// ---------------------------------------------------------------------------

// LocalStore serves attachments from a directory.
type LocalStore struct {
	Root string
}

func NewLocalStore(root string) *LocalStore {
	return &LocalStore{Root: root}
}

func (s *LocalStore) path(name string) (string, bool) {
	name = filepath.FromSlash(name)
	if !filepath.IsLocal(name) {
		return "", false
	}
	return filepath.Join(s.Root, name), true
}

func (s *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	p, ok := s.path(name)
	if !ok {
		return false, nil
	}
	info, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

func (s *LocalStore) Fetch(_ context.Context, name, _ string) (string, error) {
	p, ok := s.path(name)
	if !ok {
		return "", fmt.Errorf("document name %q escapes the document directory", name)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// GCSStore
// ---------------------------------------------------------------------------

// GCSStore serves attachments from objects under a bucket prefix. The object
// listing is read once, on first use.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string

	once    sync.Once
	names   map[string]bool
	listErr error
}

// NewGCSStore connects to Cloud Storage. credentialsFile may be empty to use
// application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

// objectName returns the object path for an attachment name.
func (s *GCSStore) objectName(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *GCSStore) list(ctx context.Context) error {
	s.once.Do(func() {
		s.names = make(map[string]bool)
		q := &storage.Query{Prefix: s.prefix}
		if err := q.SetAttrSelection([]string{"Name"}); err != nil {
			s.listErr = err
			return
		}
		it := s.client.Bucket(s.bucket).Objects(ctx, q)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				s.listErr = fmt.Errorf("list gs://%s/%s: %w", s.bucket, s.prefix, err)
				return
			}
			s.names[attrs.Name] = true
		}
	})
	return s.listErr
}

func (s *GCSStore) Exists(ctx context.Context, name string) (bool, error) {
	if err := s.list(ctx); err != nil {
		return false, err
	}
	return s.names[s.objectName(name)], nil
}

func (s *GCSStore) Fetch(ctx context.Context, name, dir string) (string, error) {
	object := s.objectName(name)
	r, err := s.client.Bucket(s.bucket).Object(object).NewReader(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", s.bucket, object, err)
	}
	defer r.Close()

	// The base name keeps its extension last so format detection still works.
	f, err := os.CreateTemp(dir, "src-*-"+filepath.Base(filepath.FromSlash(name)))
	if err != nil {
		return "", fmt.Errorf("create local copy of %s: %w", name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to copy GCS object to local file: %w", err)
	}
	return f.Name(), nil
}
