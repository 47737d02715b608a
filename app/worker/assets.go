package worker

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// AssetStore serves drive/pfp file bytes out of a root directory laid
// out as root/{identifier}/{file}, the shape spec.md §6.1's
// `/drive/{identifier}/{file}` and `/pfp/{owner}/{file}` paths assume.
type AssetStore struct {
	root string
}

// NewAssetStore constructs an AssetStore rooted at dir.
func NewAssetStore(dir string) *AssetStore {
	return &AssetStore{root: dir}
}

// Read returns the bytes and a best-guess content type for
// root/dir/file. dir may be empty, meaning a top-level file directly
// under root. Rejects any path segment containing ".." to keep reads
// confined to root.
func (a *AssetStore) Read(dir, file string) ([]byte, string, error) {
	if strings.Contains(dir, "..") || strings.Contains(file, "..") {
		return nil, "", fmt.Errorf("worker: rejected path traversal attempt: %s/%s", dir, file)
	}
	path := filepath.Join(a.root, dir, file)
	if !strings.HasPrefix(path, filepath.Clean(a.root)+string(filepath.Separator)) && path != filepath.Clean(a.root) {
		return nil, "", fmt.Errorf("worker: path escapes asset root: %s", path)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("worker: read asset %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return body, contentType, nil
}
