package payload

import (
	"path/filepath"

	"github.com/xam-io/kioskd/pkg/descriptor"
	"github.com/xam-io/kioskd/pkg/errors"
	"github.com/xam-io/kioskd/pkg/security"
	"github.com/xam-io/kioskd/pkg/storage"
)

// Artifact is a descriptor's payload locator resolved to a local file.
type Artifact struct {
	Locator string
	Path    string
	SHA256  string
	// Remote is set when the artifact is fetched from object storage into
	// Path.
	Remote *storage.Object
}

// Resolve maps the descriptor's payload locator to a local path. Absolute
// paths are used as-is, relative ones are joined to storageRoot and
// s3://bucket/key locators map into cacheDir.
func Resolve(desc *descriptor.Descriptor, storageRoot, cacheDir string) (Artifact, error) {
	a := Artifact{Locator: desc.PayloadLocator, SHA256: desc.PayloadSHA256}

	obj, remote, err := storage.ParseLocator(desc.PayloadLocator)
	if err != nil {
		return Artifact{}, err
	}
	if remote {
		bucket, err := security.CleanRelative(obj.Bucket)
		if err != nil {
			return Artifact{}, errors.Wrap(err, "invalid bucket")
		}
		key, err := security.CleanRelative(obj.Key)
		if err != nil {
			return Artifact{}, errors.Wrap(err, "invalid object key")
		}
		a.Remote = &obj
		a.Path = filepath.Join(cacheDir, bucket, key)
		return a, nil
	}

	if filepath.IsAbs(desc.PayloadLocator) {
		a.Path = filepath.Clean(desc.PayloadLocator)
		return a, nil
	}
	a.Path = filepath.Join(storageRoot, desc.PayloadLocator)
	return a, nil
}
