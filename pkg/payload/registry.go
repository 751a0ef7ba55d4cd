package payload

import (
	"os"
	"path/filepath"

	"github.com/xam-io/kioskd/pkg/errors"
)

// DirRegistry treats a package as installed when <AppsDir>/<pkg> is a
// directory. Installs are staged elsewhere and renamed into place, so the
// directory only appears once complete.
type DirRegistry struct {
	AppsDir string
}

func (r DirRegistry) Installed(pkg string) (bool, error) {
	fi, err := os.Stat(filepath.Join(r.AppsDir, pkg))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to stat package dir")
	}
	return fi.IsDir(), nil
}
