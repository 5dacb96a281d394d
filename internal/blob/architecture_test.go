package blob

import (
	"slices"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"

	"isocore/testutil"
)

// TestRawFileBackendsStayBehindBlob checks that commands, servers and caches
// reach raw file storage through blob.Store only. The backend packages are
// wired here and nowhere else.
func TestRawFileBackendsStayBehindBlob(t *testing.T) {
	const backends = "isocore/internal/infra/blob"
	forbidden := testutil.PrefixForbidden(backends)

	pkgs, err := packages.Load(&packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}, "isocore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	var offenders []string
	for _, pkg := range pkgs {
		path := strings.TrimSuffix(pkg.PkgPath, "_test")
		if path == "isocore/internal/blob" || forbidden(path) {
			continue
		}
		for imp := range pkg.Imports {
			if forbidden(imp) {
				offenders = append(offenders, pkg.PkgPath+" -> "+imp)
			}
		}
	}
	slices.Sort(offenders)
	offenders = slices.Compact(offenders)
	if len(offenders) > 0 {
		t.Fatalf("raw file backends imported outside internal/blob:\n%s", strings.Join(offenders, "\n"))
	}
}
