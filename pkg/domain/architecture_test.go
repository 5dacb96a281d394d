package domain

import (
	"testing"

	"isocore/testutil"
)

// TestDomainDoesNotImportInternal keeps the domain layer free of
// implementation packages so every backend and calculator can depend on it.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "domain package must stay implementation independent")
}
