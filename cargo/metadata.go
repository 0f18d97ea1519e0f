package cargo

import (
	"fortio.org/safecast"
	"github.com/buger/jsonparser"
	"golang.org/x/xerrors"
)

// CountUnits
//
//	Returns the number of crates a build will compile from the output of
//	`cargo metadata --format-version 1`. The resolved dependency graph is
//	preferred; the package list is used when metadata ran with --no-deps.
func CountUnits(metadata []byte) (uint, error) {
	nodes, dataType, _, err := jsonparser.Get(metadata, "resolve", "nodes")
	if err == nil && dataType == jsonparser.Array {
		return countArray(nodes)
	}

	packages, dataType, _, err := jsonparser.Get(metadata, "packages")
	if err != nil {
		return 0, xerrors.Errorf("failed to retrieve packages: %w", err)
	}
	if dataType != jsonparser.Array {
		return 0, xerrors.New("packages is not an array")
	}
	return countArray(packages)
}

func countArray(buf []byte) (uint, error) {
	count := 0
	_, err := jsonparser.ArrayEach(buf, func(_ []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.Object {
			count++
		}
	})
	if err != nil {
		return 0, xerrors.Errorf("failed to walk metadata array: %w", err)
	}
	return safecast.Conv[uint](count)
}
