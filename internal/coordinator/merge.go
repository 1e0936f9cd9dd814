package coordinator

// MergeResult partitions a host's reported and expected daemon names.
type MergeResult struct {
	ToStart   []string // expected but not running, in expected order
	ToStop    []string // running but not expected, in report order
	Unchanged []string // running and expected, in report order
}

// Merge compares running (as reported) against expected (from the store).
// Duplicate names are collapsed; the first occurrence fixes the order.
func Merge(running, expected []string) MergeResult {
	exp := make(map[string]struct{}, len(expected))
	for _, n := range expected {
		exp[n] = struct{}{}
	}
	var res MergeResult
	seen := make(map[string]struct{}, len(running))
	for _, n := range running {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := exp[n]; ok {
			res.Unchanged = append(res.Unchanged, n)
		} else {
			res.ToStop = append(res.ToStop, n)
		}
	}
	queued := make(map[string]struct{}, len(expected))
	for _, n := range expected {
		if _, ok := seen[n]; ok {
			continue
		}
		if _, dup := queued[n]; dup {
			continue
		}
		queued[n] = struct{}{}
		res.ToStart = append(res.ToStart, n)
	}
	return res
}
