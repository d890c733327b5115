package normalize

import "sort"

// DefaultCompanyAliases maps short or former company names to the canonical form.
var DefaultCompanyAliases = map[string]string{
	"facebook":            "meta",
	"meta platforms":      "meta",
	"alphabet":            "google",
	"aws":                 "amazon",
	"amazon web services": "amazon",
	"msft":                "microsoft",
	"ibm":                 "international business machines",
	"tiktok":              "bytedance",
}

// DefaultAliases is built from DefaultCompanyAliases.
var DefaultAliases = NewAliases(DefaultCompanyAliases)

// Aliases is a company alias table resolved to a fixed point at build time, so looking up
// the result of a lookup always returns the same key.
type Aliases struct {
	canonical map[string]string
}

// NewAliases normalizes both sides of every entry and resolves chains. Cycles collapse to
// their lexicographically smallest member.
func NewAliases(table map[string]string) *Aliases {
	edges := make(map[string]string, len(table))
	for from, to := range table {
		f := stripCompany(from)
		t := stripCompany(to)
		if f == "" || t == "" || f == t {
			continue
		}
		edges[f] = t
	}

	// Sorted iteration keeps conflicting inputs deterministic.
	keys := make([]string, 0, len(edges))
	for k := range edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	canonical := make(map[string]string, len(edges))
	for _, start := range keys {
		path := []string{start}
		seen := map[string]int{start: 0}
		cur := start
		var target string
		for {
			next, ok := edges[cur]
			if !ok {
				target = cur
				break
			}
			if idx, loop := seen[next]; loop {
				cycle := append([]string(nil), path[idx:]...)
				sort.Strings(cycle)
				target = cycle[0]
				break
			}
			seen[next] = len(path)
			path = append(path, next)
			cur = next
		}
		canonical[start] = target
	}

	// A canonical value that is itself a key (only possible inside a cycle) must map to itself.
	for _, v := range canonical {
		if _, ok := canonical[v]; ok {
			canonical[v] = v
		}
	}

	return &Aliases{canonical: canonical}
}

// Company returns the comparison key for a company name: suffix-stripped and aliased.
func (a *Aliases) Company(raw string) (string, bool) {
	key := stripCompany(raw)
	if key == "" {
		return "", false
	}
	if a != nil {
		if c, ok := a.canonical[key]; ok {
			key = c
		}
	}
	return key, true
}

// Len reports the number of aliases in the table.
func (a *Aliases) Len() int {
	if a == nil {
		return 0
	}
	return len(a.canonical)
}
