// Package evaluation scores a predicted clustering of emails against human ground truth.
// It only sees partitions (email id to group id), so any resolver run, including older
// baselines, can be scored the same way.
package evaluation

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/spigell/applink/internal/store"
)

// Partition maps an email id to an opaque group id.
type Partition map[string]string

// FromEntities builds the partition implied by active entities.
func FromEntities(entities []store.Entity) Partition {
	p := make(Partition)
	for _, e := range entities {
		if e.Retired() {
			continue
		}
		for _, m := range e.Members {
			p[m.EmailID] = e.ID
		}
	}
	return p
}

// FromDecisions builds the partition from recorded decisions. redirects maps a retired
// entity id to the entity it was merged into; chains are followed to the survivor.
func FromDecisions(decisions []store.Decision, redirects map[string]string) Partition {
	p := make(Partition, len(decisions))
	for _, d := range decisions {
		p[d.EmailID] = follow(d.EntityID, redirects)
	}
	return p
}

func follow(id string, redirects map[string]string) string {
	seen := map[string]struct{}{id: {}}
	for {
		next, ok := redirects[id]
		if !ok || next == "" {
			return id
		}
		if _, loop := seen[next]; loop {
			return id
		}
		seen[next] = struct{}{}
		id = next
	}
}

// Redirects collects merge back-references from a snapshot that includes retired entities.
func Redirects(entities []store.Entity) map[string]string {
	out := make(map[string]string)
	for _, e := range entities {
		if e.Retired() {
			out[e.ID] = e.RetiredInto
		}
	}
	return out
}

// FromLabels builds the ground-truth partition.
func FromLabels(labels []store.Label) Partition {
	p := make(Partition, len(labels))
	for _, l := range labels {
		p[l.EmailID] = l.Group
	}
	return p
}

// LoadPartition reads a baseline partition from a YAML mapping of email id to group id.
func LoadPartition(path string) (Partition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", path, err)
	}

	var p Partition
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse partition %s: %w", path, err)
	}
	if p == nil {
		p = make(Partition)
	}
	return p, nil
}

// Groups returns the group ids in sorted order.
func (p Partition) Groups() []string {
	set := make(map[string]struct{})
	for _, g := range p {
		set[g] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
