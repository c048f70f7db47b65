package collscan

import (
	"context"
	"regexp"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Partitioning describes the physical layout of a logical collection.
type Partitioning struct {
	// Collection is the logical collection name.
	Collection string

	// Names lists the physical collections in partition order. An
	// unpartitioned collection has a single name equal to Collection.
	Names []string

	// Exists is false when neither the collection nor any partition was found.
	Exists bool
}

// Partitioned reports whether the collection is split into numbered partitions.
func (p Partitioning) Partitioned() bool {
	return len(p.Names) > 1 || (len(p.Names) == 1 && p.Names[0] != p.Collection)
}

// PartitionName returns the physical name of partition i.
func PartitionName(collection string, i int) string {
	return collection + "_" + strconv.Itoa(i)
}

// DiscoverPartitions lists the collections named <collection>_<i>. The
// indexes found must be exactly 0..N-1; any gap or duplicate fails with
// ErrInconsistentPartitions. Without partitions the collection is read as is.
func DiscoverPartitions(ctx context.Context, client CollectionClient, collection string) (Partitioning, error) {
	names, err := client.ListCollections(ctx, collection)
	if err != nil {
		return Partitioning{}, errors.Wrapf(err, "list collections for %q", collection)
	}
	re := regexp.MustCompile("^" + regexp.QuoteMeta(collection) + `_(\d+)$`)

	exists := false
	var indexes []int
	for _, name := range names {
		if name == collection {
			exists = true
			continue
		}
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		i, err := strconv.Atoi(m[1])
		if err != nil || PartitionName(collection, i) != name {
			return Partitioning{}, errors.Mark(
				errors.Newf("%s: malformed partition name %q", collection, name),
				ErrInconsistentPartitions)
		}
		indexes = append(indexes, i)
	}

	if len(indexes) == 0 {
		return Partitioning{Collection: collection, Names: []string{collection}, Exists: exists}, nil
	}

	slices.Sort(indexes)
	for want, got := range indexes {
		if want != got {
			return Partitioning{}, errors.Mark(
				errors.Newf("%s: found %d partitions but indexes are %v", collection, len(indexes), indexes),
				ErrInconsistentPartitions)
		}
	}

	p := Partitioning{Collection: collection, Exists: true, Names: make([]string, len(indexes))}
	for i := range indexes {
		p.Names[i] = PartitionName(collection, i)
	}
	return p, nil
}

// Unpartitioned returns the layout used when partition detection is disabled.
func Unpartitioned(collection string) Partitioning {
	return Partitioning{Collection: collection, Names: []string{collection}, Exists: true}
}
