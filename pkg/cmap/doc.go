// Package cmap provides a string-keyed concurrent map.
//
// Keys are spread over a power-of-two number of shards by their murmur3
// hash; each shard has its own RWMutex so writers on different shards do
// not contend:
//
//	m := cmap.New[Record]()
//	if m.SetIfAbsent("id-1", rec) {
//		// first writer wins
//	}
//
// All operations are safe for concurrent use. Range and Keys lock one shard
// at a time, so they do not observe a single consistent snapshot.
package cmap
