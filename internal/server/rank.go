package server

import (
	"sort"

	"github.com/idanyas/netspeed/internal/data"
	"github.com/idanyas/netspeed/internal/location"
)

const ShortlistSize = 10

// Rank returns copies of servers annotated with their distance from origin,
// nearest first, truncated to limit. Equal distances keep catalog order.
// Records whose coordinates do not parse are left out.
func Rank(servers []data.ServerRecord, origin data.Location, limit int) []data.ServerRecord {
	if limit <= 0 {
		limit = ShortlistSize
	}

	ranked := make([]data.ServerRecord, 0, len(servers))
	for _, s := range servers {
		coords, err := s.Coordinates()
		if err != nil {
			continue
		}
		d := location.Distance(origin, coords)
		s.Distance = &d
		ranked = append(ranked, s)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return *ranked[i].Distance < *ranked[j].Distance
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
