package catalog

import (
	"context"
	"sort"
	"strings"

	"freightline/internal/config"
	"freightline/internal/domain"
)

// Catalog is the read-only location lookup keyed by region.
type Catalog interface {
	LocationsFor(ctx context.Context, region string) (map[domain.LocationType][]domain.Location, error)
	Regions() []string
}

// Static serves a fixed set of locations. It is safe for concurrent use
// because it is never mutated after construction.
type Static struct {
	regions map[string]map[domain.LocationType][]domain.Location
	names   []string
}

func NewStatic(regions map[string][]domain.Location) *Static {
	s := &Static{regions: map[string]map[domain.LocationType][]domain.Location{}}
	for region, locs := range regions {
		key := normalize(region)
		byType := s.regions[key]
		if byType == nil {
			byType = map[domain.LocationType][]domain.Location{}
			s.regions[key] = byType
			s.names = append(s.names, key)
		}
		for _, loc := range locs {
			byType[loc.Type] = append(byType[loc.Type], loc)
		}
	}
	for _, byType := range s.regions {
		for typ := range byType {
			locs := byType[typ]
			sort.SliceStable(locs, func(i, j int) bool { return locs[i].ID < locs[j].ID })
		}
	}
	sort.Strings(s.names)
	return s
}

// FromConfig builds the static catalog from the config's region table.
func FromConfig(regions map[string][]config.LocationConfig) *Static {
	out := make(map[string][]domain.Location, len(regions))
	for region, locs := range regions {
		for _, lc := range locs {
			loc := domain.Location{
				ID:     lc.ID,
				Name:   lc.Name,
				City:   lc.City,
				Lat:    lc.Lat,
				Lng:    lc.Lng,
				Type:   domain.LocationType(lc.Type),
				Status: lc.Status,
			}
			if loc.Status == "" {
				loc.Status = StatusOperational
			}
			if lc.Capacity != nil {
				c := *lc.Capacity
				loc.Capacity = &c
			}
			out[region] = append(out[region], loc)
		}
	}
	return NewStatic(out)
}

const StatusOperational = "operational"

func normalize(region string) string {
	return strings.ToUpper(strings.TrimSpace(region))
}

func (s *Static) Regions() []string {
	return append([]string(nil), s.names...)
}

// LocationsFor returns copies of the region's locations grouped by type.
func (s *Static) LocationsFor(ctx context.Context, region string) (map[domain.LocationType][]domain.Location, error) {
	byType, ok := s.regions[normalize(region)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := make(map[domain.LocationType][]domain.Location, len(byType))
	for typ, locs := range byType {
		cp := make([]domain.Location, len(locs))
		for i, loc := range locs {
			cp[i] = loc
			if loc.Capacity != nil {
				c := *loc.Capacity
				cp[i].Capacity = &c
			}
		}
		out[typ] = cp
	}
	return out, nil
}

// HasRegion reports whether c knows region, ignoring case.
func HasRegion(c Catalog, region string) bool {
	want := normalize(region)
	for _, r := range c.Regions() {
		if normalize(r) == want {
			return true
		}
	}
	return false
}

// Operational reports whether a location can take part in a route.
func Operational(loc domain.Location) bool {
	return loc.Status == "" || strings.EqualFold(loc.Status, StatusOperational)
}

// Serves reports whether loc is a gateway for the named destination.
func Serves(loc domain.Location, destination string) bool {
	d := strings.TrimSpace(destination)
	return strings.EqualFold(loc.City, d) || strings.EqualFold(loc.Name, d) || strings.EqualFold(loc.ID, d)
}
