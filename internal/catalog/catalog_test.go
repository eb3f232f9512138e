package catalog

import (
	"context"
	"errors"
	"math"
	"testing"

	"freightline/internal/config"
	"freightline/internal/domain"
)

func TestFromConfigGroupsByType(t *testing.T) {
	c := FromConfig(config.Default().Catalog.Regions)
	if got := c.Regions(); len(got) != 3 || got[0] != "AMER" || got[1] != "APAC" || got[2] != "EMEA" {
		t.Fatalf("unexpected regions %v", got)
	}
	locs, err := c.LocationsFor(context.Background(), "apac")
	if err != nil {
		t.Fatalf("locations: %v", err)
	}
	if len(locs[domain.LocationWarehouse]) != 3 || len(locs[domain.LocationPort]) != 2 || len(locs[domain.LocationAirport]) != 3 {
		t.Fatalf("unexpected grouping %v", locs)
	}
	wh := locs[domain.LocationWarehouse][0]
	if wh.ID != "WH001" || wh.Capacity == nil || *wh.Capacity != 10000 {
		t.Fatalf("unexpected warehouse %+v", wh)
	}
	*wh.Capacity = 1
	again, _ := c.LocationsFor(context.Background(), "APAC")
	if *again[domain.LocationWarehouse][0].Capacity != 10000 {
		t.Fatalf("catalog leaked internal state")
	}
	if _, err := c.LocationsFor(context.Background(), "LATAM"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !HasRegion(c, "emea") || HasRegion(c, "LATAM") {
		t.Fatalf("HasRegion mismatch")
	}
}

func TestDistanceKM(t *testing.T) {
	singapore := domain.Location{Lat: 1.3521, Lng: 103.8198}
	shanghai := domain.Location{Lat: 31.2304, Lng: 121.4737}
	d := DistanceKM(singapore, shanghai)
	if math.Abs(d-3800) > 100 {
		t.Fatalf("singapore-shanghai distance %.0f km out of range", d)
	}
	if DistanceKM(singapore, singapore) != 0 {
		t.Fatalf("zero distance expected")
	}
	points := []domain.RoutePoint{{Location: singapore, Order: 1}, {Location: shanghai, Order: 2}, {Location: singapore, Order: 3}}
	if math.Abs(PathKM(points)-2*d) > 1e-6 {
		t.Fatalf("path distance mismatch")
	}
}

func TestNearestAndServes(t *testing.T) {
	from := domain.Location{ID: "WH001", Lat: 1.3521, Lng: 103.8198}
	cands := []domain.Location{
		{ID: "AIR002", City: "Shanghai", Lat: 31.1443, Lng: 121.8083, Status: "operational"},
		{ID: "AIR001", City: "Singapore", Lat: 1.3644, Lng: 103.9915, Status: "closed"},
	}
	best, _, ok := Nearest(from, cands, nil)
	if !ok || best.ID != "AIR001" {
		t.Fatalf("expected AIR001, got %+v", best)
	}
	best, _, ok = Nearest(from, cands, Operational)
	if !ok || best.ID != "AIR002" {
		t.Fatalf("expected operational AIR002, got %+v", best)
	}
	if _, _, ok := Nearest(from, nil, nil); ok {
		t.Fatalf("expected no candidate")
	}
	if !Serves(cands[1], " singapore ") || Serves(cands[1], "Tokyo") {
		t.Fatalf("serves mismatch")
	}
}
