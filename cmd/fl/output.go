package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"

	"freightline/internal/domain"
	freightlinesdk "freightline/sdk/go"
)

// forecastFile is the on-disk forecast; YAML decoding also accepts JSON.
type forecastFile struct {
	Region          string         `yaml:"region"`
	ForecastPeriod  string         `yaml:"forecast_period"`
	Constraints     map[string]any `yaml:"constraints"`
	DeviceForecasts []struct {
		Model          string `yaml:"model"`
		Quantity       int    `yaml:"quantity"`
		Destination    string `yaml:"destination"`
		Priority       string `yaml:"priority"`
		DeliveryWindow string `yaml:"delivery_window"`
	} `yaml:"device_forecasts"`
}

func parseForecastFile(data []byte) (forecastFile, error) {
	var ff forecastFile
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return ff, fmt.Errorf("invalid forecast file: %w", err)
	}
	if strings.TrimSpace(ff.Region) == "" {
		return ff, fmt.Errorf("invalid forecast file: region is required")
	}
	if len(ff.DeviceForecasts) == 0 {
		return ff, fmt.Errorf("invalid forecast file: device_forecasts is empty")
	}
	return ff, nil
}

func (ff forecastFile) domain() domain.Forecast {
	f := domain.Forecast{Region: ff.Region, ForecastPeriod: ff.ForecastPeriod, Constraints: ff.Constraints}
	for _, d := range ff.DeviceForecasts {
		f.DeviceForecasts = append(f.DeviceForecasts, domain.DeviceForecast{
			Model:          d.Model,
			Quantity:       d.Quantity,
			Destination:    d.Destination,
			Priority:       domain.Priority(d.Priority),
			DeliveryWindow: d.DeliveryWindow,
		})
	}
	return f
}

func (ff forecastFile) sdk() freightlinesdk.Forecast {
	f := freightlinesdk.Forecast{Region: ff.Region, ForecastPeriod: ff.ForecastPeriod, Constraints: ff.Constraints}
	for _, d := range ff.DeviceForecasts {
		f.DeviceForecasts = append(f.DeviceForecasts, freightlinesdk.DeviceForecast{
			Model:          d.Model,
			Quantity:       d.Quantity,
			Destination:    d.Destination,
			Priority:       d.Priority,
			DeliveryWindow: d.DeliveryWindow,
		})
	}
	return f
}

type taskRow struct {
	ID        string
	Status    string
	Step      string
	Region    string
	CreatedAt time.Time
	Error     string
}

type routeRow struct {
	Rank        int
	ID          string
	Destination string
	Mode        string
	Path        string
	Distance    float64
	Duration    string
	Cost        float64
	Risk        float64
	Score       float64
	Recommended bool
}

type locationRow struct {
	Region   string
	ID       string
	Name     string
	City     string
	Type     string
	Status   string
	Capacity *int
}

func renderTasks(rows []taskRow) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Status", "Step", "Region", "Created", "Error"})
	for _, r := range rows {
		tw.AppendRow(table.Row{r.ID, r.Status, r.Step, r.Region, humanize.Time(r.CreatedAt), r.Error})
	}
	tw.Render()
}

func renderRoutes(rows []routeRow, warnings []string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Route", "Destination", "Mode", "Path", "Distance", "Duration", "Cost", "Risk", "Score", ""})
	for _, r := range rows {
		mark := ""
		if r.Recommended {
			mark = "recommended"
		}
		tw.AppendRow(table.Row{
			r.Rank,
			shortID(r.ID),
			r.Destination,
			r.Mode,
			r.Path,
			humanize.CommafWithDigits(r.Distance, 0) + " km",
			r.Duration,
			"$" + humanize.CommafWithDigits(r.Cost, 2),
			fmt.Sprintf("%.2f", r.Risk),
			fmt.Sprintf("%.3f", r.Score),
			mark,
		})
	}
	tw.Render()
	for _, w := range warnings {
		fmt.Println("warning:", w)
	}
}

func renderLocations(rows []locationRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Region != rows[j].Region {
			return rows[i].Region < rows[j].Region
		}
		return rows[i].ID < rows[j].ID
	})
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Region", "ID", "Name", "City", "Type", "Status", "Capacity"})
	for _, r := range rows {
		capacity := "-"
		if r.Capacity != nil {
			capacity = humanize.Comma(int64(*r.Capacity))
		}
		tw.AppendRow(table.Row{r.Region, r.ID, r.Name, r.City, r.Type, r.Status, capacity})
	}
	tw.Render()
}

func printTask(t domain.Task) {
	fmt.Printf("Task: %s (%s)\n", t.ID, t.Status)
	if t.CurrentStep != "" {
		fmt.Printf("Step: %s\n", t.CurrentStep)
	}
	fmt.Printf("Region: %s  Period: %s  Created: %s\n", t.Forecast.Region, t.Forecast.ForecastPeriod, humanize.Time(t.CreatedAt))
	if t.Error != "" {
		fmt.Printf("Error: %s\n", t.Error)
	}
	if a := t.InfoAnalysis; a != nil {
		fmt.Printf("Analysis: %d knowledge items, %d disruptions, risk %s\n", len(a.DomainKnowledge), len(a.DisruptionData), a.RiskAssessment.OverallRisk)
	}
	if len(t.Routes) > 0 {
		renderRoutes(routeRows(t.Routes), t.Warnings)
	} else {
		for _, w := range t.Warnings {
			fmt.Println("warning:", w)
		}
	}
}

func printRemoteTask(t freightlinesdk.Task) {
	fmt.Printf("Task: %s (%s, %d%%)\n", t.ID, t.Status, t.Progress)
	if t.CurrentStep != "" {
		fmt.Printf("Step: %s\n", t.CurrentStep)
	}
	if t.Error != "" {
		fmt.Printf("Error: %s\n", t.Error)
	}
	if len(t.Routes) > 0 {
		rows := make([]routeRow, 0, len(t.Routes))
		for _, r := range t.Routes {
			rows = append(rows, remoteRouteRow(r))
		}
		renderRoutes(rows, t.Warnings)
	}
}

func routeRows(routes []domain.OptimizedRoute) []routeRow {
	rows := make([]routeRow, 0, len(routes))
	for _, r := range routes {
		ids := make([]string, 0, len(r.Points))
		for _, p := range r.Points {
			ids = append(ids, p.Location.ID)
		}
		rows = append(rows, routeRow{
			Rank:        r.OptimizationRank,
			ID:          r.ID,
			Destination: r.Destination,
			Mode:        string(r.TransportMode),
			Path:        strings.Join(ids, " > "),
			Distance:    r.TotalDistance,
			Duration:    r.EstimatedDuration,
			Cost:        r.TotalCost,
			Risk:        r.RiskScore,
			Score:       r.CompositeScore,
			Recommended: r.Recommended,
		})
	}
	return rows
}

func remoteRouteRow(r freightlinesdk.Route) routeRow {
	ids := make([]string, 0, len(r.Points))
	for _, p := range r.Points {
		ids = append(ids, p.Location.ID)
	}
	return routeRow{
		Rank:        r.OptimizationRank,
		ID:          r.ID,
		Destination: r.Destination,
		Mode:        r.TransportMode,
		Path:        strings.Join(ids, " > "),
		Distance:    r.TotalDistance,
		Duration:    r.EstimatedDuration,
		Cost:        r.TotalCost,
		Risk:        r.RiskScore,
		Score:       r.CompositeScore,
		Recommended: r.Recommended,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
