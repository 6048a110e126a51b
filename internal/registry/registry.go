// Package registry holds the court hierarchy: every court complex the
// crawler can target, its display names, and the court numbers the
// portal expects in search requests. The hierarchy ships as a CSV
// refreshed out of band from the portal's own dropdowns.
package registry

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/juddata/courtarchive/pkg/types"
)

// CourtComplex is one row of the hierarchy.
type CourtComplex struct {
	StateCode    string
	StateName    string
	DistrictCode string
	DistrictName string
	ComplexCode  string
	ComplexName  string

	// CourtNumbers is the comma-separated establishment list the
	// portal wants alongside the complex code, e.g. "10,11,12".
	CourtNumbers string

	// Flag rides along in the portal's complex identifier, "N" in
	// every observed row.
	Flag string
}

// Jurisdiction returns the complex's partition-identifying codes.
func (c CourtComplex) Jurisdiction() types.Jurisdiction {
	return types.Jurisdiction{
		StateCode:    c.StateCode,
		DistrictCode: c.DistrictCode,
		ComplexCode:  c.ComplexCode,
	}
}

// ComplexCodeFull is the portal's composite complex identifier,
// "{complex}@{court_numbers}@{flag}".
func (c CourtComplex) ComplexCodeFull() string {
	return fmt.Sprintf("%s@%s@%s", c.ComplexCode, c.CourtNumbers, c.Flag)
}

var csvColumns = []string{
	"state_code", "state_name", "district_code", "district_name",
	"complex_code", "complex_name", "court_numbers", "flag",
}

// Registry is an in-memory view of the hierarchy CSV.
type Registry struct {
	courts []CourtComplex
	byKey  map[string]int
}

// Load reads the hierarchy from a CSV file.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	defer f.Close()

	r, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("registry: %s: %w", path, err)
	}
	return r, nil
}

// Parse reads the hierarchy from CSV content. The header row names the
// columns; extra columns are ignored.
func Parse(r io.Reader) (*Registry, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, name := range csvColumns {
		if name == "flag" {
			continue // optional, defaults to "N"
		}
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	reg := &Registry{byKey: make(map[string]int)}
	field := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		c := CourtComplex{
			StateCode:    field(record, "state_code"),
			StateName:    field(record, "state_name"),
			DistrictCode: field(record, "district_code"),
			DistrictName: field(record, "district_name"),
			ComplexCode:  field(record, "complex_code"),
			ComplexName:  field(record, "complex_name"),
			CourtNumbers: field(record, "court_numbers"),
			Flag:         field(record, "flag"),
		}
		if c.Flag == "" {
			c.Flag = "N"
		}
		if err := c.Jurisdiction().Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		reg.byKey[c.Jurisdiction().String()] = len(reg.courts)
		reg.courts = append(reg.courts, c)
	}

	if len(reg.courts) == 0 {
		return nil, fmt.Errorf("no court complexes defined")
	}
	return reg, nil
}

// Save writes the hierarchy back out as CSV.
func (r *Registry) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("registry: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(csvColumns); err != nil {
		return fmt.Errorf("registry: write header: %w", err)
	}
	for _, c := range r.courts {
		record := []string{
			c.StateCode, c.StateName, c.DistrictCode, c.DistrictName,
			c.ComplexCode, c.ComplexName, c.CourtNumbers, c.Flag,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("registry: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("registry: flush %s: %w", path, err)
	}
	return nil
}

// All returns every court complex in file order.
func (r *Registry) All() []CourtComplex {
	out := make([]CourtComplex, len(r.courts))
	copy(out, r.courts)
	return out
}

// Len returns the number of complexes.
func (r *Registry) Len() int {
	return len(r.courts)
}

// FilterState returns the complexes of one state.
func (r *Registry) FilterState(stateCode string) []CourtComplex {
	var out []CourtComplex
	for _, c := range r.courts {
		if c.StateCode == stateCode {
			out = append(out, c)
		}
	}
	return out
}

// FilterDistrict returns the complexes of one district.
func (r *Registry) FilterDistrict(stateCode, districtCode string) []CourtComplex {
	var out []CourtComplex
	for _, c := range r.courts {
		if c.StateCode == stateCode && c.DistrictCode == districtCode {
			out = append(out, c)
		}
	}
	return out
}

// Lookup finds the complex for a jurisdiction.
func (r *Registry) Lookup(j types.Jurisdiction) (CourtComplex, bool) {
	i, ok := r.byKey[j.String()]
	if !ok {
		return CourtComplex{}, false
	}
	return r.courts[i], true
}

// Jurisdictions returns the jurisdiction of every complex, in file
// order.
func (r *Registry) Jurisdictions() []types.Jurisdiction {
	out := make([]types.Jurisdiction, 0, len(r.courts))
	for _, c := range r.courts {
		out = append(out, c.Jurisdiction())
	}
	return out
}

// States returns the unique (code, name) pairs in first-seen order.
func (r *Registry) States() [][2]string {
	seen := make(map[string]struct{})
	var out [][2]string
	for _, c := range r.courts {
		if _, ok := seen[c.StateCode]; ok {
			continue
		}
		seen[c.StateCode] = struct{}{}
		out = append(out, [2]string{c.StateCode, c.StateName})
	}
	return out
}
