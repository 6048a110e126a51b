package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/juddata/courtarchive/pkg/types"
)

const sampleCSV = `state_code,state_name,district_code,district_name,complex_code,complex_name,court_numbers,flag
29,Karnataka,9,Bengaluru Rural,1290105,"Devanahalli Court Complex","10,11,12",N
29,Karnataka,9,Bengaluru Rural,1290106,Doddaballapur Court Complex,7,N
3,Kerala,2,Kollam,1030002,Kollam District Court,"1,2",N
`

func TestParse(t *testing.T) {
	r, err := Parse(strings.NewReader(sampleCSV))
	assert.NoError(t, err)
	assert.Equal(t, 3, r.Len())

	courts := r.All()
	assert.Equal(t, "Karnataka", courts[0].StateName)
	assert.Equal(t, "10,11,12", courts[0].CourtNumbers)
	assert.Equal(t, "1290105@10,11,12@N", courts[0].ComplexCodeFull())
}

func TestParse_MissingColumn(t *testing.T) {
	_, err := Parse(strings.NewReader("state_code,district_code\n29,9\n"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing column")
}

func TestParse_EmptyFlagDefaultsToN(t *testing.T) {
	csv := `state_code,state_name,district_code,district_name,complex_code,complex_name,court_numbers,flag
29,Karnataka,9,Bengaluru Rural,1290105,Devanahalli,10,
`
	r, err := Parse(strings.NewReader(csv))
	assert.NoError(t, err)
	assert.Equal(t, "N", r.All()[0].Flag)
}

func TestParse_NoRows(t *testing.T) {
	_, err := Parse(strings.NewReader("state_code,state_name,district_code,district_name,complex_code,complex_name,court_numbers,flag\n"))
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	r, err := Parse(strings.NewReader(sampleCSV))
	assert.NoError(t, err)

	c, ok := r.Lookup(types.Jurisdiction{StateCode: "29", DistrictCode: "9", ComplexCode: "1290106"})
	assert.True(t, ok)
	assert.Equal(t, "Doddaballapur Court Complex", c.ComplexName)

	_, ok = r.Lookup(types.Jurisdiction{StateCode: "1", DistrictCode: "1", ComplexCode: "999"})
	assert.False(t, ok)
}

func TestFilters(t *testing.T) {
	r, err := Parse(strings.NewReader(sampleCSV))
	assert.NoError(t, err)

	assert.Len(t, r.FilterState("29"), 2)
	assert.Len(t, r.FilterState("3"), 1)
	assert.Empty(t, r.FilterState("99"))

	assert.Len(t, r.FilterDistrict("29", "9"), 2)
	assert.Empty(t, r.FilterDistrict("29", "8"))
}

func TestStatesAndJurisdictions(t *testing.T) {
	r, err := Parse(strings.NewReader(sampleCSV))
	assert.NoError(t, err)

	states := r.States()
	assert.Equal(t, [][2]string{{"29", "Karnataka"}, {"3", "Kerala"}}, states)

	js := r.Jurisdictions()
	assert.Len(t, js, 3)
	assert.Equal(t, "29_9_1290105", js[0].String())
}

func TestLoadAndSaveRoundtrip(t *testing.T) {
	r, err := Parse(strings.NewReader(sampleCSV))
	assert.NoError(t, err)

	path := filepath.Join(t.TempDir(), "courts.csv")
	assert.NoError(t, r.Save(path))

	reloaded, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, r.All(), reloaded.All())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.csv"))
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(errUnwrapAll(err)))
}

func errUnwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}
