package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTask_Key(t *testing.T) {
	task := Task{
		Jurisdiction: Jurisdiction{StateCode: "29", DistrictCode: "9", ComplexCode: "1290105"},
		FromDate:     Date(2025, 1, 1),
		ToDate:       Date(2025, 1, 10),
	}
	assert.Equal(t, "29_9_1290105_2025-01-01_2025-01-10", task.Key())
	assert.Equal(t, task.Key(), task.String())
}

func TestTask_KeyIsStableAcrossRuns(t *testing.T) {
	a := Task{
		Jurisdiction: Jurisdiction{StateCode: "3", DistrictCode: "21", ComplexCode: "1030077"},
		FromDate:     Date(1998, 6, 1),
		ToDate:       Date(1998, 6, 3),
	}
	b := Task{
		Jurisdiction: Jurisdiction{StateCode: "3", DistrictCode: "21", ComplexCode: "1030077"},
		FromDate:     Date(1998, 6, 1),
		ToDate:       Date(1998, 6, 3),
	}
	assert.Equal(t, a.Key(), b.Key())
}

func TestTask_Validate(t *testing.T) {
	good := Task{
		Jurisdiction: Jurisdiction{StateCode: "29", DistrictCode: "9", ComplexCode: "1"},
		FromDate:     Date(2024, 1, 1),
		ToDate:       Date(2024, 1, 1),
	}
	assert.NoError(t, good.Validate())

	inverted := good
	inverted.ToDate = Date(2023, 12, 31)
	assert.Error(t, inverted.Validate())

	noState := good
	noState.StateCode = ""
	assert.Error(t, noState.Validate())
}

func TestParseFormatDate(t *testing.T) {
	d, err := ParseDate("2025-01-10")
	assert.NoError(t, err)
	assert.Equal(t, Date(2025, 1, 10), d)
	assert.Equal(t, "2025-01-10", FormatDate(d))

	_, err = ParseDate("10-01-2025")
	assert.Error(t, err)
}

func TestDaysBetween(t *testing.T) {
	assert.Equal(t, 0, DaysBetween(Date(2025, 1, 1), Date(2025, 1, 1)))
	assert.Equal(t, 9, DaysBetween(Date(2025, 1, 1), Date(2025, 1, 10)))
	assert.Equal(t, -1, DaysBetween(Date(2025, 1, 2), Date(2025, 1, 1)))
	// Leap year boundary
	assert.Equal(t, 2, DaysBetween(Date(2024, 2, 28), Date(2024, 3, 1)))
}

func TestMinDate(t *testing.T) {
	a, b := Date(2024, 1, 1), Date(2025, 1, 1)
	assert.Equal(t, a, MinDate(a, b))
	assert.Equal(t, a, MinDate(b, a))
	assert.Equal(t, a, MinDate(a, a))
}

func TestToday_IsCalendarDate(t *testing.T) {
	d := Today()
	assert.Equal(t, 0, d.Hour())
	assert.Equal(t, 0, d.Minute())
	assert.Equal(t, time.UTC, d.Location())
}
