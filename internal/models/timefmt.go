package models

import (
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// DisplayLayout is the editable timestamp format shown to operators.
const DisplayLayout = "02/01/2006 15:04"

// Location is the hospital's wall-clock zone.
var Location = loadLocation()

func loadLocation() *time.Location {
	loc, err := time.LoadLocation("America/Costa_Rica")
	if err != nil {
		return time.FixedZone("CST", -6*60*60)
	}
	return loc
}

// FormatDisplay renders t in DisplayLayout in the hospital zone.
func FormatDisplay(t time.Time) string {
	return t.In(Location).Format(DisplayLayout)
}

// ParseDisplay parses a display timestamp. It accepts "dd/mm/yyyy HH:MM", a
// comma after the date, single-digit fields and a 12-hour "a. m."/"p. m." suffix.
func ParseDisplay(s string) (time.Time, bool) {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, ",", " ")))
	if s == "" {
		return time.Time{}, false
	}

	meridiem := ""
	for _, suffix := range []string{"a. m.", "p. m.", "a.m.", "p.m.", "am", "pm"} {
		if strings.HasSuffix(s, suffix) {
			meridiem = suffix[:1]
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			break
		}
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return time.Time{}, false
	}
	dateParts := strings.Split(fields[0], "/")
	if len(dateParts) != 3 {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(dateParts[0])
	month, err2 := strconv.Atoi(dateParts[1])
	year, err3 := strconv.Atoi(dateParts[2])
	if err1 != nil || err2 != nil || err3 != nil || day < 1 || day > 31 || month < 1 || month > 12 || year < 1 {
		return time.Time{}, false
	}

	hour, minute := 0, 0
	if len(fields) > 1 {
		timeParts := strings.Split(fields[1], ":")
		var err error
		if hour, err = strconv.Atoi(timeParts[0]); err != nil {
			return time.Time{}, false
		}
		if len(timeParts) > 1 {
			if minute, err = strconv.Atoi(timeParts[1]); err != nil {
				return time.Time{}, false
			}
		}
	}
	switch meridiem {
	case "p":
		if hour < 12 {
			hour += 12
		}
	case "a":
		if hour == 12 {
			hour = 0
		}
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, Location), true
}

// EffectiveTime returns createdAt when set, else the parsed display timestamp.
func EffectiveTime(createdAt int64, display string) (time.Time, bool) {
	if createdAt > 0 {
		return time.UnixMilli(createdAt), true
	}
	return ParseDisplay(display)
}

// BackfillCreatedAt derives a createdAt for a record that lacks one.
func BackfillCreatedAt(display string, now time.Time) int64 {
	if t, ok := ParseDisplay(display); ok {
		return t.UnixMilli()
	}
	return now.UnixMilli()
}
