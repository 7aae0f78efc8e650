// Package hijri converts between Gregorian and Hijri (Islamic) calendar
// dates using the tabular (arithmetic) calendar. Ledger entries carry both
// representations; neither is used for ordering.
package hijri

import (
	"fmt"
	"time"
)

// MonthsEN holds the Islamic month names, index 0 = Muharram.
var MonthsEN = [12]string{
	"Muharram", "Safar", "Rabi' al-awwal", "Rabi' al-thani",
	"Jumada al-awwal", "Jumada al-thani", "Rajab", "Sha'ban",
	"Ramadan", "Shawwal", "Dhu al-Qi'dah", "Dhu al-Hijjah",
}

// MonthsAR holds the Islamic month names in Arabic, index 0 = Muharram.
var MonthsAR = [12]string{
	"محرم", "صفر", "ربيع الأول", "ربيع الثاني",
	"جمادى الأولى", "جمادى الثانية", "رجب", "شعبان",
	"رمضان", "شوال", "ذو القعدة", "ذو الحجة",
}

// Date is a Hijri calendar date.
type Date struct {
	Year  int
	Month int // 1-12
	Day   int // 1-30
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// MonthNameEN returns the English month name, or "" for invalid months.
func (d Date) MonthNameEN() string {
	if d.Month < 1 || d.Month > 12 {
		return ""
	}
	return MonthsEN[d.Month-1]
}

// MonthNameAR returns the Arabic month name, or "" for invalid months.
func (d Date) MonthNameAR() string {
	if d.Month < 1 || d.Month > 12 {
		return ""
	}
	return MonthsAR[d.Month-1]
}

// tabular Islamic epoch (civil), as a Julian day number
const islamicEpochJDN = 1948440

// FromTime converts a civil timestamp to its tabular Hijri date.
// The conversion uses the date in t's location.
func FromTime(t time.Time) Date {
	y, m, d := t.Date()
	return fromJDN(gregorianToJDN(y, int(m), d))
}

// ToGregorian converts a Hijri date to the corresponding Gregorian date
// at midnight UTC. Returns an error for out-of-range month or day values.
func ToGregorian(h Date) (time.Time, error) {
	if h.Month < 1 || h.Month > 12 || h.Day < 1 || h.Day > 30 {
		return time.Time{}, fmt.Errorf("hijri: invalid date %s", h)
	}
	jdn := (11*h.Year+3)/30 + 354*h.Year + 30*h.Month - (h.Month-1)/2 + h.Day + islamicEpochJDN - 385
	y, m, d := jdnToGregorian(jdn)
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC), nil
}

// Parse parses a YYYY-MM-DD Hijri date string.
func Parse(s string) (Date, error) {
	var d Date
	if _, err := fmt.Sscanf(s, "%d-%d-%d", &d.Year, &d.Month, &d.Day); err != nil {
		return Date{}, fmt.Errorf("hijri: parse %q: %w", s, err)
	}
	if d.Month < 1 || d.Month > 12 || d.Day < 1 || d.Day > 30 {
		return Date{}, fmt.Errorf("hijri: invalid date %q", s)
	}
	return d, nil
}

func gregorianToJDN(y, m, d int) int {
	a := (14 - m) / 12
	yy := y + 4800 - a
	mm := m + 12*a - 3
	return d + (153*mm+2)/5 + 365*yy + yy/4 - yy/100 + yy/400 - 32045
}

func jdnToGregorian(jdn int) (y, m, d int) {
	a := jdn + 32044
	b := (4*a + 3) / 146097
	c := a - 146097*b/4
	dd := (4*c + 3) / 1461
	e := c - 1461*dd/4
	mm := (5*e + 2) / 153
	d = e - (153*mm+2)/5 + 1
	m = mm + 3 - 12*(mm/10)
	y = 100*b + dd - 4800 + mm/10
	return y, m, d
}

func fromJDN(jdn int) Date {
	l := jdn - islamicEpochJDN + 10632
	n := (l - 1) / 10631
	l = l - 10631*n + 354
	j := ((10985-l)/5316)*((50*l)/17719) + (l/5670)*((43*l)/15238)
	l = l - ((30-j)/15)*((17719*j)/50) - (j/16)*((15238*j)/43) + 29
	m := (24 * l) / 709
	d := l - (709*m)/24
	y := 30*n + j - 30
	return Date{Year: y, Month: m, Day: d}
}
