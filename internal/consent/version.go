package consent

// daysInMonth for a non-leap year, indexed 1..12.
var daysInMonth = [13]int{0, 31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// ValidateVersionFormat reports whether version is an 8-digit YYYYMMDD string
// encoding a real calendar date. Leap years are computed, so 20240229 passes
// and 20250229 does not. The fixed-width zero-padded form is what lets the
// rest of the engine compare versions lexicographically.
func ValidateVersionFormat(version string) bool {
	if len(version) != 8 {
		return false
	}
	for i := 0; i < len(version); i++ {
		if version[i] < '0' || version[i] > '9' {
			return false
		}
	}
	year := atoi4(version[0:4])
	month := atoi2(version[4:6])
	day := atoi2(version[6:8])

	if month < 1 || month > 12 {
		return false
	}
	max := daysInMonth[month]
	if month == 2 && isLeapYear(year) {
		max = 29
	}
	return day >= 1 && day <= max
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func atoi4(s string) int {
	return int(s[0]-'0')*1000 + int(s[1]-'0')*100 + int(s[2]-'0')*10 + int(s[3]-'0')
}

func atoi2(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}
