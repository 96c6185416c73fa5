package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode"
)

// DateLayout is the normalized output format of Date.
const DateLayout = "2006-01-02"

// dateLayouts are tried in order. Single-digit layout elements also accept
// two digits, so "1/2/2006" covers "03/05/2024".
var dateLayouts = []string{
	"2006-01-02",
	"2006-1-2",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006",
	"1-2-2006",
	"1.2.2006",
	"2006/1/2",
	"2006.1.2",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
}

// Required fails if the trimmed value is empty.
func Required() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", errors.New("required field is empty")
		}
		return v, nil
	}
}

// Date normalizes a recognized date to YYYY-MM-DD. Empty values pass.
func Date() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.Format(DateLayout), nil
			}
		}
		return "", fmt.Errorf("invalid date %q", v)
	}
}

// Enum lower-cases the value and requires it to be one of options.
// Empty values pass.
func Enum(options ...string) Func {
	allowed := make(map[string]bool, len(options))
	for _, o := range options {
		allowed[strings.ToLower(o)] = true
	}
	return func(value, field string) (string, error) {
		v := strings.ToLower(strings.TrimSpace(value))
		if v == "" {
			return "", nil
		}
		if !allowed[v] {
			return "", fmt.Errorf("invalid value %q, expected one of %s", value, strings.Join(options, ", "))
		}
		return v, nil
	}
}

// Lookup maps case-insensitive synonyms to canonical values, for coded
// columns such as sex at birth. Empty values pass.
func Lookup(table map[string]string) Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		if out, ok := table[strings.ToUpper(v)]; ok {
			return out, nil
		}
		return "", fmt.Errorf("unrecognized value %q", v)
	}
}

// PostalCode keeps the first five digits found in the value.
func PostalCode() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		digits := make([]rune, 0, 5)
		for _, r := range v {
			if unicode.IsDigit(r) {
				digits = append(digits, r)
				if len(digits) == 5 {
					return string(digits), nil
				}
			}
		}
		return "", fmt.Errorf("invalid postal code %q", v)
	}
}

// Phone strips formatting and accepts exactly ten digits after removing a
// leading "+1", "001" or "1" country prefix.
func Phone() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		switch {
		case strings.HasPrefix(v, "+1"):
			v = v[2:]
		case strings.HasPrefix(v, "001"):
			v = v[3:]
		}
		var b strings.Builder
		for _, r := range v {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		digits := b.String()
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		if len(digits) != 10 {
			return "", fmt.Errorf("invalid phone number %q, expected 10 digits", value)
		}
		return digits, nil
	}
}

var booleans = map[string]bool{
	"TRUE": true, "T": true, "YES": true, "Y": true,
	"FALSE": false, "F": false, "NO": false, "N": false,
}

// Boolean normalizes synonyms to "true" or "false". Empty input is "false".
func Boolean() Func {
	return func(value, field string) (string, error) {
		v := strings.ToUpper(strings.TrimSpace(value))
		if v == "" {
			return "false", nil
		}
		b, ok := booleans[v]
		if !ok {
			return "", fmt.Errorf("invalid boolean %q", value)
		}
		if b {
			return "true", nil
		}
		return "false", nil
	}
}

var emailPattern = regexp.MustCompile("^[\\w!#$%&'*+/=?^`{|}~.-]+@[a-zA-Z\\d.-]+\\.[a-zA-Z]{2,}$")

// Email accepts a conservative local@domain.tld form.
func Email() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		local, _, _ := strings.Cut(v, "@")
		if !emailPattern.MatchString(v) || strings.HasPrefix(local, ".") || strings.HasSuffix(local, ".") {
			return "", fmt.Errorf("invalid email %q", v)
		}
		return v, nil
	}
}

var timezoneAbbreviations = map[string]string{
	"EST": "America/New_York", "EDT": "America/New_York", "ET": "America/New_York",
	"CST": "America/Chicago", "CDT": "America/Chicago", "CT": "America/Chicago",
	"MST": "America/Denver", "MDT": "America/Denver", "MT": "America/Denver",
	"PST": "America/Los_Angeles", "PDT": "America/Los_Angeles", "PT": "America/Los_Angeles",
	"AKST": "America/Anchorage", "AKDT": "America/Anchorage",
	"HST": "Pacific/Honolulu",
}

// Timezone maps common abbreviations to IANA names and otherwise accepts any
// canonical IANA zone name.
func Timezone() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		if tz, ok := timezoneAbbreviations[strings.ToUpper(v)]; ok {
			return tz, nil
		}
		if v != "Local" {
			if loc, err := time.LoadLocation(v); err == nil {
				return loc.String(), nil
			}
		}
		return "", fmt.Errorf("invalid timezone %q", v)
	}
}

// FileList accepts a JSON array of file names or a single bare file name and
// normalizes both to a JSON array.
func FileList() Func {
	return func(value, field string) (string, error) {
		v := strings.TrimSpace(value)
		if v == "" {
			return "", nil
		}
		files, err := ParseFileList(v)
		if err != nil {
			return "", err
		}
		out, _ := json.Marshal(files)
		return string(out), nil
	}
}

// ParseFileList decodes a FileList value.
func ParseFileList(value string) ([]string, error) {
	v := strings.TrimSpace(value)
	if !strings.HasPrefix(v, "[") {
		if v == "" {
			return nil, errors.New("empty file list")
		}
		return []string{v}, nil
	}
	var files []string
	if err := json.Unmarshal([]byte(v), &files); err != nil {
		return nil, fmt.Errorf("invalid file list %q: %w", v, err)
	}
	cleaned := files[:0]
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("empty file list")
	}
	return cleaned, nil
}

// MaxLength rejects values longer than n runes.
func MaxLength(n int) Func {
	return func(value, field string) (string, error) {
		if len([]rune(value)) > n {
			return "", fmt.Errorf("value longer than %d characters", n)
		}
		return value, nil
	}
}
