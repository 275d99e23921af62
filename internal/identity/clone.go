package identity

import (
	"fmt"
	"strconv"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CloneExhaustedError is returned when every clone counter up to the policy's
// maximum is already taken.
type CloneExhaustedError struct {
	Key        string
	MaxCounter int
}

func (e *CloneExhaustedError) Error() string {
	return fmt.Sprintf("no free clone key for %q after %d attempts", e.Key, e.MaxCounter)
}

var (
	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	upper      = cases.Upper(language.Und)
)

// Abbreviate derives the scope abbreviation used in clone keys from an agency
// name: accents stripped, letters and digits only, upper case, at most n
// runes. Names with no usable character fall back to "AG<id>".
func Abbreviate(name string, id int64, n int) string {
	plain, _, err := transform.String(stripMarks, name)
	if err != nil {
		plain = name
	}
	out := make([]rune, 0, n)
	for _, r := range upper.String(plain) {
		if len(out) == n {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "AG" + strconv.FormatInt(id, 10)
	}
	return string(out)
}

// CloneKey builds the n-th candidate key, e.g. CloneKey("RICE-5KG", "A", 1)
// with the default separator is "RICE-5KG_A1".
func (c *ClonePolicy) CloneKey(key, abbr string, n int) string {
	return key + c.Separator + abbr + strconv.Itoa(n)
}

// FirstFreeKey returns the first candidate key for which taken reports false.
// taken is typically a store lookup; its error aborts the search.
func (c *ClonePolicy) FirstFreeKey(key, abbr string, taken func(string) (bool, error)) (string, error) {
	for n := 1; n <= c.MaxCounter; n++ {
		candidate := c.CloneKey(key, abbr, n)
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", &CloneExhaustedError{Key: key, MaxCounter: c.MaxCounter}
}
