package registry

import "strings"

// Classification is the category a node falls in, derived from its name.
type Classification string

const (
	Validator Classification = "validator"
	Passive   Classification = "passive"
	Other     Classification = "other"
)

// Classifications lists every category in export order.
func Classifications() []Classification {
	return []Classification{Validator, Passive, Other}
}

// Classifier maps node display names to classifications using two
// case-sensitive substrings. Active is checked before passive, so a name
// matching both is a validator.
type Classifier struct {
	Active  string
	Passive string
}

// Classify returns the classification of a node name.
func (c Classifier) Classify(name string) Classification {
	if strings.Contains(name, c.Active) {
		return Validator
	}
	if strings.Contains(name, c.Passive) {
		return Passive
	}
	return Other
}
