package contracts

import (
	"fmt"
	"strconv"
	"strings"
)

// IntentClass is the physical category of a commit. The numeric value is the
// byte used in signing bytes and pact digests.
type IntentClass uint8

const (
	IntentObservation  IntentClass = 0
	IntentConservation IntentClass = 1
	IntentEntropy      IntentClass = 2
	IntentEvolution    IntentClass = 3
)

var intentNames = [...]string{
	IntentObservation:  "Observation",
	IntentConservation: "Conservation",
	IntentEntropy:      "Entropy",
	IntentEvolution:    "Evolution",
}

// IntentClasses lists every class in byte order.
var IntentClasses = []IntentClass{IntentObservation, IntentConservation, IntentEntropy, IntentEvolution}

func (c IntentClass) Valid() bool { return int(c) < len(intentNames) }

func (c IntentClass) String() string {
	if c.Valid() {
		return intentNames[c]
	}
	return "IntentClass(" + strconv.Itoa(int(c)) + ")"
}

// ParseIntentClass accepts a class name in any case, or its byte value.
func ParseIntentClass(s string) (IntentClass, error) {
	for i, name := range intentNames {
		if strings.EqualFold(s, name) {
			return IntentClass(i), nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil && IntentClass(n).Valid() {
		return IntentClass(n), nil
	}
	return 0, fmt.Errorf("unknown intent class %q", s)
}

func (c IntentClass) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown intent class %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *IntentClass) UnmarshalText(b []byte) error {
	v, err := ParseIntentClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
