package canonicalize

import (
	"bytes"
	"fmt"

	"github.com/gowebpki/jcs"
)

// RFC8785 transforms a JSON document with the reference JCS implementation.
// The two schemes agree on ASCII keys, safe integers and NFC input; they
// differ on key order for non-BMP characters and on number formatting
// outside the float64-safe range.
func RFC8785(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// AgreesWithRFC8785 reports whether FromJSON and RFC8785 produce identical
// bytes for raw.
func AgreesWithRFC8785(raw []byte) (bool, error) {
	ours, err := FromJSON(raw)
	if err != nil {
		return false, err
	}
	ref, err := RFC8785(raw)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ours, ref), nil
}

// selfCheckVectors are documents on which both schemes must agree.
var selfCheckVectors = []string{
	`{"b":1,"a":[true,false,null],"c":{"y":"2","x":"1"}}`,
	`{"numbers":[0,-1,42,9007199254740991],"s":"tab\there"}`,
	`{"html":"<script>&</script>","quote":"\"","slash":"a/b"}`,
	`{"unicode":"\u00e9\u4e2d","empty":{},"list":[]}`,
}

// SelfCheck cross-checks FromJSON against the reference implementation.
// Servers run it once at startup.
func SelfCheck() error {
	for _, v := range selfCheckVectors {
		ok, err := AgreesWithRFC8785([]byte(v))
		if err != nil {
			return fmt.Errorf("canonicalize self-check on %s: %w", v, err)
		}
		if !ok {
			return fmt.Errorf("canonicalize self-check: %s diverges from RFC 8785", v)
		}
	}
	return nil
}
