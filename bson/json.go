package bson

import (
	"strconv"
	"strings"

	officialBson "go.mongodb.org/mongo-driver/bson"
)

// FromJSON parses a JSON string (the query-authoring / import format, spec
// §1 "textual JSON is an import/export and query-authoring format only")
// into an ordered D, combining any UTF-16 surrogate pairs as part of the
// driver's own JSON scanner.
func FromJSON(jsonText string) (D, error) {
	var d D
	if err := officialBson.UnmarshalExtJSON([]byte(jsonText), false, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// ToJSON renders a document back to relaxed extended JSON text via the
// driver's MarshalExtJSON. Floats come out as the driver formats them;
// FormatFloat's fixed-precision, zero-trimmed form is not applied here.
func ToJSON(doc interface{}) (string, error) {
	data, err := officialBson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FormatFloat renders f with six fixed decimal places, then trims trailing
// zeros (and a bare trailing decimal point).
func FormatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	return s
}
