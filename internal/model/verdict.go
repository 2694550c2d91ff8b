package model

import "fmt"

// Verdict is the outcome of scanning one upload.
type Verdict int

const (
	// VerdictError means the scan could not complete. It is the zero value so
	// that an unset verdict is never mistaken for a clean file.
	VerdictError Verdict = iota
	VerdictSafe
	VerdictMalware
)

func (v Verdict) String() string {
	switch v {
	case VerdictSafe:
		return "safe"
	case VerdictMalware:
		return "malware"
	default:
		return "error"
	}
}

// Definitive reports whether the verdict describes the content itself rather
// than the state of the scanning infrastructure.
func (v Verdict) Definitive() bool {
	return v == VerdictSafe || v == VerdictMalware
}

// ParseVerdict maps a verdict name back to its value.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "safe":
		return VerdictSafe, nil
	case "malware":
		return VerdictMalware, nil
	case "error":
		return VerdictError, nil
	}
	return VerdictError, fmt.Errorf("unknown verdict %q", s)
}
