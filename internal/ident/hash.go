package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change without collisions.
const (
	DomainRun   = "soap/run/v2"
	DomainModel = "soap/model/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SpecHash identifies a model by its rendered text, which carries every
// prior constant.
func SpecHash(rendered string) string {
	return hashWithDomain(DomainModel, []byte(rendered))
}

// RunInput is everything that determines the draws of one production run.
//
// Chains keep their state between the diagnostic and production calls, so
// the diagnostic sweeps decide where production starts: both the configured
// diagnostic length and the length actually reached after extension are
// part of the input.
type RunInput struct {
	SpecHash   string
	Site       string
	Label      string
	Y          []float64
	Z          []float64 // row-major, n x width
	Width      int
	Chains     int
	Iterations int
	Burnin     int
	Thin       int
	Seed       uint64

	DiagnosticBase int
	DiagnosticUsed int
}

// RunKey is stable for identical inputs, so re-running a site with the same
// data, model and sampler settings maps onto the stored run.
func RunKey(in RunInput) (string, error) {
	// decimal string: uint64 seeds do not fit an int64
	seed := strconv.FormatUint(in.Seed, 10)
	obj := map[string]any{
		"spec_hash":       in.SpecHash,
		"site":            in.Site,
		"label":           in.Label,
		"y":               in.Y,
		"z":               in.Z,
		"width":           in.Width,
		"chains":          in.Chains,
		"iterations":      in.Iterations,
		"burnin":          in.Burnin,
		"thin":            in.Thin,
		"seed":            seed,
		"diagnostic_base": in.DiagnosticBase,
		"diagnostic_used": in.DiagnosticUsed,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RunKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRun, canonical), nil
}
