// Package ident derives identifiers for fitted runs.
//
// A run key is content-addressed: SHA-256 with domain separation over the
// canonical JSON of the model hash, data bundle and sampler settings. A run
// id is a UUIDv7 assigned when draws are stored.
package ident
