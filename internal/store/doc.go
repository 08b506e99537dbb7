// Package store persists posterior draws in SQLite.
//
// A run is one production sampling call for one site. Its draws are stored
// long-form (param, element, chain, iteration, value) next to the run's
// settings and convergence diagnostics, so they can be reloaded as
// sampler.Draws and summarized without re-running the sampler.
//
// # Identity
//
// Runs carry two identifiers:
//   - run_key: content-addressed (ident.RunKey). Writing a run whose key is
//     already stored is a no-op that returns the stored id.
//   - id: a UUIDv7 assigned on first write.
//
// # Ordering
//
// Listings are ordered by seq, a logical counter assigned at insert time,
// then id. Wall-clock time is never stored.
package store
