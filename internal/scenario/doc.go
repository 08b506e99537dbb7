// Package scenario runs the pipeline end to end on small synthetic site
// tables described in YAML, and checks the outcome against declared
// assertions and golden snapshots.
//
// A scenario file looks like:
//
//	name: constant_ratio
//	description: a constant ratio is recovered
//	config:
//	  sampler: {chains: 3, burnin: 2000, thin: 2, seed: 17}
//	  iterations: {diagnostic: 2000, base: 4000, reference: 10, max: 16000}
//	  convergence: {policy: advisory, extend: false}
//	sites:
//	  - id: HARV
//	    start: 2019-01
//	    ratio: [2, 2, null, 2]
//	run: [HARV]
//	assertions:
//	  - {type: finished, site: HARV}
//	  - {type: median_within, site: HARV, value: 2, tolerance: 0.3}
//
// The config block is decoded over config.Default. A null ratio is a month
// without a measurement. Covariates default to constants when omitted.
//
// Every scenario runs against a fresh in-memory draw store, so the store
// write path is exercised too.
package scenario
