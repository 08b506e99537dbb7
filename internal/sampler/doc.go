// Package sampler draws from the posterior of a model.Spec.
//
// The pipeline talks to a Sampler through two calls, mirroring how an
// external MCMC engine is driven: Compile binds a model, a data bundle and a
// chain count into a Session (running burn-in), and Session.Sample returns
// draws for named parameters. A Session keeps its chain state, so a second
// Sample call continues where the first stopped.
//
// Gibbs is the in-process implementation. It is specific to the normal
// dynamic linear model family model.Spec can express and uses conjugate
// updates wherever they exist:
//
//	x[t]          normal, one timestep at a time
//	coefficients  joint multivariate normal (Cholesky of the precision)
//	alpha[t]      normal
//	precisions    gamma
//	missing Z     normal (normal imputation) or random-walk Metropolis on the
//	              log scale (lognormal imputation)
package sampler
