// Package model declares the Bayesian state-space model fitted to each site.
//
// The model is data, not code: it is written in CUE (dlm.cue is embedded as
// the default), unified with a structural schema (schema.cue) and compiled
// into a Spec. Validate then checks what CUE cannot express on its own:
//
//   - the random effect is indexed by the timestep counter that indexes x and Z
//   - every scalar parameter has exactly one prior of the right family
//   - non-negative covariates are imputed with a positive-support distribution
//   - terms and imputations refer to columns of the design matrix
//
// Model structure:
//
//	x[1]  ~ normal(x_ic, tau_ic)
//	x[t]  ~ normal(phi*x[t-1] + sum_k beta_k*Z[t,k] + alpha[t], tau_add)   t = 2..n
//	y[t]  ~ normal(x[t], tau_obs)                                           t = 1..n
//	alpha[t] ~ normal(0, tau_alpha)
//	Z[t,k] ~ imputation_k(mu_k, tau_k)                                      where missing
//
// Precisions, not variances, parameterize every normal.
package model
