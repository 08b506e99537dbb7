// Package dataset loads the site-month observation table that feeds the
// state-space fits.
//
// The table has one row per site per month with the response ratio
// (bacteria+archaea : fungi) and four covariates: average monthly minimum
// temperature, average monthly precipitation, soil pH and litter depth.
//
// # Missing values
//
// Empty cells, "NA" and "NaN" are read as math.NaN(). Rows are never dropped
// and values are never imputed here; the model treats missing responses and
// covariates itself.
//
// # Ordering
//
// Rows keep file order. Site subsets keep the order of the table and are
// assumed to be chronological; nothing in this package sorts.
//
// # Building the table
//
// When the table file does not exist, LoadOrBuild runs a Builder once to
// produce it. Aggregator is the bundled Builder: it averages raw per-sample
// and daily climate records into site-months.
package dataset
