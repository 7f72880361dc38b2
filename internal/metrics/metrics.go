package metrics

import (
	"expvar"
)

var (
	// ExtractionsTotal counts extraction attempts
	ExtractionsTotal = expvar.NewInt("extractions_total")

	// ExtractionsSucceeded counts extractions that reached review
	ExtractionsSucceeded = expvar.NewInt("extractions_succeeded")

	// ExtractionsFailed counts extractions that ended in an error
	ExtractionsFailed = expvar.NewInt("extractions_failed")

	// ExtractionsLowConfidence counts extractions rejected by the confidence floor
	ExtractionsLowConfidence = expvar.NewInt("extractions_low_confidence")

	// VendorsCreated counts vendors registered from extractions
	VendorsCreated = expvar.NewInt("vendors_created")

	// VendorsMatched counts extractions attributed to an existing vendor
	VendorsMatched = expvar.NewInt("vendors_matched")

	// ModelInputTokens sums prompt tokens reported by the model
	ModelInputTokens = expvar.NewInt("model_input_tokens_total")

	// ModelOutputTokens sums output tokens reported by the model
	ModelOutputTokens = expvar.NewInt("model_output_tokens_total")
)
