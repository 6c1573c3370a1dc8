// Package content runs submissions through the publication pipeline.
//
// A submission is admitted against the author's content rate limit, screened
// and evaluated by the gate protocol, and, when every required gate passes,
// stored together with its ordered evidence, the evidence hash and a COSE
// receipt. The author's reputation then moves toward the quality score. Both
// outcomes are appended to the witness chain.
//
// Reads recompute the evidence hash and verify the receipt, reporting the result
// as Unit.EvidenceIntact.
package content
