// Package intent implements the Intent Analyzer (spec §4.7): a
// deterministic, ordered rule table that classifies free text into a
// canonical intent, overlays CapabilityMetadata from the registry's
// catalog, and gates on confidence before handing the message to the
// Router Core.
//
// The rule table is grounded on workflow/dsl's ordered, deterministic
// evaluation style (first matching rule wins, no backtracking) rather than
// on any NLP library — spec §4.7 calls for pattern matching against a
// "fixed, ordered rule table", which is exactly what a regexp-driven table
// gives without pulling in a grammar the rest of the corpus never uses for
// this concern.
package intent
