// Package rca turns a failure event into a root-cause diagnosis.
//
// An Engine holds an ordered list of rules. Rules run in ascending priority
// and the first one that matches produces the diagnosis; nothing after it is
// evaluated. PASSED events short-circuit before any rule runs, and events
// no rule claims get a low-confidence fallback, so Analyze always returns
// at least one diagnosis.
//
// Rules beyond the built-in exception chain are built from RuleDefinition
// values through factories registered with RegisterRuleFactory. The
// definitions usually come from a YAML rules file:
//
//	rules:
//	  - name: db-connection
//	    type: exception_contains
//	    priority: 15
//	    contains: SQLTransientConnectionException
//	    analysis_type: Database Unavailable
//	    reason: The test could not reach the database.
//	    solution: Check the database container and pool limits.
//	    confidence: 0.7
//	  - name: quarantined
//	    type: expression
//	    priority: 1
//	    condition: '"quarantine" in tags'
//	    analysis_type: Quarantined Test
//	    confidence: 0.6
package rca
