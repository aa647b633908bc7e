// Package pipeline composes one turn out of sequential and parallel steps.
//
// A Definition is loaded from YAML, JSON, JSONC or TOML files, validated for
// slot data flow and held in a Registry. The Composer executes it against a
// backend session: each step renders its instruction template from the turn's
// slots, runs a backend turn and drives its tool loop.
//
// Invariants:
// - Sequential stages never overlap; each sees every slot written before it.
// - Parallel steps see only slots written before the group started, and the
//   group's slot writes become visible only after every step succeeded.
// - The result of a parallel group is its step outputs in declaration order.
//
// Example definition (YAML):
//
//	agent: research_agent
//	stages:
//	  - step: {id: outline, instruction: "Outline: {message}", output_slot: outline}
//	  - parallel:
//	      name: research
//	      steps:
//	        - {id: pros, instruction: "Pros of {outline}", output_slot: pros}
//	        - {id: cons, instruction: "Cons of {outline}", output_slot: cons}
//	  - step: {id: verdict, instruction: "Weigh {pros} against {cons}"}
package pipeline
