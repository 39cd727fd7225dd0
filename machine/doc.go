// Package machine provides the activity machine: a chain of conditional
// nodes assembled at execution time by a Builder and traversed on a
// single-consumer dispatcher.
//
// # Assembly
//
// Execute runs the builder while the machine is editable. The builder adds
// nodes to the end of the chain:
//
//	m.AddActivity(executable.Do("Open Door", door.Open))
//	m.AddContinueCondition(doorOpen, triggers.PropertyChanged("Door", door, "Open", nil))
//	m.AddActivity(executable.Do("Load Tray", loader.Load))
//
// AddActivity appends a node that continues as soon as its behavior has
// run. AddContinueCondition appends a wait point: the chain only continues
// past it once its constraint holds, re-evaluated whenever one of the
// node's triggers trips. AddQuitOrContinueCondition and
// AddFinishOrContinueCondition add wait points that can also leave the
// chain early.
//
// # Traversal
//
// Every node has up to three connectors, evaluated in order: Finish and
// Quit lead to the final node, Continue leads to the next node. Finish
// holds once the completion cause is decided or when the node is the end of
// the chain; Continue only while the cause is pending. Setting the cause
// therefore steers every node toward the final node on its next
// evaluation, and reaching the final node completes the machine with that
// cause.
//
// # Lifecycle
//
// A machine moves from NotStarted to Running, may alternate with Paused,
// and ends Finished. Its CompletionCause leaves Pending exactly once:
// Finished when the chain reaches its end, Interrupted on Quit or
// EmergencyQuit, Expired on timeout and Faulted on a builder error or, with
// HaltOnFault, a node fault. Started is followed by exactly one of Finished,
// Interrupted, Expired or Faulted.
package machine
