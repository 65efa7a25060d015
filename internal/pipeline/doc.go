// Package pipeline runs the model promotion pipeline: generate a run id,
// split the dataset, train, wait at the approval gate, promote.
//
// Steps share a typed RunContext. Each step declares the fields it reads and
// writes and sees the context only through a Scope limited to those fields.
// The context is persisted on the run after every step, so a run parked at
// the gate can be resumed by whichever process records the approval.
package pipeline
