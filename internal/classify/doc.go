// Package classify maps a fired probe point plus its ambient information
// (return value, a previously recorded failure, a selector field) to exactly
// one branch of the point's operation and, for failing branches, a reason.
//
// Classification is a pure table lookup. A Classifier is built once per
// session from the probe registry and refuses to build when any registered
// point lacks a rule or a rule can yield a branch its operation does not
// declare, so an unmapped point is a setup error and never a runtime one.
package classify
